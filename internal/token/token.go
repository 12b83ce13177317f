// Package token implements the capability token service: opaque bearer
// tokens with embedded permissions, IP binding, download counters, and
// revocation, backed entirely by the fast store. There is no
// bearer-readable claim set; every request costs a store lookup.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/ovasabi-labs/filehub/internal/fastkv"
	"github.com/ovasabi-labs/filehub/pkg/graceful"
	"github.com/ovasabi-labs/filehub/pkg/metrics"
)

// Permission is one of the two capabilities a token can carry.
type Permission string

const (
	PermissionRead     Permission = "read"
	PermissionDownload Permission = "download"
)

const (
	minExpiry     = 5 * time.Minute
	maxExpiry     = 24 * time.Hour
	defaultExpiry = time.Hour

	userIndexTTL = 24 * time.Hour

	fileEventsCap = 100
	fileEventsTTL = 30 * 24 * time.Hour
	userEventsCap = 50
	userEventsTTL = 7 * 24 * time.Hour

	opaqueBytes = 32 // 256 bits of randomness
)

// ErrInvalid covers every validation failure: absent, expired, wrong
// permission, IP mismatch, or uses exhausted. Callers don't need to
// distinguish the sub-reason beyond what the returned error carries for
// logging/metrics.
var ErrInvalid = errors.New("token: invalid")

// ErrRevokeMismatch is returned when Revoke is called with a user that
// doesn't match the binding's subject.
var ErrRevokeMismatch = errors.New("token: revoke user mismatch")

// Binding is the capability a validated token grants.
type Binding struct {
	Token       string
	FileID      string
	UserID      string
	Permissions []Permission
	ExpiresAt   time.Time
	MaxUses     int // 0 means unlimited
	UseCount    int
	IPPin       string
}

func (b *Binding) has(p Permission) bool {
	for _, perm := range b.Permissions {
		if perm == p {
			return true
		}
	}
	return false
}

// IssueOptions configures Issue.
type IssueOptions struct {
	ExpiresIn   time.Duration // clamped to [5m, 24h]; 0 means default 1h
	Permissions []Permission
	MaxUses     int
	IPPin       string
}

// Service implements issue/validate/revoke against a fastkv.KV.
type Service struct {
	kv  fastkv.KV
	log *zap.Logger
}

// New creates a token Service.
func New(kv fastkv.KV, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{kv: kv, log: log.With(zap.String("module", "token"))}
}

func sessionKey(tok string) string       { return "download_token:" + tok }
func userIndexKey(userID string) string  { return "user_tokens:" + userID }
func fileEventsKey(fileID string) string { return "download_events:" + fileID }
func userEventsKey(userID string) string { return "user_downloads:" + userID }

func newOpaque() (string, error) {
	b := make([]byte, opaqueBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Issue mints a new token bound to file for user, per opts.
func (s *Service) Issue(ctx context.Context, fileID, userID string, opts IssueOptions) (*Binding, error) {
	expiresIn := opts.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultExpiry
	}
	if expiresIn < minExpiry {
		expiresIn = minExpiry
	}
	if expiresIn > maxExpiry {
		expiresIn = maxExpiry
	}
	perms := opts.Permissions
	if len(perms) == 0 {
		perms = []Permission{PermissionRead}
	}

	opaque, err := newOpaque()
	if err != nil {
		metrics.TokenOperations.WithLabelValues("issue", "error").Inc()
		return nil, graceful.WrapErr(ctx, codes.Internal, "token generation failed", err)
	}

	b := &Binding{
		Token:       opaque,
		FileID:      fileID,
		UserID:      userID,
		Permissions: perms,
		ExpiresAt:   time.Now().Add(expiresIn),
		MaxUses:     opts.MaxUses,
		IPPin:       opts.IPPin,
	}

	payload, err := json.Marshal(b)
	if err != nil {
		return nil, graceful.WrapErr(ctx, codes.Internal, "token marshal failed", err)
	}
	if err := s.kv.HSet(ctx, sessionKey(opaque), map[string]string{"data": string(payload)}); err != nil {
		metrics.TokenOperations.WithLabelValues("issue", "error").Inc()
		return nil, graceful.WrapErr(ctx, codes.Internal, "token store failed", err)
	}
	if err := s.kv.Expire(ctx, sessionKey(opaque), expiresIn); err != nil {
		s.log.Warn("token expiry set failed", zap.Error(err))
	}
	if err := s.kv.SAdd(ctx, userIndexKey(userID), opaque); err != nil {
		s.log.Warn("user token index add failed", zap.Error(err))
	}
	if err := s.kv.Expire(ctx, userIndexKey(userID), userIndexTTL); err != nil {
		s.log.Warn("user token index expiry failed", zap.Error(err))
	}

	metrics.TokenOperations.WithLabelValues("issue", "ok").Inc()
	return b, nil
}

// IssuePreview is a convenience constructor limiting permissions to
// {read} with a short TTL.
func (s *Service) IssuePreview(ctx context.Context, fileID, userID string, ttl time.Duration) (*Binding, error) {
	if ttl <= 0 || ttl > 10*time.Minute {
		ttl = 10 * time.Minute
	}
	return s.Issue(ctx, fileID, userID, IssueOptions{ExpiresIn: ttl, Permissions: []Permission{PermissionRead}})
}

// IssueOneTime fixes max_uses=1 with a very short TTL.
func (s *Service) IssueOneTime(ctx context.Context, fileID, userID string, perms []Permission, ttl time.Duration) (*Binding, error) {
	if ttl <= 0 || ttl > 5*time.Minute {
		ttl = 5 * time.Minute
	}
	return s.Issue(ctx, fileID, userID, IssueOptions{ExpiresIn: ttl, Permissions: perms, MaxUses: 1})
}

// Validate checks a token for required and, on a successful download
// validation, increments use_count and appends to the capped event
// streams. Read validations are never counted.
func (s *Service) Validate(ctx context.Context, tok string, required Permission, clientIP string) (*Binding, error) {
	timer := metrics.TokenValidateLatency.WithLabelValues(string(required))
	start := time.Now()
	defer func() { timer.Observe(time.Since(start).Seconds()) }()

	raw, ok, err := s.kv.HGet(ctx, sessionKey(tok), "data")
	if err != nil {
		metrics.TokenErrors.WithLabelValues("store_error").Inc()
		return nil, graceful.WrapErr(ctx, codes.Internal, "token lookup failed", err)
	}
	if !ok {
		metrics.TokenErrors.WithLabelValues("absent").Inc()
		return nil, graceful.WrapErr(ctx, codes.Unauthenticated, "token not found or expired", ErrInvalid)
	}

	var b Binding
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, graceful.WrapErr(ctx, codes.Internal, "token payload corrupt", err)
	}

	if time.Now().After(b.ExpiresAt) {
		metrics.TokenErrors.WithLabelValues("expired").Inc()
		return nil, graceful.WrapErr(ctx, codes.Unauthenticated, "token expired", ErrInvalid)
	}
	if !b.has(required) {
		metrics.TokenErrors.WithLabelValues("permission").Inc()
		return nil, graceful.WrapErr(ctx, codes.PermissionDenied, "token lacks required permission", ErrInvalid)
	}
	if b.IPPin != "" && b.IPPin != clientIP {
		metrics.TokenErrors.WithLabelValues("ip_mismatch").Inc()
		return nil, graceful.WrapErr(ctx, codes.PermissionDenied, "token is pinned to a different client IP", ErrInvalid)
	}
	if b.MaxUses > 0 && b.UseCount >= b.MaxUses {
		metrics.TokenErrors.WithLabelValues("uses_exhausted").Inc()
		return nil, graceful.WrapErr(ctx, codes.PermissionDenied, "token use limit exhausted", ErrInvalid)
	}

	if required == PermissionDownload {
		b.UseCount++
		payload, err := json.Marshal(b)
		if err != nil {
			return nil, graceful.WrapErr(ctx, codes.Internal, "token re-marshal failed", err)
		}
		if err := s.kv.HSet(ctx, sessionKey(tok), map[string]string{"data": string(payload)}); err != nil {
			return nil, graceful.WrapErr(ctx, codes.Internal, "token use-count update failed", err)
		}
		event := fmt.Sprintf(`{"token":%q,"file_id":%q,"user_id":%q,"at":%q}`, tok, b.FileID, b.UserID, time.Now().UTC().Format(time.RFC3339))
		if err := s.kv.LPushCapped(ctx, fileEventsKey(b.FileID), fileEventsCap, event); err != nil {
			s.log.Warn("file download event log failed", zap.Error(err))
		}
		if err := s.kv.Expire(ctx, fileEventsKey(b.FileID), fileEventsTTL); err != nil {
			s.log.Warn("file download event ttl failed", zap.Error(err))
		}
		if err := s.kv.LPushCapped(ctx, userEventsKey(b.UserID), userEventsCap, event); err != nil {
			s.log.Warn("user download event log failed", zap.Error(err))
		}
		if err := s.kv.Expire(ctx, userEventsKey(b.UserID), userEventsTTL); err != nil {
			s.log.Warn("user download event ttl failed", zap.Error(err))
		}
	}

	metrics.TokenOperations.WithLabelValues("validate", "ok").Inc()
	return &b, nil
}

// Revoke deletes a token and removes it from its owner's index. If user
// is non-empty, it must match the binding's subject.
func (s *Service) Revoke(ctx context.Context, tok, user string) error {
	raw, ok, err := s.kv.HGet(ctx, sessionKey(tok), "data")
	if err != nil {
		return graceful.WrapErr(ctx, codes.Internal, "token lookup failed", err)
	}
	if !ok {
		return nil // already gone; revoke is idempotent
	}
	var b Binding
	if err := json.Unmarshal([]byte(raw), &b); err == nil {
		if user != "" && b.UserID != user {
			return graceful.WrapErr(ctx, codes.PermissionDenied, "revoke user mismatch", ErrRevokeMismatch)
		}
		if err := s.kv.SRem(ctx, userIndexKey(b.UserID), tok); err != nil {
			s.log.Warn("user token index remove failed", zap.Error(err))
		}
	}
	if err := s.kv.Del(ctx, sessionKey(tok)); err != nil {
		return graceful.WrapErr(ctx, codes.Internal, "token delete failed", err)
	}
	metrics.TokenOperations.WithLabelValues("revoke", "ok").Inc()
	return nil
}

// ListForUser enumerates a user's issued token ids via the per-user
// index. Every Issue refreshes the index's 24h TTL and no token lives longer
// than 24h, so live tokens stay listed; ids of tokens that expired without
// being revoked also stay listed until the index itself expires.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]string, error) {
	toks, err := s.kv.SMembers(ctx, userIndexKey(userID))
	if err != nil {
		return nil, graceful.WrapErr(ctx, codes.Internal, "list tokens failed", err)
	}
	return toks, nil
}
