// Package chunk implements the chunked upload session manager:
// create/resume/cancel sessions, per-chunk atomic state via the fast
// store's scripted compare-and-set, and the assembly protocol that hands
// finished bytes to the file store.
package chunk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/ovasabi-labs/filehub/internal/fastkv"
	"github.com/ovasabi-labs/filehub/internal/store"
	"github.com/ovasabi-labs/filehub/internal/validate"
	"github.com/ovasabi-labs/filehub/pkg/graceful"
	"github.com/ovasabi-labs/filehub/pkg/metrics"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusUploading  Status = "uploading"
	StatusAssembling Status = "assembling"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

const (
	sessionTTL     = 24 * time.Hour
	graceWindow    = 5 * time.Minute
	maxTotalChunks = 1000
)

// ErrNotFound is returned when a session id doesn't resolve, is expired,
// or has aged out of the grace window.
var ErrNotFound = errors.New("chunk: session not found")

// ErrForbidden is returned when a session is inspected or mutated by a
// user other than its owner.
var ErrForbidden = errors.New("chunk: session not owned by caller")

// ErrIncomplete is returned by Complete when chunks are still missing;
// Missing carries the gap.
type ErrIncomplete struct {
	Missing []int
}

func (e *ErrIncomplete) Error() string {
	return fmt.Sprintf("chunk: %d chunks still missing", len(e.Missing))
}

// Session is the caller-facing view of session state.
type Session struct {
	ID            string
	UserID        string
	OriginalName  string
	MIME          string
	TotalSize     int64
	ChunkSize     int64
	TotalChunks   int
	Status        Status
	LastError     string
	CreatedAt     time.Time
}

// Progress is the caller-facing inspection result for resume and
// progress polling.
type Progress struct {
	SessionID string
	Completed int
	Total     int
	Failed    []int
	Percent   int
	Terminal  bool
	Status    Status
}

func sessionKey(id string) string  { return "chunk_session:" + id }
func uploadedKey(id string) string { return "chunk_uploaded:" + id }
func failedKey(id string) string   { return "chunk_failed:" + id }
func progressKey(id string) string { return "chunk_progress:" + id }

// ThresholdFunc reports the single-shot/chunked boundary so Initiate can
// reject files that don't need chunking.
type ThresholdFunc func() int64

// Service runs the chunk session lifecycle.
type Service struct {
	kv        fastkv.KV
	blobs     BlobStore
	fs        *store.FileStore
	validator validate.Config
	chunkSize int64
	threshold ThresholdFunc
	newID     func() (string, error)
	clock     func() time.Time
	log       *zap.Logger
}

// New creates a chunk session Service. chunkSize is the fixed per-chunk
// size used to compute total_chunks; threshold reports the minimum size a
// chunked upload must declare.
func New(kv fastkv.KV, blobs BlobStore, fs *store.FileStore, validator validate.Config, chunkSize int64, threshold ThresholdFunc, newID func() (string, error), log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		kv: kv, blobs: blobs, fs: fs, validator: validator,
		chunkSize: chunkSize, threshold: threshold, newID: newID,
		clock: time.Now, log: log.With(zap.String("module", "chunk")),
	}
}

// Initiate creates a new chunk session.
func (s *Service) Initiate(ctx context.Context, name, mime string, size int64, userID string) (*Session, error) {
	if size < s.threshold() {
		return nil, graceful.WrapErr(ctx, codes.InvalidArgument, "file is below the chunking threshold; use single-shot upload", nil)
	}
	if r := s.validator.ValidateDeclared(name, mime, size); !r.OK {
		return nil, graceful.WrapErr(ctx, codes.InvalidArgument, "validation failed", nil).WithReasons(r.Reasons)
	}

	totalChunks := int((size + s.chunkSize - 1) / s.chunkSize)
	if totalChunks > maxTotalChunks {
		return nil, graceful.WrapErr(ctx, codes.InvalidArgument, fmt.Sprintf("total_chunks %d exceeds the %d cap", totalChunks, maxTotalChunks), nil)
	}
	if totalChunks < 1 {
		totalChunks = 1
	}

	id, err := s.newID()
	if err != nil {
		return nil, graceful.WrapErr(ctx, codes.Internal, "session id generation failed", err)
	}
	now := s.clock()
	sess := &Session{
		ID: id, UserID: userID, OriginalName: name, MIME: mime,
		TotalSize: size, ChunkSize: s.chunkSize, TotalChunks: totalChunks,
		Status: StatusPending, CreatedAt: now,
	}

	fields := map[string]string{
		"user_id":       userID,
		"original_name": name,
		"mime":          mime,
		"total_size":    strconv.FormatInt(size, 10),
		"chunk_size":    strconv.FormatInt(s.chunkSize, 10),
		"total_chunks":  strconv.Itoa(totalChunks),
		"status":        string(StatusPending),
		"created_at":    now.Format(time.RFC3339Nano),
	}
	if err := s.kv.HSet(ctx, sessionKey(id), fields); err != nil {
		return nil, graceful.WrapErr(ctx, codes.Internal, "session create failed", err)
	}
	for _, k := range []string{sessionKey(id), uploadedKey(id), failedKey(id), progressKey(id)} {
		if err := s.kv.Expire(ctx, k, sessionTTL); err != nil {
			s.log.Warn("session ttl set failed", zap.String("key", k), zap.Error(err))
		}
	}
	if err := s.kv.HSet(ctx, progressKey(id), map[string]string{"percent": "0", "completed": "0"}); err != nil {
		s.log.Warn("progress init failed", zap.Error(err))
	}

	return sess, nil
}

func (s *Service) loadSession(ctx context.Context, id string) (map[string]string, error) {
	fields, err := s.kv.HGetAll(ctx, sessionKey(id))
	if err != nil {
		return nil, graceful.WrapErr(ctx, codes.Internal, "session lookup failed", err)
	}
	if len(fields) == 0 {
		return nil, graceful.WrapErr(ctx, codes.NotFound, "session not found or expired", ErrNotFound)
	}
	return fields, nil
}

// authorize loads a session, checks ownership, and applies the
// grace-window revival rule when revive is set: a cancelled session
// touched within the window comes back as uploading. UploadChunk,
// Progress and RetryFailed revive; Complete does not.
func (s *Service) authorize(ctx context.Context, id, userID string, revive bool) (map[string]string, error) {
	fields, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if fields["user_id"] != userID {
		return nil, graceful.WrapErr(ctx, codes.PermissionDenied, "session not owned by caller", ErrForbidden)
	}
	if Status(fields["status"]) == StatusCancelled && revive {
		createdAt, _ := time.Parse(time.RFC3339Nano, fields["created_at"])
		cancelledAt, parseErr := time.Parse(time.RFC3339Nano, fields["cancelled_at"])
		if parseErr != nil {
			cancelledAt = createdAt
		}
		if s.clock().Sub(cancelledAt) <= graceWindow {
			fields["status"] = string(StatusUploading)
			if err := s.kv.HSet(ctx, sessionKey(id), map[string]string{"status": string(StatusUploading)}); err != nil {
				return nil, graceful.WrapErr(ctx, codes.Internal, "session revival failed", err)
			}
		} else {
			return nil, graceful.WrapErr(ctx, codes.FailedPrecondition, "session is cancelled", nil)
		}
	}
	return fields, nil
}

// UploadChunk persists one chunk and atomically updates progress.
// Checks run cheapest-first; an already-completed index is a successful
// idempotent no-op.
func (s *Service) UploadChunk(ctx context.Context, id string, idx int, data []byte, perChunkHash, userID string) (*Progress, error) {
	fields, err := s.authorize(ctx, id, userID, true)
	if err != nil {
		return nil, err
	}
	if Status(fields["status"]).terminal() {
		return nil, graceful.WrapErr(ctx, codes.FailedPrecondition, "session is in a terminal state", nil)
	}

	totalChunks, _ := strconv.Atoi(fields["total_chunks"])
	if idx < 0 || idx >= totalChunks {
		return nil, graceful.WrapErr(ctx, codes.OutOfRange, fmt.Sprintf("chunk index %d out of range [0,%d)", idx, totalChunks), nil)
	}

	already, err := s.kv.SIsMember(ctx, uploadedKey(id), strconv.Itoa(idx))
	if err != nil {
		return nil, graceful.WrapErr(ctx, codes.Internal, "chunk membership check failed", err)
	}
	if already {
		return s.progressFrom(ctx, id, fields, totalChunks)
	}

	totalSize, _ := strconv.ParseInt(fields["total_size"], 10, 64)
	chunkSize, _ := strconv.ParseInt(fields["chunk_size"], 10, 64)
	declared := chunkSize
	if idx == totalChunks-1 {
		declared = totalSize - int64(idx)*chunkSize
	}
	if int64(len(data)) != declared {
		s.markFailed(ctx, id, idx)
		return nil, graceful.WrapErr(ctx, codes.InvalidArgument, fmt.Sprintf("chunk %d size %d does not match declared size %d", idx, len(data), declared), nil)
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != perChunkHash {
		s.markFailed(ctx, id, idx)
		return nil, graceful.WrapErr(ctx, codes.InvalidArgument, fmt.Sprintf("chunk %d checksum mismatch", idx), nil)
	}

	if err := s.blobs.WriteChunk(ctx, id, idx, data); err != nil {
		s.markFailed(ctx, id, idx)
		return nil, graceful.WrapErr(ctx, codes.Internal, "chunk write failed", err)
	}

	res, err := s.kv.RunScript(ctx, "chunk_complete",
		[]string{uploadedKey(id), failedKey(id), sessionKey(id), progressKey(id)},
		strconv.Itoa(idx), totalChunks, int(sessionTTL.Seconds()), string(StatusUploading),
	)
	if err != nil {
		return nil, graceful.WrapErr(ctx, codes.Internal, "chunk completion script failed", err)
	}
	metrics.UploadBytesTotal.WithLabelValues("chunk").Add(float64(len(data)))
	return s.progressFromScriptResult(id, totalChunks, res)
}

func (s *Service) markFailed(ctx context.Context, id string, idx int) {
	if err := s.kv.SAdd(ctx, failedKey(id), strconv.Itoa(idx)); err != nil {
		s.log.Warn("mark chunk failed", zap.String("session", id), zap.Int("idx", idx), zap.Error(err))
	}
}

func (s *Service) progressFromScriptResult(id string, total int, res interface{}) (*Progress, error) {
	completed, pct := 0, 0
	if arr, ok := res.([]interface{}); ok && len(arr) == 2 {
		completed = toInt(arr[0])
		pct = toInt(arr[1])
	}
	return &Progress{SessionID: id, Completed: completed, Total: total, Percent: pct, Status: StatusUploading}, nil
}

func toInt(v interface{}) int {
	switch t := v.(type) {
	case int64:
		return int(t)
	case int:
		return t
	default:
		return 0
	}
}

// Progress reports resume/inspection state.
func (s *Service) Progress(ctx context.Context, id, userID string) (*Progress, error) {
	fields, err := s.authorize(ctx, id, userID, true)
	if err != nil {
		return nil, err
	}
	totalChunks, _ := strconv.Atoi(fields["total_chunks"])
	return s.progressFrom(ctx, id, fields, totalChunks)
}

func (s *Service) progressFrom(ctx context.Context, id string, fields map[string]string, totalChunks int) (*Progress, error) {
	completed, err := s.kv.SCard(ctx, uploadedKey(id))
	if err != nil {
		return nil, graceful.WrapErr(ctx, codes.Internal, "progress read failed", err)
	}
	failedMembers, err := s.kv.SMembers(ctx, failedKey(id))
	if err != nil {
		return nil, graceful.WrapErr(ctx, codes.Internal, "progress read failed", err)
	}
	failed := make([]int, 0, len(failedMembers))
	for _, m := range failedMembers {
		if n, err := strconv.Atoi(m); err == nil {
			failed = append(failed, n)
		}
	}
	pct := 0
	if totalChunks > 0 {
		pct = int(completed) * 100 / totalChunks
	}
	status := Status(fields["status"])
	return &Progress{
		SessionID: id, Completed: int(completed), Total: totalChunks,
		Failed: failed, Percent: pct, Terminal: status.terminal(), Status: status,
	}, nil
}

// RetryFailed sets status back to uploading so a client can re-send the
// reported failed indices.
func (s *Service) RetryFailed(ctx context.Context, id, userID string) (*Progress, error) {
	fields, err := s.authorize(ctx, id, userID, true)
	if err != nil {
		return nil, err
	}
	if Status(fields["status"]).terminal() {
		return nil, graceful.WrapErr(ctx, codes.FailedPrecondition, "session is in a terminal state", nil)
	}
	if err := s.kv.HSet(ctx, sessionKey(id), map[string]string{"status": string(StatusUploading)}); err != nil {
		return nil, graceful.WrapErr(ctx, codes.Internal, "retry failed", err)
	}
	totalChunks, _ := strconv.Atoi(fields["total_chunks"])
	return s.progressFrom(ctx, id, fields, totalChunks)
}

// Cancel is idempotent; schedules chunk cleanup and leaves the session
// record in place so the grace-window revival still has state to read.
func (s *Service) Cancel(ctx context.Context, id, userID string) error {
	fields, err := s.loadSession(ctx, id)
	if err != nil {
		return err
	}
	if fields["user_id"] != userID {
		return graceful.WrapErr(ctx, codes.PermissionDenied, "session not owned by caller", ErrForbidden)
	}
	if Status(fields["status"]).terminal() {
		return nil
	}
	if err := s.kv.HSet(ctx, sessionKey(id), map[string]string{
		"status":       string(StatusCancelled),
		"cancelled_at": s.clock().Format(time.RFC3339Nano),
	}); err != nil {
		return graceful.WrapErr(ctx, codes.Internal, "cancel failed", err)
	}
	if err := s.blobs.RemoveSession(ctx, id); err != nil {
		s.log.Warn("chunk cleanup on cancel failed", zap.String("session", id), zap.Error(err))
	}
	return nil
}

// Complete runs the assembly protocol: require every index present,
// stream chunks into a size-capped concatenation, verify the optional
// whole-file hash, run the full validation pass, and hand the bytes to
// the file store for dedup-aware persistence.
func (s *Service) Complete(ctx context.Context, id string, wholeFileHash, userID string) (*store.PutResult, error) {
	fields, err := s.authorize(ctx, id, userID, false)
	if err != nil {
		return nil, err
	}
	if Status(fields["status"]).terminal() {
		return nil, graceful.WrapErr(ctx, codes.FailedPrecondition, "session is in a terminal state", nil)
	}
	totalChunks, _ := strconv.Atoi(fields["total_chunks"])
	totalSize, _ := strconv.ParseInt(fields["total_size"], 10, 64)

	uploaded, err := s.kv.SMembers(ctx, uploadedKey(id))
	if err != nil {
		return nil, graceful.WrapErr(ctx, codes.Internal, "completion check failed", err)
	}
	have := make(map[int]bool, len(uploaded))
	for _, m := range uploaded {
		if n, err := strconv.Atoi(m); err == nil {
			have[n] = true
		}
	}
	var missing []int
	for i := 0; i < totalChunks; i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		return nil, &ErrIncomplete{Missing: missing}
	}

	if err := s.kv.HSet(ctx, sessionKey(id), map[string]string{"status": string(StatusAssembling)}); err != nil {
		s.log.Warn("status transition to assembling failed", zap.Error(err))
	}

	buf := bytes.NewBuffer(make([]byte, 0, totalSize))
	for i := 0; i < totalChunks; i++ {
		rc, err := s.blobs.OpenChunk(ctx, id, i)
		if err != nil {
			s.fail(ctx, id, "chunk read failed")
			return nil, graceful.WrapErr(ctx, codes.Internal, fmt.Sprintf("opening chunk %d failed", i), err)
		}
		n, err := io.CopyN(buf, rc, store.MaxAssembledSize-int64(buf.Len())+1)
		rc.Close()
		if err != nil && err != io.EOF {
			s.fail(ctx, id, "chunk stream failed")
			return nil, graceful.WrapErr(ctx, codes.Internal, fmt.Sprintf("streaming chunk %d failed", i), err)
		}
		_ = n
		if int64(buf.Len()) > store.MaxAssembledSize {
			s.fail(ctx, id, "assembled size exceeds global cap")
			return nil, graceful.WrapErr(ctx, codes.InvalidArgument, "assembled size exceeds the global cap", nil)
		}
	}
	if int64(buf.Len()) != totalSize {
		s.fail(ctx, id, "assembled length mismatch")
		return nil, graceful.WrapErr(ctx, codes.InvalidArgument, fmt.Sprintf("assembled length %d does not match declared size %d", buf.Len(), totalSize), nil)
	}

	assembled := buf.Bytes()
	if wholeFileHash != "" {
		sum := sha256.Sum256(assembled)
		if hex.EncodeToString(sum[:]) != wholeFileHash {
			s.fail(ctx, id, "whole-file hash mismatch")
			return nil, graceful.WrapErr(ctx, codes.InvalidArgument, "whole-file hash mismatch", nil)
		}
	}

	if r := s.validator.ValidateBuffer(fields["original_name"], fields["mime"], assembled); !r.OK {
		s.fail(ctx, id, "validation failed")
		return nil, graceful.WrapErr(ctx, codes.InvalidArgument, "validation failed", nil).WithReasons(r.Reasons)
	}

	put, err := s.fs.Put(ctx, assembled, fields["mime"], fields["original_name"], userID)
	if err != nil {
		s.fail(ctx, id, "persist failed")
		return nil, err
	}

	if err := s.kv.HSet(ctx, sessionKey(id), map[string]string{"status": string(StatusCompleted)}); err != nil {
		s.log.Warn("status transition to completed failed", zap.Error(err))
	}
	go func() {
		cleanupCtx := context.Background()
		if err := s.blobs.RemoveSession(cleanupCtx, id); err != nil {
			s.log.Warn("post-completion chunk cleanup failed", zap.String("session", id), zap.Error(err))
		}
	}()

	return put, nil
}

func (s *Service) fail(ctx context.Context, id, reason string) {
	if err := s.kv.HSet(ctx, sessionKey(id), map[string]string{"status": string(StatusFailed), "last_error": reason}); err != nil {
		s.log.Warn("status transition to failed failed", zap.String("session", id), zap.Error(err))
	}
}

