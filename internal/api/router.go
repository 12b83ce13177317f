// Package api wires the file-transfer core's HTTP surface: an explicit
// route table over Go's method+path ServeMux (no decorator/action
// routing), JWT-gated write routes, and capability-token-gated
// download/preview routes delegated straight to internal/preview.
package api

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ovasabi-labs/filehub/internal/chunk"
	"github.com/ovasabi-labs/filehub/internal/policy"
	"github.com/ovasabi-labs/filehub/internal/preview"
	"github.com/ovasabi-labs/filehub/internal/store"
	"github.com/ovasabi-labs/filehub/internal/token"
	"github.com/ovasabi-labs/filehub/internal/upload"
	"github.com/ovasabi-labs/filehub/pkg/auth"
	"github.com/ovasabi-labs/filehub/pkg/metrics"
	"github.com/ovasabi-labs/filehub/pkg/utils"
)

// Server composes every service the HTTP surface needs. Nothing in here
// talks to the fast store or the index directly; it delegates to the
// package that owns that concern.
type Server struct {
	store    *store.FileStore
	chunks   *chunk.Service
	uploads  *upload.Service
	tokens   *token.Service
	preview  *preview.Server
	policy   policy.MembershipPolicy
	workers  *utils.WorkerPool
	validate *validator.Validate
	log      *zap.Logger
}

// New creates the API Server. workers may be nil to disable bounded
// fan-out for the batch upload route (it then falls back to strictly
// sequential processing).
func New(
	fs *store.FileStore,
	chunks *chunk.Service,
	uploads *upload.Service,
	tokens *token.Service,
	preview *preview.Server,
	pol policy.MembershipPolicy,
	workers *utils.WorkerPool,
	log *zap.Logger,
) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if pol == nil {
		pol = policy.AllowAll{}
	}
	return &Server{
		store: fs, chunks: chunks, uploads: uploads, tokens: tokens,
		preview: preview, policy: pol, workers: workers,
		validate: validator.New(), log: log.With(zap.String("module", "api")),
	}
}

// Routes builds the route table and wraps it with JWT auth resolution and
// per-route latency metrics.
func (s *Server) Routes(jwtSecret string) http.Handler {
	mux := http.NewServeMux()

	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, withMetrics(pattern, h))
	}
	authed := func(pattern string, h http.HandlerFunc) {
		route(pattern, requireAuth(s.log, h))
	}

	// Single-shot and batch upload.
	authed("POST /v1/files", s.handleUpload)
	authed("POST /v1/files/batch", s.handleBatchUpload)

	// Chunked upload session lifecycle.
	authed("POST /v1/files/chunks", s.handleInitiateChunk)
	authed("PUT /v1/files/chunks/{sessionID}/{index}", s.handleUploadChunk)
	authed("POST /v1/files/chunks/{sessionID}/complete", s.handleCompleteChunk)
	authed("POST /v1/files/chunks/{sessionID}/cancel", s.handleCancelChunk)
	authed("POST /v1/files/chunks/{sessionID}/retry", s.handleRetryChunk)
	authed("GET /v1/files/chunks/{sessionID}", s.handleChunkProgress)

	// Listing and lifecycle.
	authed("GET /v1/files", s.handleListFiles)
	authed("GET /v1/files/{id}", s.handleGetFile)
	authed("DELETE /v1/files/{id}", s.handleDeleteFile)

	// Capability tokens.
	authed("POST /v1/files/{id}/tokens", s.handleIssueToken)
	authed("DELETE /v1/tokens/{token}", s.handleRevokeToken)
	authed("GET /v1/tokens", s.handleListTokens)

	// Message-attachment boundary.
	authed("POST /v1/files/{id}/attachments", s.handleLinkAttachment)
	authed("POST /v1/attachments", s.handleLinkAttachments)
	authed("GET /v1/messages/{messageID}/attachments", s.handleListAttachments)

	// Token-gated, not JWT-gated: the bearer capability token in the
	// query string is the credential.
	route("GET /v1/files/{id}/download", func(w http.ResponseWriter, r *http.Request) {
		s.preview.ServeDownload(w, r, r.PathValue("id"))
	})
	route("GET /v1/files/{id}/preview", func(w http.ResponseWriter, r *http.Request) {
		s.preview.ServePreview(w, r, r.PathValue("id"))
	})

	route("GET /metrics", metrics.Handler().ServeHTTP)

	return auth.JWTMiddleware(jwtSecret, mux)
}
