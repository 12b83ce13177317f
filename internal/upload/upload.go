// Package upload implements the single-shot upload pipeline: validate,
// hash, dedup, persist, thumbnail hook, token mint.
package upload

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/ovasabi-labs/filehub/internal/store"
	"github.com/ovasabi-labs/filehub/internal/token"
	"github.com/ovasabi-labs/filehub/internal/validate"
	"github.com/ovasabi-labs/filehub/pkg/graceful"
	"github.com/ovasabi-labs/filehub/pkg/metrics"
)

// DefaultThreshold is the default single-shot/chunked boundary. The chunk
// session manager's Initiate rejects files below its threshold; Upload
// itself does not compare a buffer's size with this one.
const DefaultThreshold = 1024 * 1024 // 1 MiB

// ThumbnailFunc is the best-effort post-upload hook. The image/video
// decoding behind it lives outside this module; a failure is logged and
// never fails the upload.
type ThumbnailFunc func(ctx context.Context, r *store.Record, buf []byte) (thumbnailPath string, err error)

// Service runs the single-shot pipeline.
type Service struct {
	store     *store.FileStore
	validator validate.Config
	tokens    *token.Service
	thumbnail ThumbnailFunc
	threshold int64
	log       *zap.Logger
}

// New creates a single-shot upload Service. thumbnail may be nil to skip
// thumbnail generation entirely.
func New(fs *store.FileStore, validator validate.Config, tokens *token.Service, thumbnail ThumbnailFunc, threshold int64, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Service{store: fs, validator: validator, tokens: tokens, thumbnail: thumbnail, threshold: threshold, log: log.With(zap.String("module", "upload"))}
}

// Threshold reports the single-shot/chunked boundary.
func (s *Service) Threshold() int64 { return s.threshold }

// Result is what a caller (HTTP handler or WS small-file path) needs to
// respond with.
type Result struct {
	Record *store.Record
	IsNew  bool
	Token  string
}

// Upload runs validate → hash → dedup → persist → thumbnail → token mint.
func (s *Service) Upload(ctx context.Context, buf []byte, mime, originalName, userID string) (*Result, error) {
	if r := s.validator.ValidateBuffer(originalName, mime, buf); !r.OK {
		return nil, graceful.WrapErr(ctx, codes.InvalidArgument, "validation failed", nil).WithReasons(r.Reasons)
	}

	put, err := s.store.Put(ctx, buf, mime, originalName, userID)
	if err != nil {
		return nil, err
	}
	metrics.UploadBytesTotal.WithLabelValues("single").Add(float64(len(buf)))
	if put.IsNew {
		metrics.UploadDedupTotal.WithLabelValues("new").Inc()
	} else {
		metrics.UploadDedupTotal.WithLabelValues("hit").Inc()
	}

	if put.IsNew && s.thumbnail != nil {
		// the hook outlives this request, and callers may recycle buf
		// (the HTTP layer pools its read buffers), so hand it a copy.
		data := append([]byte(nil), buf...)
		go func(rec store.Record) {
			thumbCtx := context.Background()
			path, err := s.thumbnail(thumbCtx, &rec, data)
			if err != nil {
				s.log.Warn("thumbnail generation failed", zap.String("file_id", rec.ID), zap.Error(err))
				return
			}
			_ = path // persisted by the thumbnail hook's own index update; out of scope here.
		}(*put.Record)
	}

	tok, err := s.tokens.Issue(ctx, put.Record.ID, userID, token.IssueOptions{
		Permissions: []token.Permission{token.PermissionRead, token.PermissionDownload},
	})
	if err != nil {
		return nil, err
	}

	return &Result{Record: put.Record, IsNew: put.IsNew, Token: tok.Token}, nil
}
