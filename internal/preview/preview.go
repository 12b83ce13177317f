// Package preview implements the range-aware download/preview server:
// shared token validation, on-demand transcoding hand-off, and HTTP
// Range parsing for video streaming.
package preview

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/ovasabi-labs/filehub/internal/store"
	"github.com/ovasabi-labs/filehub/internal/token"
	"github.com/ovasabi-labs/filehub/internal/transcode"
	"github.com/ovasabi-labs/filehub/pkg/graceful"
	"github.com/ovasabi-labs/filehub/pkg/metrics"
)

// Server handles GET /v1/files/{id}/download and GET /v1/files/{id}/preview.
type Server struct {
	store      *store.FileStore
	tokens     *token.Service
	transcoder *transcode.Transcoder
	log        *zap.Logger
}

// New creates a preview/download Server. transcoder may be nil to disable
// on-demand conversion entirely; preview then answers 400 "download
// instead" for every video MIME outside the web-compatible set.
func New(fs *store.FileStore, tokens *token.Service, transcoder *transcode.Transcoder, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{store: fs, tokens: tokens, transcoder: transcoder, log: log.With(zap.String("module", "preview"))}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	return r.RemoteAddr
}

func writeError(w http.ResponseWriter, err error) {
	status := graceful.HTTPStatus(err)
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, err.Error())
}

// ServeDownload serves the full body as an attachment. Validation runs
// with the download permission, which consumes a token use.
func (s *Server) ServeDownload(w http.ResponseWriter, r *http.Request, fileID string) {
	ctx := r.Context()
	tok := r.URL.Query().Get("token")

	binding, err := s.tokens.Validate(ctx, tok, token.PermissionDownload, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if binding.FileID != fileID {
		writeError(w, graceful.WrapErr(ctx, codes.PermissionDenied, "token is not bound to this file", nil))
		return
	}

	rec, err := s.store.Get(ctx, fileID)
	if err != nil {
		writeError(w, err)
		return
	}
	rc, err := s.store.ReadBytes(ctx, rec)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	if err := s.store.RecordDownload(ctx, fileID); err != nil {
		s.log.Warn("download counter update failed", zap.String("file_id", fileID), zap.Error(err))
	}
	metrics.DownloadsTotal.WithLabelValues("download").Inc()

	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, rec.OriginalName))
	w.Header().Set("Cache-Control", "private, no-cache")
	w.Header().Set("Content-Type", rec.MIME)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn("download body copy failed", zap.String("file_id", fileID), zap.Error(err))
	}
}

// ServePreview serves the body inline. Validation runs with the read
// permission and does not consume a token use; video responses honour
// Range requests and legacy containers are transcoded on demand.
func (s *Server) ServePreview(w http.ResponseWriter, r *http.Request, fileID string) {
	ctx := r.Context()
	tok := r.URL.Query().Get("token")

	binding, err := s.tokens.Validate(ctx, tok, token.PermissionRead, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if binding.FileID != fileID {
		writeError(w, graceful.WrapErr(ctx, codes.PermissionDenied, "token is not bound to this file", nil))
		return
	}

	rec, err := s.store.Get(ctx, fileID)
	if err != nil {
		writeError(w, err)
		return
	}

	mime := rec.MIME
	var body []byte
	var seekable io.ReadSeeker
	var size int64
	converted := false
	attempted := false

	if store.NeedsConversion[strings.ToLower(mime)] && s.transcoder != nil {
		attempted = true
		out, ok := s.convert(ctx, rec)
		if ok {
			body = out
			mime = "video/mp4"
			size = int64(len(out))
			converted = true
		}
	}

	if body == nil {
		rc, err := s.store.ReadBytes(ctx, rec)
		if err != nil {
			writeError(w, err)
			return
		}
		defer rc.Close()
		if sk, ok := rc.(io.ReadSeeker); ok {
			seekable = sk
			size = rec.Size
		} else {
			buf, err := io.ReadAll(rc)
			if err != nil {
				writeError(w, err)
				return
			}
			body = buf
			size = int64(len(buf))
		}
	}

	// Conversion is best-effort: when a transcode was attempted and
	// failed, fall through and serve the original bytes. The "download
	// instead" rejection applies only when no conversion path existed
	// for a non-web-compatible video.
	if strings.HasPrefix(mime, "video/") && !store.WebCompatible[strings.ToLower(mime)] && !attempted {
		writeError(w, graceful.WrapErr(ctx, codes.InvalidArgument, "this video format cannot be streamed inline; download instead", nil))
		return
	}

	if converted {
		w.Header().Set("X-Video-Converted", "true")
		w.Header().Set("X-Original-Format", rec.MIME)
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "private, max-age=3600")

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" && strings.HasPrefix(mime, "video/") {
		s.serveRange(w, r, rangeHeader, body, seekable, size)
		return
	}

	metrics.DownloadsTotal.WithLabelValues("preview").Inc()
	w.Header().Set("Content-Disposition", "inline")
	if strings.HasPrefix(mime, "video/") || strings.HasPrefix(mime, "audio/") {
		w.Header().Set("Accept-Ranges", "bytes")
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	s.writeBody(w, body, seekable, 0, size)
}

func (s *Server) serveRange(w http.ResponseWriter, _ *http.Request, header string, body []byte, seekable io.ReadSeeker, size int64) {
	rng, ok := parseRange(header, size)
	if !ok {
		w.Header().Set("Content-Range", unsatisfiableRangeHeader(size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	metrics.DownloadsTotal.WithLabelValues("range").Inc()
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Range", contentRangeHeader(rng, size))
	w.Header().Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
	w.WriteHeader(http.StatusPartialContent)
	s.writeBody(w, body, seekable, rng.Start, rng.End+1)
}

func (s *Server) writeBody(w http.ResponseWriter, body []byte, seekable io.ReadSeeker, start, end int64) {
	if body != nil {
		if _, err := w.Write(body[start:end]); err != nil {
			s.log.Warn("preview body write failed", zap.Error(err))
		}
		return
	}
	if seekable == nil {
		return
	}
	if _, err := seekable.Seek(start, io.SeekStart); err != nil {
		s.log.Warn("preview seek failed", zap.Error(err))
		return
	}
	if _, err := io.CopyN(w, seekable, end-start); err != nil && err != io.EOF {
		s.log.Warn("preview range copy failed", zap.Error(err))
	}
}

func (s *Server) convert(ctx context.Context, rec *store.Record) ([]byte, bool) {
	if cached, ok := s.transcoder.ReadCached(rec.ID, transcode.QualityMedium); ok {
		return cached, true
	}

	rc, err := s.store.ReadBytes(ctx, rec)
	if err != nil {
		s.log.Warn("transcode source read failed", zap.String("file_id", rec.ID), zap.Error(err))
		return nil, false
	}
	defer rc.Close()
	buf, err := io.ReadAll(rc)
	if err != nil {
		s.log.Warn("transcode source read failed", zap.String("file_id", rec.ID), zap.Error(err))
		return nil, false
	}
	res := s.transcoder.Convert(ctx, rec.ID, rec.MIME, buf, transcode.QualityMedium)
	if !res.OK {
		s.log.Warn("transcode failed, falling through to original bytes", zap.String("file_id", rec.ID), zap.String("error", res.Error))
		return nil, false
	}
	return res.Bytes, true
}
