package api

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ovasabi-labs/filehub/pkg/auth"
	"github.com/ovasabi-labs/filehub/pkg/metrics"
)

// statusRecorder captures the status code a handler wrote so metrics can
// be labeled by outcome without every handler reporting it itself.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withMetrics records HTTPRequestDuration for every request, labeled by
// route (the ServeMux pattern, not the raw path, to keep cardinality
// bounded) and status.
func withMetrics(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(rec, r)
		metrics.HTTPRequestDuration.WithLabelValues(route, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	}
}

// requireAuth rejects any request whose JWT middleware pass resolved to
// the guest role; the ambient-auth routes (download/preview) validate a
// capability token directly instead and never wrap with this.
func requireAuth(log *zap.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authCtx := auth.FromContext(r.Context())
		if authCtx == nil || authCtx.UserID == "" || auth.HasRole(authCtx, "guest") {
			log.Debug("rejected unauthenticated request", zap.String("path", r.URL.Path))
			writeJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r)
	}
}

func userID(r *http.Request) string {
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil {
		return ""
	}
	return authCtx.UserID
}
