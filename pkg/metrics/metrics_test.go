package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadBytesTotalIncrements(t *testing.T) {
	before := testutil.ToFloat64(UploadBytesTotal.WithLabelValues("single"))
	UploadBytesTotal.WithLabelValues("single").Add(1024)
	after := testutil.ToFloat64(UploadBytesTotal.WithLabelValues("single"))
	assert.Equal(t, before+1024, after)
}

func TestHandlerServesPrometheusFormat(t *testing.T) {
	UploadDedupTotal.WithLabelValues("hit").Inc()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rr, req)

	require.Equal(t, 200, rr.Code)
	assert.Contains(t, rr.Body.String(), "upload_dedup_total")
}
