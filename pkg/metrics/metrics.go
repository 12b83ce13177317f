package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestDuration tracks request latency by route and status.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Time spent handling HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)

	// UploadBytesTotal counts bytes accepted by the single-shot and chunk paths.
	UploadBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upload_bytes_total",
			Help: "Total bytes accepted by upload path",
		},
		[]string{"path"}, // "single" | "chunk"
	)

	// UploadDedupTotal counts dedup hits vs new blobs written.
	UploadDedupTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upload_dedup_total",
			Help: "Upload outcomes by dedup result",
		},
		[]string{"result"}, // "new" | "hit"
	)

	// DownloadsTotal counts successful downloads and previews.
	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "downloads_total",
			Help: "Completed downloads and previews by kind",
		},
		[]string{"kind"}, // "download" | "preview" | "range"
	)

	// TranscodeTotal counts transcoder invocations by outcome.
	TranscodeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcode_total",
			Help: "Transcoder invocations by outcome",
		},
		[]string{"outcome"}, // "ok" | "error" | "cache_hit"
	)

	// TranscodeDuration tracks ffmpeg wall-clock time.
	TranscodeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transcode_duration_seconds",
			Help:    "Transcoder subprocess duration",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30},
		},
	)
)

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
