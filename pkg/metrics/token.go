package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokenOperations tracks capability token issue/validate/revoke calls by outcome.
	TokenOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capability_token_operations_total",
			Help: "Capability token operations by type and outcome",
		},
		[]string{"operation", "status"},
	)

	// TokenValidateLatency tracks the latency of token validation.
	TokenValidateLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capability_token_validate_seconds",
			Help:    "Latency of capability token validation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"permission"},
	)

	// ActiveUploadSockets tracks live WebSocket connections on /file-upload.
	ActiveUploadSockets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "upload_socket_active_total",
			Help: "Number of live /file-upload WebSocket connections",
		},
	)

	// TokenErrors tracks capability token validation failures by reason.
	TokenErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capability_token_errors_total",
			Help: "Total number of capability token validation errors by reason",
		},
		[]string{"reason"},
	)
)
