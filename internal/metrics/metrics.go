// Package metrics holds the Prometheus collectors of the SMTP side. They are
// registered with the default registry and served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "smtpbox"
	subsystem        = "smtp"
)

// Label values.
const (
	ResultSuccess     = "success"
	ResultFailure     = "failure"
	ResultConfigError = "config_error"

	ResultStored     = "stored"
	ResultParseError = "parse_error"
	ResultStoreError = "store_error"
	ResultAborted    = "aborted"
)

var (
	Sessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "sessions_total",
			Help:      "Total number of SMTP sessions opened",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "active_sessions",
			Help:      "Number of SMTP sessions currently open",
		},
	)

	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "auth_attempts_total",
			Help:      "Total number of AUTH attempts by mode and result",
		},
		[]string{"mode", "result"},
	)

	Messages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "messages_total",
			Help:      "Total number of DATA transactions by result",
		},
		[]string{"result"},
	)

	MessageBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "message_bytes",
			Help:      "Size of stored messages",
			// 1KiB to 64MiB
			Buckets: prometheus.ExponentialBuckets(1024, 4, 9),
		},
	)
)
