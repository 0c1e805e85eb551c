package ingest

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts what the listener and supervisor do.
type Metrics struct {
	PostsReceived   prometheus.Counter
	Observations    prometheus.Counter
	LookupsSkipped  *prometheus.CounterVec
	TransportErrors *prometheus.CounterVec
	Subscriptions   *prometheus.CounterVec
	BackoffSeconds  prometheus.Counter
}

// Skip and resubscribe reasons used as label values.
const (
	reasonNoTimeline    = "no_timeline"
	reasonRequestFailed = "request_failed"

	reasonInitial   = "initial"
	reasonReadFault = "read_fault"
	reasonStatus    = "status"
	reasonConnect   = "connect"
	reasonClosed    = "closed"
)

// NewMetrics registers the ingest collectors with reg. A nil reg gets a
// private registry, which keeps tests independent of each other.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		PostsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: "botwatch",
			Name:      "posts_received_total",
			Help:      "Posts delivered by the stream.",
		}),
		Observations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "botwatch",
			Name:      "observations_stored_total",
			Help:      "Observations written to the store.",
		}),
		LookupsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botwatch",
			Name:      "lookups_skipped_total",
			Help:      "Posts dropped because the score lookup failed.",
		}, []string{"reason"}),
		TransportErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botwatch",
			Name:      "stream_errors_total",
			Help:      "Non-200 responses from the stream endpoint.",
		}, []string{"code"}),
		Subscriptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botwatch",
			Name:      "stream_subscriptions_total",
			Help:      "Stream subscriptions opened, by reason.",
		}, []string{"reason"}),
		BackoffSeconds: f.NewCounter(prometheus.CounterOpts{
			Namespace: "botwatch",
			Name:      "stream_backoff_seconds_total",
			Help:      "Time spent waiting before resubscribing.",
		}),
	}
}

func codeLabel(code int) string {
	return strconv.Itoa(code)
}
