// Package metrics holds the Prometheus instrumentation shared by the
// transport and the poller.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acmeRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acmewire_requests_total",
		Help: "Total protocol requests by method and response status.",
	}, []string{"method", "status"})

	acmeRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "acmewire_request_duration_seconds",
		Help:    "Protocol request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	acmeTransportErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acmewire_transport_errors_total",
		Help: "Total network-level request failures.",
	})

	acmeChallengePollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acmewire_challenge_polls_total",
		Help: "Total challenge polls by resulting status.",
	}, []string{"status"})
)

// RecordRequest records one completed protocol request.
func RecordRequest(method string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	acmeRequestsTotal.WithLabelValues(method, code).Inc()
	acmeRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordTransportError records a request that never produced a response.
func RecordTransportError() {
	acmeTransportErrorsTotal.Inc()
}

// RecordChallengePoll records one poll of a challenge and the status it
// settled on.
func RecordChallengePoll(status string) {
	acmeChallengePollsTotal.WithLabelValues(status).Inc()
}
