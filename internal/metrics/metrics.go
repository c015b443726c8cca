// Package metrics exposes Prometheus counters for processed envelopes.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shineum/smtp-gate/internal/proxy"
	"github.com/shineum/smtp-gate/internal/relay"
)

var (
	metricDispositions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpgate_dispositions_total",
			Help: "Processed envelopes by disposition.",
		},
		[]string{
			"disposition", // delivered, rejected, delivery_failed
		},
	)
	metricDeliveryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpgate_delivery_errors_total",
			Help: "Upstream delivery failures by kind.",
		},
		[]string{
			"kind", // connect_failed, tls_failed, auth_failed, rejected, timeout
		},
	)
	metricPluginFaults = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtpgate_plugin_faults_total",
			Help: "Decision plugin failures, including panics.",
		},
	)
	metricRelayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smtpgate_relay_duration_seconds",
			Help:    "Upstream relay session duration in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{
			"result", // ok, error
		},
	)
)

// Recorder updates the metrics from finished transactions.
type Recorder struct{}

// Observe implements proxy.Observer.
func (Recorder) Observe(_ context.Context, o *proxy.Outcome) {
	metricDispositions.WithLabelValues(o.Disposition.Kind.String()).Inc()

	if kind := relay.KindOf(o.Err); kind != 0 {
		metricDeliveryErrors.WithLabelValues(kind.String()).Inc()
	}
	var fault *proxy.PluginFault
	if errors.As(o.Err, &fault) {
		metricPluginFaults.Inc()
	}

	if o.RelayElapsed > 0 {
		result := "ok"
		if o.Err != nil {
			result = "error"
		}
		metricRelayDuration.WithLabelValues(result).Observe(o.RelayElapsed.Seconds())
	}
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
