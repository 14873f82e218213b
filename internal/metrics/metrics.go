// Package metrics holds the Prometheus collectors of the simulator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all simulator collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	EpochsCommitted   prometheus.Counter
	RowsWritten       prometheus.Counter
	FastForwardEpochs prometheus.Counter
	NextEpoch         prometheus.Gauge
	SinkErrors        *prometheus.CounterVec
	VectorsEmitted    prometheus.Counter
	VectorsSuppressed *prometheus.CounterVec
	Predictions       *prometheus.CounterVec
	PredictionErrors  prometheus.Counter
	RefreshDuration   prometheus.Histogram
	ActiveFailures    prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EpochsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetops_epochs_committed_total",
			Help: "Epochs committed to the telemetry store.",
		}),
		RowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetops_rows_written_total",
			Help: "Telemetry rows committed.",
		}),
		FastForwardEpochs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetops_fast_forward_epochs_total",
			Help: "Epochs written by fast-forward runs.",
		}),
		NextEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetops_next_epoch",
			Help: "Next global epoch to be written.",
		}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetops_sink_errors_total",
			Help: "Telemetry mirror write failures.",
		}, []string{"sink"}),
		VectorsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetops_feature_vectors_emitted_total",
			Help: "Feature vectors emitted for complete windows.",
		}),
		VectorsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetops_feature_vectors_suppressed_total",
			Help: "Complete windows that produced no vector.",
		}, []string{"reason"}),
		Predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetops_predictions_total",
			Help: "Predictions written to the cache.",
		}, []string{"label", "model"}),
		PredictionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetops_prediction_entity_errors_total",
			Help: "Per-entity failures during refresh.",
		}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetops_refresh_duration_seconds",
			Help:    "Duration of prediction refreshes.",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetops_active_failures",
			Help: "Entities with an enabled failure config.",
		}),
	}
	m.Registry.MustRegister(
		m.EpochsCommitted, m.RowsWritten, m.FastForwardEpochs, m.NextEpoch, m.SinkErrors,
		m.VectorsEmitted, m.VectorsSuppressed, m.Predictions, m.PredictionErrors,
		m.RefreshDuration, m.ActiveFailures,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
