// Package metrics exposes snapshot service counters in Prometheus format.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "snapkeep"

type Metrics struct {
	operations  *prometheus.CounterVec
	advisories  *prometheus.CounterVec
	evictions   prometheus.Counter
	entries     prometheus.Gauge
	lastSize    prometheus.Gauge
	lastCreated prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Snapshot operations by name and result.",
		}, []string{"op", "result"}),
		advisories: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_failures_total",
			Help:      "Secondary export failures by sink.",
		}, []string{"sink"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Snapshots removed by retention.",
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_entries",
			Help:      "Snapshots currently held in the catalog.",
		}),
		lastSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_snapshot_size_bytes",
			Help:      "Serialized size of the most recent snapshot.",
		}),
		lastCreated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_snapshot_timestamp_seconds",
			Help:      "Creation time of the most recent snapshot.",
		}),
	}

	for _, c := range []prometheus.Collector{m.operations, m.advisories, m.evictions, m.entries, m.lastSize, m.lastCreated} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Operation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ExportFailed(sink string) {
	if m == nil {
		return
	}
	m.advisories.WithLabelValues(sink).Inc()
}

func (m *Metrics) Evicted(n int) {
	if m == nil {
		return
	}
	m.evictions.Add(float64(n))
}

func (m *Metrics) CatalogSize(n int) {
	if m == nil {
		return
	}
	m.entries.Set(float64(n))
}

func (m *Metrics) Created(sizeBytes int64, unixSeconds int64) {
	if m == nil {
		return
	}
	m.lastSize.Set(float64(sizeBytes))
	m.lastCreated.Set(float64(unixSeconds))
}
