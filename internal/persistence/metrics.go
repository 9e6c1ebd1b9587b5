package persistence

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the persistence-layer metrics.
type Metrics struct {
	WritesTotal        *prometheus.CounterVec
	ReadsTotal         *prometheus.CounterVec
	DeletesTotal       *prometheus.CounterVec
	DroppedTotal       *prometheus.CounterVec
	StoreStatus        *prometheus.GaugeVec
	ProbeAttemptTiming *prometheus.HistogramVec
}

// NewMetrics creates a new, unregistered Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		WritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stash",
				Name:      "writes_total",
				Help:      "Store writes by collection, store role and outcome (ok, error)",
			},
			[]string{"collection", "store", "outcome"},
		),

		ReadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stash",
				Name:      "reads_total",
				Help:      "Store reads by collection, store role and outcome (ok, error)",
			},
			[]string{"collection", "store", "outcome"},
		),

		DeletesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stash",
				Name:      "deletes_total",
				Help:      "Records deleted by collection and store role",
			},
			[]string{"collection", "store"},
		),

		DroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stash",
				Name:      "dropped_writes_total",
				Help:      "Writes dropped before reaching any store (unavailable, malformed, closed)",
			},
			[]string{"collection", "reason"},
		),

		StoreStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "stash",
				Name:      "store_status",
				Help:      "Connection handle status (0=uninitialized, 1=probing, 2=connected, 3=unavailable)",
			},
			[]string{"role"},
		),

		ProbeAttemptTiming: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "stash",
				Name:      "probe_attempt_duration_seconds",
				Help:      "Duration of individual connection attempts",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"role", "outcome"},
		),
	}
}

// Collectors returns every collector for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.WritesTotal,
		m.ReadsTotal,
		m.DeletesTotal,
		m.DroppedTotal,
		m.StoreStatus,
		m.ProbeAttemptTiming,
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) setStatus(role Role, s Status) {
	m.StoreStatus.WithLabelValues(string(role)).Set(float64(s))
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
