package ioengine

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the reactor's Prometheus counters: completed op counts by
// kind, used by the compaction and storage-exhaustion alerting the
// surrounding engine wires up at the mpt package level.
type Metrics struct {
	ReadsCompleted  prometheus.Counter
	WritesCompleted prometheus.Counter
	InFlight        prometheus.Gauge
}

// NewMetrics builds a standalone Metrics instance, unregistered; callers
// that want to expose it should pass a *prometheus.Registry to Register.
func NewMetrics() *Metrics {
	return &Metrics{
		ReadsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mpt_ioengine_reads_completed_total",
			Help: "Number of completed read operations.",
		}),
		WritesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mpt_ioengine_writes_completed_total",
			Help: "Number of completed write operations.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mpt_ioengine_in_flight_ops",
			Help: "Number of operations currently executing against the ring.",
		}),
	}
}

// Register adds m's collectors to reg.
func (m *Metrics) Register(reg *prometheus.Registry) error {
	for _, c := range []prometheus.Collector{m.ReadsCompleted, m.WritesCompleted, m.InFlight} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
