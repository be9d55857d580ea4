package mpt

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/catalystdb/mpt/internal/compact"
	"github.com/catalystdb/mpt/internal/ioengine"
)

// Metrics aggregates the Prometheus collectors exposed across the
// engine's subsystems: reactor I/O counts plus the engine-level upsert
// and lookup counters. Open always returns a populated, unregistered
// Metrics; callers wanting them exported attach Register to their own
// registry.
type Metrics struct {
	ioengine *ioengine.Metrics
	compact  *compact.Metrics

	UpsertsTotal    prometheus.Counter
	FindsTotal      prometheus.Counter
	KeyNotFound     prometheus.Counter
	CompactionsRun  prometheus.Counter
}

// NewMetrics builds a standalone Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		ioengine: ioengine.NewMetrics(),
		compact:  compact.NewMetrics(),
		UpsertsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mpt_upserts_total",
			Help: "Number of completed Upsert calls.",
		}),
		FindsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mpt_finds_total",
			Help: "Number of completed Find/Get calls.",
		}),
		KeyNotFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mpt_key_not_found_total",
			Help: "Number of Find/Get calls that returned key_not_found.",
		}),
		CompactionsRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mpt_compactions_total",
			Help: "Number of compaction passes that migrated a node.",
		}),
	}
}

// Register adds every collector in m, including the reactor's own, to
// reg.
func (m *Metrics) Register(reg *prometheus.Registry) error {
	if err := m.ioengine.Register(reg); err != nil {
		return err
	}
	if err := m.compact.Register(reg); err != nil {
		return err
	}
	for _, c := range []prometheus.Collector{m.UpsertsTotal, m.FindsTotal, m.KeyNotFound, m.CompactionsRun} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
