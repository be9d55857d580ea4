package compact

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the compaction subsystem's Prometheus collectors:
// reclaimed free-list capacity and migration progress.
type Metrics struct {
	CapacityInFreeList prometheus.Gauge
	ChunksRetired      prometheus.Counter
	NodesMigrated      prometheus.Counter
}

// NewMetrics builds a standalone, unregistered Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		CapacityInFreeList: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mpt_compact_capacity_in_free_list_bytes",
			Help: "Total capacity of chunks currently on the free list.",
		}),
		ChunksRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mpt_compact_chunks_retired_total",
			Help: "Number of fully-forwarded chunks returned to the free list.",
		}),
		NodesMigrated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mpt_compact_nodes_migrated_total",
			Help: "Number of node records forwarded from fast to slow storage.",
		}),
	}
}

// Register adds m's collectors to reg.
func (m *Metrics) Register(reg *prometheus.Registry) error {
	for _, c := range []prometheus.Collector{m.CapacityInFreeList, m.ChunksRetired, m.NodesMigrated} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
