package replika

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drpcorg/replika/store"
)

// Collector exposes replica counters, plus storage engine metrics when
// the replica runs on pebble. Register it with a prometheus registry:
//
//	reg.MustRegister(replika.NewCollector(r))
type Collector struct {
	replica *Replica

	opsApplied        *prometheus.Desc
	opsDiscarded      *prometheus.Desc
	opsParked         *prometheus.Desc
	conflictsDetected *prometheus.Desc
	conflictsAuto     *prometheus.Desc
	conflictsManual   *prometheus.Desc
	conflictsPending  *prometheus.Desc
	syncsTotal        *prometheus.Desc

	// pebble metrics, nil descriptors are simply not collected
	compactionCount *prometheus.Desc
	memtableSize    *prometheus.Desc
	walSize         *prometheus.Desc
	diskUsage       *prometheus.Desc
}

func NewCollector(r *Replica) *Collector {
	return &Collector{
		replica: r,

		opsApplied: prometheus.NewDesc(
			"replika_ops_applied_total",
			"Total number of ops applied, local and remote",
			nil, nil,
		),
		opsDiscarded: prometheus.NewDesc(
			"replika_ops_discarded_total",
			"Total number of remote ops discarded as already covered",
			nil, nil,
		),
		opsParked: prometheus.NewDesc(
			"replika_ops_parked_total",
			"Total number of remote ops parked on causal gaps",
			nil, nil,
		),
		conflictsDetected: prometheus.NewDesc(
			"replika_conflicts_detected_total",
			"Total number of concurrent divergences detected",
			nil, nil,
		),
		conflictsAuto: prometheus.NewDesc(
			"replika_conflicts_auto_resolved_total",
			"Total number of conflicts settled by the policy chain",
			nil, nil,
		),
		conflictsManual: prometheus.NewDesc(
			"replika_conflicts_manual_resolved_total",
			"Total number of conflicts settled by a human",
			nil, nil,
		),
		conflictsPending: prometheus.NewDesc(
			"replika_conflicts_pending",
			"Conflicts currently awaiting manual resolution",
			nil, nil,
		),
		syncsTotal: prometheus.NewDesc(
			"replika_syncs_total",
			"Total number of completed sync sessions",
			nil, nil,
		),

		compactionCount: prometheus.NewDesc(
			"replika_pebble_compaction_count_total",
			"Total number of storage compactions performed",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"replika_pebble_memtable_size_bytes",
			"Current size of the storage memtables",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"replika_pebble_wal_size_bytes",
			"Current size of the storage write-ahead log",
			nil, nil,
		),
		diskUsage: prometheus.NewDesc(
			"replika_pebble_disk_usage_bytes",
			"Total disk space used by the storage engine",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.opsApplied
	ch <- c.opsDiscarded
	ch <- c.opsParked
	ch <- c.conflictsDetected
	ch <- c.conflictsAuto
	ch <- c.conflictsManual
	ch <- c.conflictsPending
	ch <- c.syncsTotal
	ch <- c.compactionCount
	ch <- c.memtableSize
	ch <- c.walSize
	ch <- c.diskUsage
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	r := c.replica
	ch <- prometheus.MustNewConstMetric(c.opsApplied, prometheus.CounterValue, float64(r.opsApplied.Load()))
	ch <- prometheus.MustNewConstMetric(c.opsDiscarded, prometheus.CounterValue, float64(r.opsDiscarded.Load()))
	ch <- prometheus.MustNewConstMetric(c.opsParked, prometheus.CounterValue, float64(r.opsParked.Load()))
	ch <- prometheus.MustNewConstMetric(c.conflictsDetected, prometheus.CounterValue, float64(r.conflictsDetected.Load()))
	ch <- prometheus.MustNewConstMetric(c.conflictsAuto, prometheus.CounterValue, float64(r.conflictsAuto.Load()))
	ch <- prometheus.MustNewConstMetric(c.conflictsManual, prometheus.CounterValue, float64(r.conflictsManual.Load()))
	ch <- prometheus.MustNewConstMetric(c.conflictsPending, prometheus.GaugeValue, float64(r.conflictsPending.Load()))
	ch <- prometheus.MustNewConstMetric(c.syncsTotal, prometheus.CounterValue, float64(r.syncsTotal.Load()))

	pk, ok := r.keyed.(*store.PebbleKeyed)
	if !ok {
		return
	}
	m := pk.DB().Metrics()
	ch <- prometheus.MustNewConstMetric(c.compactionCount, prometheus.CounterValue, float64(m.Compact.Count))
	ch <- prometheus.MustNewConstMetric(c.memtableSize, prometheus.GaugeValue, float64(m.MemTable.Size))
	ch <- prometheus.MustNewConstMetric(c.walSize, prometheus.GaugeValue, float64(m.WAL.Size))
	ch <- prometheus.MustNewConstMetric(c.diskUsage, prometheus.GaugeValue, float64(m.DiskSpaceUsage()))
}
