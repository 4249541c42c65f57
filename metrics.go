package tosdb

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the engine's counters. It implements
// prometheus.Collector so embedders register one collector per store.
type Metrics struct {
	BlockReads      prometheus.Counter
	BlockWrites     prometheus.Counter
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	MemtableFlushes prometheus.Counter
	Compactions     prometheus.Counter

	mu                sync.Mutex
	flushLatency      *hdrhistogram.Histogram
	compactionLatency *hdrhistogram.Histogram
}

var _ prometheus.Collector = (*Metrics)(nil)

func newMetrics() *Metrics {
	return &Metrics{
		BlockReads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tosdb_block_reads_total",
			Help: "Blocks read from the backend.",
		}),
		BlockWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tosdb_block_writes_total",
			Help: "Blocks written to the backend.",
		}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tosdb_cache_hits_total",
			Help: "Cache hits by entry kind.",
		}, []string{"kind"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tosdb_cache_misses_total",
			Help: "Cache misses by entry kind.",
		}, []string{"kind"}),
		MemtableFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tosdb_memtable_flushes_total",
			Help: "Memtables persisted as sstables.",
		}),
		Compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tosdb_compactions_total",
			Help: "Completed compaction passes.",
		}),
		// Microsecond resolution, up to a minute.
		flushLatency:      hdrhistogram.New(1, 60_000_000, 3),
		compactionLatency: hdrhistogram.New(1, 60_000_000, 3),
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.BlockReads.Describe(ch)
	m.BlockWrites.Describe(ch)
	m.CacheHits.Describe(ch)
	m.CacheMisses.Describe(ch)
	m.MemtableFlushes.Describe(ch)
	m.Compactions.Describe(ch)
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.BlockReads.Collect(ch)
	m.BlockWrites.Collect(ch)
	m.CacheHits.Collect(ch)
	m.CacheMisses.Collect(ch)
	m.MemtableFlushes.Collect(ch)
	m.Compactions.Collect(ch)
}

func (m *Metrics) observeFlush(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.flushLatency.RecordValue(d.Microseconds())
}

func (m *Metrics) observeCompaction(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.compactionLatency.RecordValue(d.Microseconds())
}

// FlushLatencyAtQuantile reports the recorded memtable flush latency at
// quantile q (0-100).
func (m *Metrics) FlushLatencyAtQuantile(q float64) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.flushLatency.ValueAtQuantile(q)) * time.Microsecond
}

// CompactionLatencyAtQuantile reports the recorded compaction latency at
// quantile q (0-100).
func (m *Metrics) CompactionLatencyAtQuantile(q float64) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.compactionLatency.ValueAtQuantile(q)) * time.Microsecond
}
