package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

const (
	Writes            = "lsm_writes_total"
	Reads             = "lsm_reads_total"
	ReadMisses        = "lsm_read_misses_total"
	Flushes           = "lsm_flushes_total"
	FlushErrors       = "lsm_flush_errors_total"
	FlushSeconds      = "lsm_flush_duration_seconds"
	Compactions       = "lsm_compactions_total"
	CompactionErrors  = "lsm_compaction_errors_total"
	CompactionSeconds = "lsm_compaction_duration_seconds"
	BytesWritten      = "lsm_sstable_bytes_written_total"
	WALSyncs          = "lsm_wal_syncs"
	ImmutableTables   = "lsm_immutable_memtables"
	WriteStalls       = "lsm_write_stalls_total"
	LevelBytes        = "lsm_level_bytes"
)

// Noop discards everything.
type Noop struct{}

func (Noop) IncCounter(string, map[string]string, float64)       {}
func (Noop) SetGauge(string, map[string]string, float64)         {}
func (Noop) ObserveHistogram(string, map[string]string, float64) {}

// HistogramSummary aggregates observed values.
type HistogramSummary struct {
	Count uint64
	Sum   float64
	Min   float64
	Max   float64
}

// InMemory keeps the latest values in process memory.
type InMemory struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]HistogramSummary
}

func NewInMemory() *InMemory {
	return &InMemory{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]HistogramSummary),
	}
}

func (m *InMemory) IncCounter(name string, labels map[string]string, delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[seriesKey(name, labels)] += delta
}

func (m *InMemory) SetGauge(name string, labels map[string]string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[seriesKey(name, labels)] = value
}

func (m *InMemory) ObserveHistogram(name string, labels map[string]string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := seriesKey(name, labels)
	h, ok := m.histograms[key]
	if !ok || value < h.Min {
		h.Min = value
	}
	if !ok || value > h.Max {
		h.Max = value
	}
	h.Count++
	h.Sum += value
	m.histograms[key] = h
}

func (m *InMemory) Counter(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[seriesKey(name, labels)]
}

func (m *InMemory) Gauge(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[seriesKey(name, labels)]
}

func (m *InMemory) Histogram(name string, labels map[string]string) HistogramSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.histograms[seriesKey(name, labels)]
}

// seriesKey renders name{k1=v1,k2=v2} with sorted label names.
func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}
