// Package metrics provides a stable interface to read collector metrics.
//
// Metrics are named by a path and a unit, separated by a colon, as in
// "/gc/cycles/total:gc-cycles". All returns the supported metrics; Read
// fills in the values of a set of samples.
package metrics

import (
	"math"

	"github.com/tinygo-org/parallelgc/gc"
)

// Description describes a metric.
type Description struct {
	// Name is the full name of the metric which includes the unit.
	Name string

	// Description is an English language sentence describing the metric.
	Description string

	// Kind is the kind of value for this metric.
	Kind ValueKind

	// Cumulative is whether or not the metric is cumulative: it only
	// increases over the lifetime of the collector.
	Cumulative bool
}

type metric struct {
	Description
	compute func(m *gc.MemStats, v *Value)
}

func uint64Metric(name, desc string, cumulative bool, f func(m *gc.MemStats) uint64) metric {
	return metric{
		Description: Description{Name: name, Description: desc, Kind: KindUint64, Cumulative: cumulative},
		compute: func(m *gc.MemStats, v *Value) {
			v.kind = KindUint64
			v.scalar = f(m)
		},
	}
}

func secondsMetric(name, desc string, f func(m *gc.MemStats) uint64) metric {
	return metric{
		Description: Description{Name: name, Description: desc, Kind: KindFloat64},
		compute: func(m *gc.MemStats, v *Value) {
			v.kind = KindFloat64
			v.scalar = math.Float64bits(float64(f(m)) / 1e9)
		},
	}
}

// Bucket boundaries of the pause histogram, in seconds.
var pauseBuckets = []float64{0, 1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 1e-1, 1, math.Inf(1)}

var allMetrics = []metric{
	uint64Metric("/gc/cycles/total:gc-cycles", "Count of completed collection cycles.", true,
		func(m *gc.MemStats) uint64 { return uint64(m.NumGC) }),
	uint64Metric("/gc/heap/allocs:bytes", "Cumulative sum of memory allocated to the heap.", true,
		func(m *gc.MemStats) uint64 { return m.TotalAlloc }),
	uint64Metric("/gc/heap/allocs:objects", "Cumulative count of heap allocations.", true,
		func(m *gc.MemStats) uint64 { return m.Mallocs }),
	uint64Metric("/gc/heap/frees:objects", "Cumulative count of heap objects freed by the collector.", true,
		func(m *gc.MemStats) uint64 { return m.Frees }),
	uint64Metric("/gc/heap/goal:bytes", "Heap size at which the next collection starts.", false,
		func(m *gc.MemStats) uint64 { return m.NextGC }),
	uint64Metric("/gc/heap/live:bytes", "Bytes of allocated heap objects, live or not yet swept.", false,
		func(m *gc.MemStats) uint64 { return m.HeapAlloc }),
	uint64Metric("/gc/heap/objects:objects", "Number of allocated heap objects.", false,
		func(m *gc.MemStats) uint64 { return m.HeapObjects }),
	uint64Metric("/gc/finalizers/registered:objects", "Number of objects with a finalizer.", false,
		func(m *gc.MemStats) uint64 { return m.NumFinalizers }),
	uint64Metric("/gc/finalizers/run:calls", "Cumulative count of finalizers run.", true,
		func(m *gc.MemStats) uint64 { return m.FinalizersRun }),
	uint64Metric("/gc/work/handoffs:workbufs", "Cumulative count of work buffers handed to idle mark workers.", true,
		func(m *gc.MemStats) uint64 { return m.Handoffs }),
	uint64Metric("/gc/work/steals:ranges", "Cumulative count of root and sweep ranges stolen by idle workers.", true,
		func(m *gc.MemStats) uint64 { return m.Steals }),
	secondsMetric("/gc/phases/mark:seconds", "Duration of the mark phase of the last cycle.",
		func(m *gc.MemStats) uint64 { return m.LastMarkNs }),
	secondsMetric("/gc/phases/sweep:seconds", "Duration of the sweep phase of the last cycle.",
		func(m *gc.MemStats) uint64 { return m.LastSweepNs }),
	{
		Description: Description{
			Name:        "/gc/pauses:seconds",
			Description: "Distribution of stop-the-world pauses of recent cycles.",
			Kind:        KindFloat64Histogram,
		},
		compute: func(m *gc.MemStats, v *Value) {
			h := &Float64Histogram{
				Counts:  make([]uint64, len(pauseBuckets)-1),
				Buckets: pauseBuckets,
			}
			n := int(m.NumGC)
			if n > len(m.PauseNs) {
				n = len(m.PauseNs)
			}
			for _, ns := range m.PauseNs[:n] {
				s := float64(ns) / 1e9
				for i := len(h.Counts) - 1; i >= 0; i-- {
					if s >= h.Buckets[i] {
						h.Counts[i]++
						break
					}
				}
			}
			v.kind = KindFloat64Histogram
			v.pointer = h
		},
	},
	uint64Metric("/memory/classes/heap/free:bytes", "Bytes of free spans, available to the allocator.", false,
		func(m *gc.MemStats) uint64 { return m.HeapIdle }),
	uint64Metric("/memory/classes/heap/unused:bytes", "Bytes of in-use spans not holding objects.", false,
		func(m *gc.MemStats) uint64 { return m.HeapInuse - m.HeapAlloc }),
	uint64Metric("/memory/classes/metadata/bitmap:bytes", "Bytes of the heap bitmap.", false,
		func(m *gc.MemStats) uint64 { return m.GCSys }),
	uint64Metric("/memory/classes/static:bytes", "Bytes of the static region in use.", false,
		func(m *gc.MemStats) uint64 { return m.StaticInuse }),
	uint64Metric("/memory/classes/total:bytes", "Bytes of memory reserved by the collector.", false,
		func(m *gc.MemStats) uint64 { return m.Sys }),
}

// All returns a slice containing metric descriptions for all supported
// metrics.
func All() []Description {
	descs := make([]Description, len(allMetrics))
	for i, m := range allMetrics {
		descs[i] = m.Description
	}
	return descs
}

// Float64Histogram represents a distribution of float64 values.
type Float64Histogram struct {
	// Counts contains the weights for each histogram bucket.
	Counts []uint64

	// Buckets contains the boundaries of the histogram buckets, in
	// increasing order. Counts[i] is the weight of [Buckets[i], Buckets[i+1]).
	Buckets []float64
}

// Sample captures a single metric sample.
type Sample struct {
	// Name is the name of the metric sampled.
	Name string

	// Value is the value of the metric sample.
	Value Value
}

// Read populates each Value field in the given slice of metric samples with
// the current value of the metric of c. Unknown metric names get a value of
// kind KindBad.
func Read(c *gc.Collector, m []Sample) {
	var stats gc.MemStats
	c.ReadMemStats(&stats)
	for i := range m {
		m[i].Value = Value{}
		for j := range allMetrics {
			if allMetrics[j].Name == m[i].Name {
				allMetrics[j].compute(&stats, &m[i].Value)
				break
			}
		}
	}
}

// Value represents a metric value returned by the runtime.
type Value struct {
	kind    ValueKind
	scalar  uint64
	pointer *Float64Histogram
}

// Kind returns the tag representing the kind of value this is.
func (v Value) Kind() ValueKind {
	return v.kind
}

// Uint64 returns the internal uint64 value for the metric.
//
// If v.Kind() != KindUint64, this method panics.
func (v Value) Uint64() uint64 {
	if v.kind != KindUint64 {
		panic("called Uint64 on non-uint64 metric value")
	}
	return v.scalar
}

// Float64 returns the internal float64 value for the metric.
//
// If v.Kind() != KindFloat64, this method panics.
func (v Value) Float64() float64 {
	if v.kind != KindFloat64 {
		panic("called Float64 on non-float64 metric value")
	}
	return math.Float64frombits(v.scalar)
}

// Float64Histogram returns the internal *Float64Histogram value for the
// metric.
//
// If v.Kind() != KindFloat64Histogram, this method panics.
func (v Value) Float64Histogram() *Float64Histogram {
	if v.kind != KindFloat64Histogram {
		panic("called Float64Histogram on non-Float64Histogram metric value")
	}
	return v.pointer
}

// ValueKind is a tag for a metric Value which indicates its type.
type ValueKind int

const (
	// KindBad indicates that the Value has no type and should not be used.
	KindBad ValueKind = iota

	// KindUint64 indicates that the type of the Value is a uint64.
	KindUint64

	// KindFloat64 indicates that the type of the Value is a float64.
	KindFloat64

	// KindFloat64Histogram indicates that the type of the Value is a
	// *Float64Histogram.
	KindFloat64Histogram
)
