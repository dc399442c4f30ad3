// Package debug contains facilities for programs to debug a collector while
// it is running.
package debug

import (
	"io"
	"slices"
	"time"

	"github.com/tinygo-org/parallelgc/gc"
	"github.com/tinygo-org/parallelgc/heapdump"
)

// GCStats collect information about recent garbage collections.
type GCStats struct {
	LastGC         time.Time       // time of last collection
	NumGC          int64           // number of garbage collections
	PauseTotal     time.Duration   // total pause for all collections
	Pause          []time.Duration // pause history, most recent first
	PauseEnd       []time.Time     // pause end times history, most recent first
	PauseQuantiles []time.Duration
}

// ReadGCStats reads statistics about the collections of c into stats.
// The number of entries in the pause history is system-dependent;
// stats.Pause slice will be reused if large enough, reallocated otherwise.
// If stats.PauseQuantiles is non-empty, ReadGCStats fills it with quantiles
// summarizing the distribution of pause time. For example, if
// len(stats.PauseQuantiles) is 5, it will be filled with the minimum,
// 25%, 50%, 75%, and maximum pause times.
func ReadGCStats(c *gc.Collector, stats *GCStats) {
	var m gc.MemStats
	c.ReadMemStats(&m)

	n := int(m.NumGC)
	if n > len(m.PauseNs) {
		n = len(m.PauseNs)
	}
	if cap(stats.Pause) < n {
		stats.Pause = make([]time.Duration, n)
	}
	stats.Pause = stats.Pause[:n]
	if cap(stats.PauseEnd) < n {
		stats.PauseEnd = make([]time.Time, n)
	}
	stats.PauseEnd = stats.PauseEnd[:n]
	for i := 0; i < n; i++ {
		j := (int(m.NumGC) - 1 - i) % len(m.PauseNs)
		stats.Pause[i] = time.Duration(m.PauseNs[j])
		stats.PauseEnd[i] = time.Unix(0, int64(m.PauseEnd[j]))
	}

	stats.NumGC = int64(m.NumGC)
	stats.PauseTotal = time.Duration(m.PauseTotalNs)
	if m.LastGC != 0 {
		stats.LastGC = time.Unix(0, int64(m.LastGC))
	} else {
		stats.LastGC = time.Time{}
	}

	if nq := len(stats.PauseQuantiles); nq > 0 {
		if n == 0 {
			clear(stats.PauseQuantiles)
			return
		}
		sorted := slices.Clone(stats.Pause)
		slices.Sort(sorted)
		for i := 0; i < nq-1; i++ {
			stats.PauseQuantiles[i] = sorted[len(sorted)*i/(nq-1)]
		}
		stats.PauseQuantiles[nq-1] = sorted[len(sorted)-1]
	}
}

// SetGCPercent sets the collection target percentage of c: a collection is
// triggered when the ratio of freshly allocated data to live data remaining
// after the previous collection reaches this percentage. SetGCPercent
// returns the previous setting. A negative percentage disables collection.
func SetGCPercent(c *gc.Collector, percent int) int {
	return c.SetGCPercent(percent)
}

// FreeOSMemory forces a collection followed by an attempt to return as
// much memory to the operating system as possible.
func FreeOSMemory(c *gc.Collector) error {
	_, err := c.FreeOSMemory()
	return err
}

// WriteHeapDump writes a description of the heap of c and the objects in it
// to w. The world is stopped while the heap is copied.
func WriteHeapDump(c *gc.Collector, w io.Writer) error {
	return heapdump.Write(w, c.Snapshot())
}
