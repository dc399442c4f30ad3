package gc

import (
	"fmt"
	"io"
	"math/bits"
	"time"
)

// cycle describes one collection.
type cycle struct {
	num        uint32
	start, end time.Time

	roots                    uint64
	rootsNs, markNs, sweepNs uint64
	heap0, heap1             uint64
	obj0, obj1               uint64
	marked, scanned          uint64

	handoff, handoffcnt       uint64
	steal, stealcnt           uint64
	procyield, osyield, sleep uint64
}

type cycleStats struct {
	numGC      uint32
	pauseTotal uint64
	pause      [256]uint64 // circular buffer of recent pause times
	pauseEnd   [256]uint64
	last       cycle

	handoff, handoffcnt       uint64
	steal, stealcnt           uint64
	procyield, osyield, sleep uint64
}

func (c *Collector) recordCycle(cs *cycle) {
	c.statsLock.Lock()
	defer c.statsLock.Unlock()
	s := &c.stats
	cs.num = s.numGC + 1
	pause := uint64(cs.end.Sub(cs.start))
	s.pause[s.numGC%uint32(len(s.pause))] = pause
	s.pauseEnd[s.numGC%uint32(len(s.pauseEnd))] = uint64(cs.end.UnixNano())
	s.pauseTotal += pause
	s.numGC++
	s.last = *cs
	s.handoff += cs.handoff
	s.handoffcnt += cs.handoffcnt
	s.steal += cs.steal
	s.stealcnt += cs.stealcnt
	s.procyield += cs.procyield
	s.osyield += cs.osyield
	s.sleep += cs.sleep
}

// MemStats records statistics about the heap and the collector.
type MemStats struct {
	// General statistics.
	Alloc      uint64 // bytes allocated and not yet freed
	TotalAlloc uint64 // bytes allocated (even if freed)
	Sys        uint64 // bytes reserved
	Mallocs    uint64 // number of mallocs
	Frees      uint64 // number of frees

	// Heap statistics.
	HeapAlloc   uint64 // bytes allocated and not yet freed (same as Alloc above)
	HeapSys     uint64 // bytes of the arena in use or free
	HeapIdle    uint64 // bytes in free spans
	HeapInuse   uint64 // bytes in in-use spans
	HeapObjects uint64 // total number of allocated objects
	StaticSys   uint64 // bytes of the static region
	StaticInuse uint64 // bytes of the static region handed out
	GCSys       uint64 // bytes of the heap bitmap in use

	// Collector statistics.
	NextGC        uint64 // next collection will happen when HeapAlloc ≥ this amount
	LastGC        uint64 // end time of last collection (nanoseconds since 1970)
	PauseTotalNs  uint64
	PauseNs       [256]uint64 // circular buffer of recent pause times, most recent at [(NumGC+255)%256]
	PauseEnd      [256]uint64 // circular buffer of recent pause end times
	NumGC         uint32
	EnableGC      bool
	DebugGC       bool
	NumFinalizers uint64 // objects with a registered finalizer
	FinalizersRun uint64 // finalizers run so far

	// Duration of the phases of the last collection.
	LastRootsNs uint64
	LastMarkNs  uint64
	LastSweepNs uint64

	// Load balancing counters, summed over all collections.
	Handoffs    uint64 // workbufs handed to idle workers
	HandoffObjs uint64 // objects in those workbufs
	Steals      uint64 // parallel for ranges stolen
	StealIters  uint64 // iterations in those ranges
	ProcYields  uint64
	OSYields    uint64
	Sleeps      uint64

	// Per-size class allocation statistics. BySize[0] counts large
	// objects.
	BySize [numSizeClasses]struct {
		Size    uint32
		Mallocs uint64
		Frees   uint64
	}
}

// ReadMemStats populates m with memory statistics.
//
// The returned memory statistics are up to date as of the call to
// ReadMemStats. The world is stopped while counting, but no collection is
// run.
func (c *Collector) ReadMemStats(m *MemStats) {
	c.worldsema.Wait()
	c.tasks.StopTheWorld()
	defer func() {
		c.tasks.StartTheWorld()
		c.worldsema.Post()
	}()

	// Count allocated objects in the bitmap. Since we are outside of a
	// collection, only the allocated lane needs looking at.
	var objects uint64
	if c.arenaUsed > c.arenaStart {
		last, _ := c.bitp(c.arenaUsed - wordSize)
		for _, b := range c.words(last, (c.arenaStart-last)/wordSize) {
			objects += uint64(bits.OnesCount64(uint64(b & bitAllocatedLane)))
		}
	}

	h := &c.heap
	h.lock.Lock()
	freePages := h.freePages()
	inUse := h.pagesUse
	h.lock.Unlock()
	c.staticLock.Lock()
	staticUsed := c.staticUsed - c.base
	c.staticLock.Unlock()

	m.Alloc = c.heapAlloc.Load()
	m.TotalAlloc = c.totalAlloc.Load()
	m.Sys = uint64(len(c.mem)) * uint64(wordSize)
	m.Mallocs = c.nmalloc.Load()
	m.Frees = c.nfree.Load()
	m.HeapAlloc = m.Alloc
	m.HeapSys = uint64(c.arenaUsed - c.arenaStart)
	m.HeapIdle = uint64(freePages) << PageShift
	m.HeapInuse = uint64(inUse) << PageShift
	m.HeapObjects = objects
	m.StaticSys = uint64(c.staticEnd - c.base)
	m.StaticInuse = uint64(staticUsed)
	m.GCSys = uint64(c.bitmapMapped)
	m.NextGC = c.nextGC.Load()
	m.EnableGC = c.percent.Load() >= 0
	m.DebugGC = c.cfg.Debug.Mark

	c.fin.lock.Lock()
	m.NumFinalizers = uint64(len(c.fin.tab))
	m.FinalizersRun = c.fin.nrun
	c.fin.lock.Unlock()

	c.statsLock.Lock()
	s := &c.stats
	m.NumGC = s.numGC
	m.PauseTotalNs = s.pauseTotal
	m.PauseNs = s.pause
	m.PauseEnd = s.pauseEnd
	if s.numGC > 0 {
		m.LastGC = uint64(s.last.end.UnixNano())
	}
	m.LastRootsNs = s.last.rootsNs
	m.LastMarkNs = s.last.markNs
	m.LastSweepNs = s.last.sweepNs
	m.Handoffs = s.handoff
	m.HandoffObjs = s.handoffcnt
	m.Steals = s.steal
	m.StealIters = s.stealcnt
	m.ProcYields = s.procyield
	m.OSYields = s.osyield
	m.Sleeps = s.sleep
	c.statsLock.Unlock()

	for i := range m.BySize {
		m.BySize[i].Size = uint32(classToSize[i])
		m.BySize[i].Mallocs = c.bySize[i].nmalloc.Load()
		m.BySize[i].Frees = c.bySize[i].nfree.Load()
	}
}

// dumpHeap writes the state of every span and its objects, one character per
// object:
//
//	* allocated
//	# allocated and marked
//	f allocated with a finalizer
//	· free
func (c *Collector) dumpHeap(w io.Writer) {
	fmt.Fprintln(w, "heap:")
	for _, s := range c.heap.allspans {
		if s.state != spanInUse {
			continue
		}
		base := c.spanBase(s)
		fmt.Fprintf(w, "span %#x %d pages, class %d (%d bytes), %d/%d used\n",
			base, s.npages, s.sizeclass, s.elemsize, s.ref, s.nelems)
		line := make([]rune, 0, 64)
		for i := uintptr(0); i < s.nelems; i++ {
			bits := c.bits(base + i*s.elemsize)
			switch {
			case bits&bitAllocated == 0:
				line = append(line, '·')
			case bits&bitMarked != 0:
				line = append(line, '#')
			case bits&bitSpecial != 0:
				line = append(line, 'f')
			default:
				line = append(line, '*')
			}
			if len(line) == 64 || i+1 == s.nelems {
				fmt.Fprintln(w, string(line))
				line = line[:0]
			}
		}
	}
}

// DumpHeap writes a map of the heap to w. See dumpHeap.
func (c *Collector) DumpHeap(w io.Writer) {
	c.worldsema.Wait()
	c.tasks.StopTheWorld()
	c.dumpHeap(w)
	c.tasks.StartTheWorld()
	c.worldsema.Post()
}
