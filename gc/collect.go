package gc

import (
	"fmt"
	"time"

	"github.com/inhies/go-bytesize"
)

// GC runs a full collection, regardless of the heap size. It is a no-op
// while the collector is disabled with a negative percentage.
func (c *Collector) GC() {
	c.Collect(true)
}

// Collect runs a collection if the heap has grown past its goal, or always
// if force is set.
func (c *Collector) Collect(force bool) {
	c.collect(force, false)
}

// collect runs a collection. With oom set it also runs while the collector
// is disabled: the allocator is about to fail otherwise.
func (c *Collector) collect(force, oom bool) {
	c.worldsema.Wait()
	if c.closed.Load() || c.broken.Load() {
		c.worldsema.Post()
		return
	}
	if !oom && c.percent.Load() < 0 {
		c.worldsema.Post()
		return
	}
	if !force && c.heapAlloc.Load() < c.nextGC.Load() {
		// Another goroutine collected while we were waiting.
		c.worldsema.Post()
		return
	}

	t0 := time.Now()
	c.tasks.StopTheWorld()
	finished := false
	defer func() {
		if finished {
			return
		}
		// gc threw and the heap is inconsistent. Release the world for
		// the unwinding panic.
		c.broken.Store(true)
		c.tasks.StartTheWorld()
		c.worldsema.Post()
	}()
	c.gc(t0)
	finished = true
	c.tasks.StartTheWorld()
	c.worldsema.Post()

	c.wakeFinalizers()
}

// gc runs one cycle. The world is stopped.
func (c *Collector) gc(t0 time.Time) {
	w := &c.work
	w.nproc = uint32(c.cfg.Workers)
	w.nwait.Store(0)
	w.ndone.Store(0)
	w.markDone.Store(false)
	w.nscanned.Store(0)
	w.nmarked.Store(0)
	heap0 := c.heapAlloc.Load()
	obj0 := c.nmalloc.Load() - c.nfree.Load()
	handoff0, handoffcnt0 := w.nhandoff.Load(), w.nhandoffcnt.Load()
	procyield0, osyield0, sleep0 := w.nprocyield.Load(), w.nosyield.Load(), w.nsleep.Load()

	c.addroots()
	w.sweep = w.sweep[:0]
	for _, s := range c.heap.allspans {
		if s.state == spanInUse {
			w.sweep = append(w.sweep, s)
		}
	}
	w.markfor.Setup(w.nproc, uint32(len(w.roots)), false, c.markroot)
	w.sweepfor.Setup(w.nproc, uint32(len(w.sweep)), true, c.sweepspan)
	if w.nproc > 1 {
		w.alldone.Clear()
		if c.cfg.Debug.Mark {
			w.verified.Clear()
		}
		for i := uint32(1); i < w.nproc; i++ {
			c.helpgc <- struct{}{}
		}
	}
	t1 := time.Now()

	w.markfor.Do()
	st := c.getScanState()
	st.scanblock(true)
	c.putScanState(st)
	if !w.markDone.Load() {
		throw("mark phase did not terminate")
	}
	if c.cfg.Debug.Mark {
		c.verifyMarks()
		if w.nproc > 1 {
			w.verified.Wakeup()
		}
	}
	t2 := time.Now()

	w.sweepfor.Do()
	if w.nproc > 1 {
		w.alldone.Sleep()
	}
	c.rebuildCentral()
	t3 := time.Now()

	c.updateGoal()

	mstats, sstats := w.markfor.Stats(), w.sweepfor.Stats()
	cs := cycle{
		start:      t0,
		end:        t3,
		roots:      uint64(len(w.roots)),
		rootsNs:    uint64(t1.Sub(t0)),
		markNs:     uint64(t2.Sub(t1)),
		sweepNs:    uint64(t3.Sub(t2)),
		heap0:      heap0,
		heap1:      c.heapAlloc.Load(),
		obj0:       obj0,
		obj1:       c.nmalloc.Load() - c.nfree.Load(),
		marked:     w.nmarked.Load(),
		scanned:    w.nscanned.Load(),
		handoff:    w.nhandoff.Load() - handoff0,
		handoffcnt: w.nhandoffcnt.Load() - handoffcnt0,
		steal:      mstats.Steals + sstats.Steals,
		stealcnt:   mstats.StealCount + sstats.StealCount,
		procyield:  w.nprocyield.Load() - procyield0 + mstats.ProcYields + sstats.ProcYields,
		osyield:    w.nosyield.Load() - osyield0 + mstats.OSYields + sstats.OSYields,
		sleep:      w.nsleep.Load() - sleep0 + mstats.Sleeps + sstats.Sleeps,
	}
	c.recordCycle(&cs)

	if c.cfg.Debug.Trace > 0 {
		c.gctrace(&cs)
	}
	if c.cfg.Debug.Trace > 1 {
		c.dumpHeap(c.trace)
	}
}

// helper is a mark and sweep worker. It participates in every collection
// until the collector is closed.
func (c *Collector) helper() {
	for range c.helpgc {
		w := &c.work
		w.markfor.Do()
		st := c.getScanState()
		st.scanblock(true)
		c.putScanState(st)
		if c.cfg.Debug.Mark {
			w.verified.Sleep()
		}
		w.sweepfor.Do()
		if w.ndone.Add(1) == w.nproc-1 {
			w.alldone.Wakeup()
		}
	}
}

// gctrace prints one line describing a cycle.
func (c *Collector) gctrace(cs *cycle) {
	fmt.Fprintf(c.trace, "gc%d(%d): %d+%d+%d ms, %s -> %s, %d -> %d objects, %d roots, %d spans, %d marked, %d(%d) handoff, %d(%d) steal, %d/%d/%d yields\n",
		cs.num, c.work.nproc,
		cs.rootsNs/1e6, cs.markNs/1e6, cs.sweepNs/1e6,
		bytesize.ByteSize(cs.heap0), bytesize.ByteSize(cs.heap1),
		cs.obj0, cs.obj1,
		cs.roots, len(c.work.sweep), cs.marked,
		cs.handoff, cs.handoffcnt,
		cs.steal, cs.stealcnt,
		cs.procyield, cs.osyield, cs.sleep)
}

// FreeOSMemory runs a collection and returns the memory of free spans to
// the operating system. It returns the number of bytes released.
func (c *Collector) FreeOSMemory() (uint64, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	c.collect(true, true)
	return c.scavenge()
}
