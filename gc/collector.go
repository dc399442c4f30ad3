// Package gc implements a stop-the-world, parallel mark-sweep garbage
// collector for a managed heap of words.
//
// A Collector owns a reserved memory range (see arena) and hands out objects
// from it with Alloc. Objects refer to each other by address: any word that
// holds the address of (or into) an allocated object keeps it alive, unless
// the object's type says that word is not a pointer. Memory is reached from
// the roots: registered root tables, the stacks of the collector's tasks and
// the objects waiting for their finalizer.
//
// A collection stops all tasks, marks everything reachable using a
// configurable number of workers, sweeps the unmarked objects back to their
// spans and then lets the tasks continue. Objects never move.
package gc

import (
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tinygo-org/parallelgc/config"
	"github.com/tinygo-org/parallelgc/internal/lfstack"
	"github.com/tinygo-org/parallelgc/internal/parfor"
	"github.com/tinygo-org/parallelgc/internal/task"
)

// A Collector is a heap together with its garbage collector.
type Collector struct {
	arena

	cfg   config.Config
	trace io.Writer
	heap  mheap
	types typeRegistry
	tasks task.List

	ntasks atomic.Int32

	// Serialises collections, and ReadMemStats against collections.
	worldsema *task.Semaphore

	percent   atomic.Int32
	nextGC    atomic.Uint64
	heapAlloc atomic.Uint64

	rootLock   sync.Mutex
	rootTables []RootTable

	work     workList
	scanPool sync.Pool
	helpgc   chan struct{}
	fin      finalizers

	// Address returned for zero-sized allocations.
	zerobase uintptr

	closed atomic.Bool
	broken atomic.Bool // a collection threw

	// Statistics, see MemStats.
	nmalloc    atomic.Uint64
	nfree      atomic.Uint64
	totalAlloc atomic.Uint64
	nfinalq    atomic.Uint64
	bySize     [numSizeClasses]struct {
		nmalloc atomic.Uint64
		nfree   atomic.Uint64
	}
	statsLock sync.Mutex
	stats     cycleStats
}

// New reserves the memory of a collector configured by cfg. A nil cfg
// means config.Default().
func New(cfg *config.Config) (*Collector, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	total := uint64(cfg.Static) + uint64(cfg.Arena)/uint64(wordsPerBitmapWord) + uint64(cfg.Arena)
	if total > math.MaxInt {
		return nil, fmt.Errorf("gc: arena of %v does not fit in the address space", cfg.Arena)
	}
	arenaSize := uintptr(cfg.Arena)
	staticSize := uintptr(cfg.Static)
	mem, err := sysReserve(uintptr(total))
	if err != nil {
		return nil, err
	}

	c := &Collector{
		cfg:       *cfg,
		trace:     cfg.Trace,
		worldsema: task.NewSemaphore(1),
	}
	if c.trace == nil {
		c.trace = os.Stderr
	}
	c.arena.init(mem, staticSize, arenaSize)
	c.heap.init(&c.arena)
	c.percent.Store(int32(cfg.Percent))
	c.nextGC.Store(uint64(cfg.MinHeap))

	if c.zerobase, err = c.sysAlloc(wordSize); err != nil {
		sysRelease(mem)
		return nil, err
	}

	enc := lfstack.HighBits
	if cfg.Encoding == config.EncodingLow {
		enc = lfstack.LowBits
	}
	w := &c.work
	w.full = lfstack.New(enc)
	w.empty = lfstack.New(enc)
	w.markfor = parfor.New(uint32(cfg.Workers))
	w.sweepfor = parfor.New(uint32(cfg.Workers))
	w.backoff.spin = cfg.Backoff.SpinIterations
	w.backoff.yield = cfg.Backoff.YieldIterations
	w.backoff.sleep = cfg.Backoff.Sleep

	c.scanPool.New = func() any { return &scanState{c: c} }

	c.fin.tab = make(map[uintptr]finalizer)
	c.fin.idle.L = &c.fin.lock
	c.fin.wake = make(chan struct{}, 1)
	c.fin.done = make(chan struct{})

	// The collecting goroutine is worker 0; start the others.
	c.helpgc = make(chan struct{})
	for i := 1; i < cfg.Workers; i++ {
		go c.helper()
	}
	return c, nil
}

// Close stops the helpers and the finalizer worker and releases the memory
// of the collector. Addresses handed out by c must not be used afterwards.
//
// After a fatal error in a collection, Close returns ErrBroken without
// waiting for the helpers or releasing the memory, which stuck helpers may
// still use.
func (c *Collector) Close() error {
	if c.broken.Load() {
		if c.closed.Swap(true) {
			return ErrClosed
		}
		close(c.helpgc)
		close(c.fin.done)
		return ErrBroken
	}
	c.FlushFinalizers()
	c.worldsema.Wait()
	defer c.worldsema.Post()
	if c.closed.Swap(true) {
		return ErrClosed
	}
	c.tasks.StopTheWorld()
	defer c.tasks.StartTheWorld()
	close(c.helpgc)
	close(c.fin.done)
	return sysRelease(c.mem)
}

// usable returns the error of an operation on a closed or broken collector.
func (c *Collector) usable() error {
	switch {
	case c.closed.Load():
		return ErrClosed
	case c.broken.Load():
		return ErrBroken
	}
	return nil
}

// Config returns the configuration c was created with.
func (c *Collector) Config() config.Config {
	return c.cfg
}

// Load reads the word at addr.
func (c *Collector) Load(addr uintptr) uintptr {
	return c.load(addr)
}

// Store writes the word at addr. Stores are not allowed while the world is
// stopped, so Store blocks during a collection.
func (c *Collector) Store(addr, val uintptr) {
	c.tasks.EnterMutator()
	c.store(addr, val)
	c.tasks.ExitMutator()
}

// AllocStatic allocates zeroed memory in the static region. It is never
// collected, but it is only scanned when registered with RegisterRoots.
func (c *Collector) AllocStatic(size uintptr) (uintptr, error) {
	return c.sysAlloc(size)
}

// NewTask starts a new execution context whose stack is a root.
func (c *Collector) NewTask() *task.Task {
	c.ntasks.Add(1)
	return c.tasks.Start(stackMemory{c}, uintptr(c.cfg.StackSegment))
}

// ExitTask removes t; its stack is not a root anymore.
func (c *Collector) ExitTask(t *task.Task) error {
	if err := t.Exit(); err != nil {
		return err
	}
	c.ntasks.Add(-1)
	return nil
}

// stackMemory places task stacks in the static region. Task stack
// operations already hold the world lock, so it accesses memory directly.
type stackMemory struct {
	c *Collector
}

func (m stackMemory) Load(addr uintptr) uintptr  { return m.c.load(addr) }
func (m stackMemory) Store(addr, val uintptr)    { m.c.store(addr, val) }
func (m stackMemory) FreeStack(lo, size uintptr) { m.c.sysFree(lo, size) }
func (m stackMemory) AllocStack(size uintptr) (uintptr, error) {
	return m.c.sysAlloc(size)
}

// SetGCPercent sets the collection target percentage and returns the
// previous setting. A negative percentage disables the collector.
func (c *Collector) SetGCPercent(percent int) int {
	c.worldsema.Wait()
	old := c.percent.Swap(int32(percent))
	c.updateGoal()
	c.worldsema.Post()
	return int(old)
}

// updateGoal recomputes the heap size that triggers the next collection.
func (c *Collector) updateGoal() {
	live := c.heapAlloc.Load()
	percent := c.percent.Load()
	goal := uint64(c.cfg.MinHeap)
	if percent >= 0 {
		if g := live + live*uint64(percent)/100; g > goal {
			goal = g
		}
	}
	c.nextGC.Store(goal)
}

func (c *Collector) getScanState() *scanState {
	st := c.scanPool.Get().(*scanState)
	st.reset()
	return st
}

func (c *Collector) putScanState(st *scanState) {
	if st.wbuf != nil || st.nptr != 0 || st.nobj != 0 {
		throw("scan state released with pending work")
	}
	c.work.nscanned.Add(st.nscanned)
	c.work.nmarked.Add(st.nmarked)
	st.verify = nil
	c.scanPool.Put(st)
}
