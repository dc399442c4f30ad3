package gc

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tinygo-org/parallelgc/config"
	"github.com/tinygo-org/parallelgc/internal/gclayout"
)

// testConfig returns a small configuration that never collects on its own
// during a test, and verifies the marks of every cycle.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Arena = 1 << 20
	cfg.Static = 64 << 10
	cfg.MinHeap = 1 << 20
	cfg.Debug.Mark = true
	return cfg
}

func newCollector(t *testing.T, modify func(*config.Config)) *Collector {
	t.Helper()
	cfg := testConfig()
	if modify != nil {
		modify(cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned %v", err)
	}
	t.Cleanup(func() {
		c.Close()
	})
	return c
}

// newRoot returns n words of static memory registered as a conservative
// root.
func newRoot(t *testing.T, c *Collector, n uintptr) uintptr {
	t.Helper()
	p, err := c.AllocStatic(n * wordSize)
	if err != nil {
		t.Fatalf("AllocStatic returned %v", err)
	}
	if err := c.RegisterRoots(RootTable{{P: p, N: n * wordSize}}); err != nil {
		t.Fatalf("RegisterRoots returned %v", err)
	}
	return p
}

func mustAlloc(t *testing.T, c *Collector, size uintptr) uintptr {
	t.Helper()
	p, err := c.Alloc(size, nil)
	if err != nil {
		t.Fatalf("Alloc(%d) returned %v", size, err)
	}
	return p
}

func allocated(c *Collector, p uintptr) bool {
	return c.bits(p)&bitAllocated != 0
}

func onFreeList(c *Collector, p uintptr) bool {
	s := c.spanOf(p)
	for q := s.freelist; q != 0; q = c.load(q) {
		if q == p {
			return true
		}
	}
	return false
}

func lastMarked(c *Collector) uint64 {
	c.statsLock.Lock()
	defer c.statsLock.Unlock()
	return c.stats.last.marked
}

func TestUnreachableObjectIsFreed(t *testing.T) {
	c := newCollector(t, nil)
	root := newRoot(t, c, 1)
	a, err := c.AllocNoScan(32)
	if err != nil {
		t.Fatalf("AllocNoScan returned %v", err)
	}
	// Keep the span in use so that a goes back to its free list instead of
	// the whole span going back to the page heap.
	b, err := c.AllocNoScan(32)
	if err != nil {
		t.Fatalf("AllocNoScan returned %v", err)
	}
	c.Store(root, b)

	c.GC()
	if allocated(c, a) {
		t.Errorf("unreachable object %#x is still allocated", a)
	}
	if got := c.bits(a); got != bitBlockBoundary {
		t.Errorf("bits of freed object are %#x, want %#x", got, bitBlockBoundary)
	}
	if !onFreeList(c, a) {
		t.Errorf("freed object %#x is not on the free list of its span", a)
	}
	if !allocated(c, b) {
		t.Errorf("rooted object %#x was freed", b)
	}
	if c.bits(b)&bitMarked != 0 {
		t.Errorf("mark bit of %#x survived the sweep", b)
	}
}

func TestReachableChainSurvives(t *testing.T) {
	c := newCollector(t, nil)
	root := newRoot(t, c, 1)
	a := mustAlloc(t, c, 32)
	b := mustAlloc(t, c, 16)
	c.Store(b, a)
	c.Store(root, b)

	c.GC()
	for _, p := range []uintptr{a, b} {
		if !allocated(c, p) {
			t.Errorf("reachable object %#x was freed", p)
		}
		if c.bits(p)&bitMarked != 0 {
			t.Errorf("mark bit of %#x survived the sweep", p)
		}
	}
	if got := lastMarked(c); got != 2 {
		t.Errorf("cycle marked %d objects, want 2", got)
	}

	// Once unrooted, both go.
	c.Store(root, 0)
	c.GC()
	for _, p := range []uintptr{a, b} {
		if allocated(c, p) {
			t.Errorf("unreachable object %#x survived", p)
		}
	}
}

func TestInteriorPointers(t *testing.T) {
	c := newCollector(t, nil)
	root := newRoot(t, c, 2)
	small := mustAlloc(t, c, 32)
	large := mustAlloc(t, c, 3*PageSize)
	c.Store(root, small+3*wordSize)
	c.Store(root+wordSize, large+PageSize+5*wordSize)

	c.GC()
	if !allocated(c, small) {
		t.Errorf("small object referenced by an interior pointer was freed")
	}
	if !allocated(c, large) {
		t.Errorf("large object referenced by an interior pointer was freed")
	}
}

func TestLargeObjects(t *testing.T) {
	c := newCollector(t, nil)
	root := newRoot(t, c, 1)
	p := mustAlloc(t, c, 2*PageSize+1)
	s := c.spanOf(p)
	if s.sizeclass != 0 || s.npages != 3 {
		t.Fatalf("large object span has class %d and %d pages, want 0 and 3", s.sizeclass, s.npages)
	}
	if p != c.spanBase(s) {
		t.Errorf("large object at %#x, want the span base %#x", p, c.spanBase(s))
	}
	c.Store(root, p)
	c.GC()
	if !allocated(c, p) {
		t.Fatalf("rooted large object was freed")
	}

	var before MemStats
	c.ReadMemStats(&before)
	c.Store(root, 0)
	c.GC()
	var after MemStats
	c.ReadMemStats(&after)
	if s.state == spanInUse {
		t.Errorf("span of freed large object is still in use")
	}
	if before.HeapInuse-after.HeapInuse != 3*PageSize {
		t.Errorf("HeapInuse went from %d to %d, want a drop of %d", before.HeapInuse, after.HeapInuse, 3*PageSize)
	}
}

func TestSizeClasses(t *testing.T) {
	c := newCollector(t, nil)
	for _, tc := range []struct {
		size, elem uintptr
	}{
		{1, 8},
		{8, 8},
		{9, 16},
		{33, 48},
		{1000, 1024},
		{2048, 2048},
	} {
		p := mustAlloc(t, c, tc.size)
		if got := c.spanOf(p).elemsize; got != tc.elem {
			t.Errorf("Alloc(%d) got a %d byte slot, want %d", tc.size, got, tc.elem)
		}
		if p%wordSize != 0 {
			t.Errorf("Alloc(%d) returned unaligned %#x", tc.size, p)
		}
	}

	z1 := mustAlloc(t, c, 0)
	z2 := mustAlloc(t, c, 0)
	if z1 != z2 || c.inArena(z1) {
		t.Errorf("zero-sized allocations returned %#x and %#x, want the same static address", z1, z2)
	}
}

func TestAllocZeroesMemory(t *testing.T) {
	c := newCollector(t, nil)
	p := mustAlloc(t, c, 64)
	for i := uintptr(0); i < 8; i++ {
		c.Store(p+i*wordSize, 0x1234)
	}
	c.GC()
	q := mustAlloc(t, c, 64)
	for i := uintptr(0); i < 8; i++ {
		if v := c.Load(q + i*wordSize); v != 0 {
			t.Errorf("word %d of a reused slot is %#x, want 0", i, v)
		}
	}
}

func TestEmptySpansReturnToHeap(t *testing.T) {
	c := newCollector(t, nil)
	for i := 0; i < 1000; i++ {
		if _, err := c.AllocNoScan(48); err != nil {
			t.Fatalf("AllocNoScan returned %v", err)
		}
	}
	c.GC()
	var m MemStats
	c.ReadMemStats(&m)
	if m.HeapInuse != 0 {
		t.Errorf("HeapInuse is %d after freeing everything, want 0", m.HeapInuse)
	}
	if m.HeapIdle != m.HeapSys {
		t.Errorf("HeapIdle is %d, want HeapSys (%d)", m.HeapIdle, m.HeapSys)
	}
	if m.HeapObjects != 0 || m.HeapAlloc != 0 {
		t.Errorf("HeapObjects = %d, HeapAlloc = %d, want 0, 0", m.HeapObjects, m.HeapAlloc)
	}
}

func TestParallelChain(t *testing.T) {
	for _, tc := range []struct {
		name   string
		verify bool
	}{
		{"parallel", false},
		{"verified", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testParallelChain(t, tc.verify)
		})
	}
}

// testParallelChain marks a long chain with four workers. With verify set,
// every cycle also rechecks the marks before the helpers sweep.
func testParallelChain(t *testing.T, verify bool) {
	const n = 10000
	c := newCollector(t, func(cfg *config.Config) {
		cfg.Workers = 4
		cfg.Debug.Mark = verify
	})
	root := newRoot(t, c, 1)
	for i := 0; i < n; i++ {
		p := mustAlloc(t, c, 2*wordSize)
		c.Store(p, c.Load(root))
		c.Store(p+wordSize, uintptr(i))
		c.Store(root, p)
	}

	for cycle := 0; cycle < 5; cycle++ {
		c.GC()
		if got := lastMarked(c); got != n {
			t.Fatalf("cycle %d marked %d objects, want %d", cycle, got, n)
		}
	}

	count := 0
	for p := c.Load(root); p != 0; p = c.Load(p) {
		if !allocated(c, p) {
			t.Fatalf("chain object %#x was freed", p)
		}
		if v := c.Load(p + wordSize); v != uintptr(n-1-count) {
			t.Fatalf("chain object %d holds %d", count, v)
		}
		count++
	}
	if count != n {
		t.Errorf("chain has %d objects, want %d", count, n)
	}
}

func TestMarkOnce(t *testing.T) {
	// Many objects pointing to the same target: every object must be
	// marked exactly once even when workers race for the target.
	const n = 2000
	c := newCollector(t, func(cfg *config.Config) {
		cfg.Workers = 4
		cfg.HandoffThreshold = 1
	})
	root := newRoot(t, c, n)
	target := mustAlloc(t, c, 32)
	for i := uintptr(0); i < n; i++ {
		p := mustAlloc(t, c, 2*wordSize)
		c.Store(p, target)
		c.Store(root+i*wordSize, p)
	}
	for cycle := 0; cycle < 3; cycle++ {
		c.GC()
		if got := lastMarked(c); got != n+1 {
			t.Errorf("cycle %d marked %d objects, want %d", cycle, got, n+1)
		}
	}
	if !allocated(c, target) {
		t.Errorf("shared target was freed")
	}
}

func TestTaskStacksAreRoots(t *testing.T) {
	c := newCollector(t, nil)
	tk := c.NewTask()
	p := mustAlloc(t, c, 32)
	if _, err := tk.Push(p); err != nil {
		t.Fatalf("Push returned %v", err)
	}
	c.GC()
	if !allocated(c, p) {
		t.Fatalf("object referenced from a task stack was freed")
	}
	if _, err := tk.Pop(); err != nil {
		t.Fatalf("Pop returned %v", err)
	}
	c.GC()
	if allocated(c, p) {
		t.Errorf("object popped from a task stack survived")
	}

	// An exited task's stack is not scanned anymore.
	q := mustAlloc(t, c, 32)
	if _, err := tk.Push(q); err != nil {
		t.Fatalf("Push returned %v", err)
	}
	if err := c.ExitTask(tk); err != nil {
		t.Fatalf("ExitTask returned %v", err)
	}
	c.GC()
	if allocated(c, q) {
		t.Errorf("object referenced only by an exited task survived")
	}
}

func TestConcurrentMutators(t *testing.T) {
	const (
		ntasks = 4
		n      = 500
	)
	c := newCollector(t, func(cfg *config.Config) {
		cfg.Workers = 2
	})
	var wg sync.WaitGroup
	heads := make([]uintptr, ntasks)
	errs := make(chan error, ntasks)
	for i := 0; i < ntasks; i++ {
		tk := c.NewTask()
		slot, err := tk.Push(0)
		if err != nil {
			t.Fatalf("Push returned %v", err)
		}
		heads[i] = slot
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n; j++ {
				p, err := c.Alloc(2*wordSize, nil)
				if err != nil {
					errs <- err
					return
				}
				c.Store(p, tk.Load(slot))
				c.Store(p+wordSize, uintptr(j))
				tk.Store(slot, p)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Alloc returned %v", err)
	}

	c.GC()
	if got := lastMarked(c); got != ntasks*n {
		t.Errorf("cycle marked %d objects, want %d", got, ntasks*n)
	}
	for i, slot := range heads {
		count := 0
		for p := c.Load(slot); p != 0; p = c.Load(p) {
			count++
		}
		if count != n {
			t.Errorf("list of task %d has %d objects, want %d", i, count, n)
		}
	}
}

func TestCollectWhileMutating(t *testing.T) {
	const (
		ntasks = 4
		n      = 2000
	)
	c := newCollector(t, func(cfg *config.Config) {
		cfg.Workers = 3
	})
	var wg sync.WaitGroup
	heads := make([]uintptr, ntasks)
	errs := make(chan error, ntasks)
	for i := 0; i < ntasks; i++ {
		tk := c.NewTask()
		slot, err := tk.Push(0)
		if err != nil {
			t.Fatalf("Push returned %v", err)
		}
		heads[i] = slot
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n; j++ {
				// Some garbage, then a list node that stays reachable
				// from the task stack from the start.
				if _, err := c.Alloc(3*wordSize, nil); err != nil {
					errs <- err
					return
				}
				p, err := c.AllocOn(tk, 2*wordSize, nil)
				if err != nil {
					errs <- err
					return
				}
				c.Store(p, tk.Load(slot))
				c.Store(p+wordSize, uintptr(j))
				tk.Store(slot, p)
				if _, err := tk.Pop(); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	done := make(chan struct{})
	collected := make(chan int)
	go func() {
		cycles := 0
		for {
			select {
			case <-done:
				collected <- cycles
				return
			default:
				c.GC()
				cycles++
			}
		}
	}()
	wg.Wait()
	close(done)
	if cycles := <-collected; cycles == 0 {
		t.Logf("no collection ran while mutating")
	}
	close(errs)
	for err := range errs {
		t.Fatalf("mutator failed: %v", err)
	}

	c.GC()
	for i, slot := range heads {
		want := uintptr(n - 1)
		for p := c.Load(slot); p != 0; p = c.Load(p) {
			if !allocated(c, p) {
				t.Fatalf("list node %#x of task %d was freed", p, i)
			}
			if v := c.Load(p + wordSize); v != want {
				t.Fatalf("list of task %d holds %d, want %d", i, v, want)
			}
			want--
		}
		if want != ^uintptr(0) {
			t.Errorf("list of task %d is missing %d nodes", i, want+1)
		}
	}
}

func TestOutOfMemory(t *testing.T) {
	c := newCollector(t, func(cfg *config.Config) {
		cfg.Arena = 64 << 10
		cfg.Percent = -1
	})
	const size = 2 * PageSize
	root := newRoot(t, c, 16)
	var n uintptr
	for ; n < 16; n++ {
		p, err := c.AllocNoScan(size)
		if errors.Is(err, ErrOutOfMemory) {
			break
		}
		if err != nil {
			t.Fatalf("AllocNoScan returned %v", err)
		}
		c.Store(root+n*wordSize, p)
	}
	if n == 0 || n == 16 {
		t.Fatalf("allocated %d objects of %d bytes in a 64KB arena", n, size)
	}

	// Dropping the roots lets the retry after the forced collection
	// succeed, even though the collector is disabled.
	for i := uintptr(0); i < n; i++ {
		c.Store(root+i*wordSize, 0)
	}
	if _, err := c.AllocNoScan(size); err != nil {
		t.Errorf("AllocNoScan after dropping the roots returned %v", err)
	}
}

func TestSetGCPercent(t *testing.T) {
	c := newCollector(t, nil)
	if old := c.SetGCPercent(-1); old != 100 {
		t.Errorf("SetGCPercent returned %d, want 100", old)
	}
	c.GC()
	var m MemStats
	c.ReadMemStats(&m)
	if m.NumGC != 0 || m.EnableGC {
		t.Errorf("disabled collector ran %d cycles (EnableGC %v)", m.NumGC, m.EnableGC)
	}
	if old := c.SetGCPercent(50); old != -1 {
		t.Errorf("SetGCPercent returned %d, want -1", old)
	}
	c.GC()
	c.ReadMemStats(&m)
	if m.NumGC != 1 {
		t.Errorf("NumGC is %d, want 1", m.NumGC)
	}
}

func TestAutomaticCollection(t *testing.T) {
	c := newCollector(t, func(cfg *config.Config) {
		cfg.MinHeap = 64 << 10
	})
	for i := 0; i < 256; i++ {
		if _, err := c.AllocNoScan(1024); err != nil {
			t.Fatalf("AllocNoScan returned %v", err)
		}
	}
	var m MemStats
	c.ReadMemStats(&m)
	if m.NumGC == 0 {
		t.Errorf("allocating 256KB with a 64KB goal did not collect")
	}
	if m.NextGC < 64<<10 {
		t.Errorf("NextGC is %d, below the minimum heap", m.NextGC)
	}
}

func TestReadMemStats(t *testing.T) {
	c := newCollector(t, nil)
	for i := 0; i < 10; i++ {
		if _, err := c.AllocNoScan(32); err != nil {
			t.Fatalf("AllocNoScan returned %v", err)
		}
	}
	var m MemStats
	c.ReadMemStats(&m)
	if m.Mallocs != 10 || m.HeapObjects != 10 || m.HeapAlloc != 320 {
		t.Errorf("Mallocs = %d, HeapObjects = %d, HeapAlloc = %d, want 10, 10, 320", m.Mallocs, m.HeapObjects, m.HeapAlloc)
	}
	if m.BySize[3].Size != 32 || m.BySize[3].Mallocs != 10 {
		t.Errorf("BySize[3] = %+v, want 10 mallocs of 32 bytes", m.BySize[3])
	}
	if m.HeapInuse != PageSize {
		t.Errorf("HeapInuse = %d, want %d", m.HeapInuse, PageSize)
	}

	c.GC()
	c.ReadMemStats(&m)
	if m.Frees != 10 || m.HeapObjects != 0 || m.HeapAlloc != 0 {
		t.Errorf("Frees = %d, HeapObjects = %d, HeapAlloc = %d, want 10, 0, 0", m.Frees, m.HeapObjects, m.HeapAlloc)
	}
	if m.TotalAlloc != 320 {
		t.Errorf("TotalAlloc = %d, want 320", m.TotalAlloc)
	}
	if m.NumGC != 1 || m.LastGC == 0 {
		t.Errorf("NumGC = %d, LastGC = %d, want 1 and a time", m.NumGC, m.LastGC)
	}
	if m.PauseEnd[0] != m.LastGC {
		t.Errorf("PauseEnd[0] = %d, want LastGC (%d)", m.PauseEnd[0], m.LastGC)
	}
}

func TestGCTrace(t *testing.T) {
	var buf bytes.Buffer
	c := newCollector(t, func(cfg *config.Config) {
		cfg.Trace = &buf
		cfg.Debug.Trace = 2
	})
	root := newRoot(t, c, 1)
	c.Store(root, mustAlloc(t, c, 32))
	c.GC()
	out := buf.String()
	if !strings.HasPrefix(out, "gc1(1): ") {
		t.Errorf("trace output %q does not start with the cycle header", out)
	}
	if !strings.Contains(out, "1 marked") {
		t.Errorf("trace output %q does not report the marked object", out)
	}
	if !strings.Contains(out, "heap:\nspan ") {
		t.Errorf("trace output %q has no heap dump", out)
	}
}

func TestPoison(t *testing.T) {
	c := newCollector(t, func(cfg *config.Config) {
		cfg.Debug.Poison = true
	})
	root := newRoot(t, c, 1)
	a := mustAlloc(t, c, 32)
	c.Store(root, mustAlloc(t, c, 32))
	c.GC()
	// The first word links the free list.
	for i := uintptr(1); i < 4; i++ {
		if v := c.Load(a + i*wordSize); v != poison {
			t.Errorf("word %d of a freed object is %#x, want %#x", i, v, poison)
		}
	}
}

func TestFreeOSMemory(t *testing.T) {
	c := newCollector(t, nil)
	if _, err := c.AllocNoScan(4 * PageSize); err != nil {
		t.Fatalf("AllocNoScan returned %v", err)
	}
	n, err := c.FreeOSMemory()
	if err != nil {
		t.Fatalf("FreeOSMemory returned %v", err)
	}
	if n < 4*PageSize {
		t.Errorf("FreeOSMemory released %d bytes, want at least %d", n, 4*PageSize)
	}
}

func TestSnapshot(t *testing.T) {
	c := newCollector(t, nil)
	root := newRoot(t, c, 1)
	p := mustAlloc(t, c, 48)
	c.Store(p+wordSize, 42)
	c.Store(root, p)
	c.GC()

	snap := c.Snapshot()
	if snap.NumGC != 1 {
		t.Errorf("snapshot NumGC = %d, want 1", snap.NumGC)
	}
	if !snap.Allocated(p) {
		t.Errorf("snapshot does not show %#x as allocated", p)
	}
	if snap.Bits(p+wordSize) != 0 {
		t.Errorf("snapshot shows bits for the second word of an object")
	}
	if got := snap.Arena.Words[(p+wordSize-snap.ArenaStart)/wordSize]; got != 42 {
		t.Errorf("snapshot holds %d, want 42", got)
	}
	if len(snap.Spans) != 1 || snap.Spans[0].ElemSize != 48 || snap.Spans[0].Allocated != 1 {
		t.Errorf("snapshot spans = %+v, want one span with one 48 byte object", snap.Spans)
	}
}

func TestRegisterRootsErrors(t *testing.T) {
	c := newCollector(t, nil)
	p := mustAlloc(t, c, 32)
	if err := c.RegisterRoots(RootTable{{P: p, N: 32}}); err == nil {
		t.Errorf("RegisterRoots accepted a heap range")
	}
	s, err := c.AllocStatic(32)
	if err != nil {
		t.Fatalf("AllocStatic returned %v", err)
	}
	if err := c.RegisterRoots(RootTable{{P: s + 1, N: 8}}); err == nil {
		t.Errorf("RegisterRoots accepted an unaligned range")
	}
}

func TestClose(t *testing.T) {
	c, err := New(testConfig())
	if err != nil {
		t.Fatalf("New returned %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close returned %v", err)
	}
	if err := c.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close returned %v, want %v", err, ErrClosed)
	}
	if _, err := c.Alloc(8, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Alloc after Close returned %v, want %v", err, ErrClosed)
	}
	if _, err := c.FreeOSMemory(); !errors.Is(err, ErrClosed) {
		t.Errorf("FreeOSMemory after Close returned %v, want %v", err, ErrClosed)
	}
}

func TestCloseAfterFatalError(t *testing.T) {
	c := newCollector(t, nil)
	root, err := c.AllocStatic(2 * wordSize)
	if err != nil {
		t.Fatalf("AllocStatic returned %v", err)
	}
	if err := c.RegisterRoots(RootTable{{P: root, N: 2 * wordSize, Ti: gclayout.Precise(gclayout.Eface)}}); err != nil {
		t.Fatalf("RegisterRoots returned %v", err)
	}
	// An interface word with a type id that was never registered.
	c.Store(root, 999)
	c.Store(root+wordSize, mustAlloc(t, c, 16))

	expectFatal(t, "collection with a corrupt root", c.GC)

	if _, err := c.Alloc(16, nil); !errors.Is(err, ErrBroken) {
		t.Errorf("Alloc after a fatal error returned %v, want %v", err, ErrBroken)
	}
	c.GC()

	done := make(chan error, 1)
	go func() {
		done <- c.Close()
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrBroken) {
			t.Errorf("Close returned %v, want %v", err, ErrBroken)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Close blocked after a fatal error")
	}
}
