package gc

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/tinygo-org/parallelgc/internal/gclayout"
	"github.com/tinygo-org/parallelgc/internal/lfstack"
	"github.com/tinygo-org/parallelgc/internal/parfor"
	"github.com/tinygo-org/parallelgc/internal/task"
)

// Obj is a range of memory waiting to be scanned.
type Obj struct {
	P  uintptr // start of the range
	N  uintptr // size in bytes
	Ti gclayout.Desc
}

const (
	workbufSize  = 16 << 10
	workbufObjs  = (workbufSize - unsafe.Sizeof(lfstack.Node{}) - wordSize) / unsafe.Sizeof(Obj{})
	workbufChunk = 16 // workbufs allocated at a time
)

// A workbuf is a fixed-capacity batch of objects to scan. Workbufs move
// between the full and empty stacks of the work list; the node must be the
// first field so that a popped node is the workbuf itself.
type workbuf struct {
	node lfstack.Node
	nobj uintptr
	obj  [workbufObjs]Obj
}

func (b *workbuf) check() {
	if b.nobj > uintptr(len(b.obj)) {
		throw("workbuf object count out of range")
	}
}

// workList is the state shared by the workers of one collection.
type workList struct {
	full  *lfstack.Stack // workbufs with objects to scan
	empty *lfstack.Stack // workbufs without objects

	nproc uint32        // number of workers in this cycle
	nwait atomic.Uint32 // workers waiting for work in getFull
	ndone atomic.Uint32 // helpers done with the cycle
	alldone task.Note   // woken when every helper is done

	// With mark verification, helpers sleep on verified between marking
	// and sweeping until worker 0 has checked the marks.
	verified task.Note

	markfor  *parfor.ParFor
	sweepfor *parfor.ParFor
	roots    []Root
	sweep    []*mspan // in-use spans at the start of the sweep

	// Set when the mark phase terminated. Sweeping before that would free
	// reachable objects.
	markDone atomic.Bool

	// Workbufs are allocated in chunks and never freed. The chunks are kept
	// here so that the Go collector does not free workbufs that are only
	// referenced from the lock-free stacks.
	chunkLock sync.Mutex
	chunks    [][]workbuf
	chunkPos  int

	backoff struct {
		spin, yield int
		sleep       time.Duration
	}

	nscanned    atomic.Uint64
	nmarked     atomic.Uint64
	nhandoff    atomic.Uint64
	nhandoffcnt atomic.Uint64
	nprocyield  atomic.Uint64
	nosyield    atomic.Uint64
	nsleep      atomic.Uint64
}

func (w *workList) allocWorkbuf() *workbuf {
	w.chunkLock.Lock()
	defer w.chunkLock.Unlock()
	if len(w.chunks) == 0 || w.chunkPos == workbufChunk {
		w.chunks = append(w.chunks, make([]workbuf, workbufChunk))
		w.chunkPos = 0
	}
	b := &w.chunks[len(w.chunks)-1][w.chunkPos]
	w.chunkPos++
	return b
}

// getEmpty publishes b, if not nil, on the full stack and returns an empty
// workbuf.
func (w *workList) getEmpty(b *workbuf) *workbuf {
	if b != nil {
		b.check()
		w.full.Push(&b.node)
	}
	b = (*workbuf)(w.empty.Pop())
	if b == nil {
		b = w.allocWorkbuf()
	}
	if b.nobj != 0 {
		throw("getEmpty: workbuf is not empty")
	}
	return b
}

func (w *workList) putEmpty(b *workbuf) {
	if b.nobj != 0 {
		throw("putEmpty: workbuf is not empty")
	}
	w.empty.Push(&b.node)
}

// getFull returns a workbuf with objects to scan, putting b back on the
// empty stack. When there is no work it waits for other workers to publish
// some. It returns nil when every worker is waiting: the mark phase is over.
func (w *workList) getFull(b *workbuf) *workbuf {
	if b != nil {
		w.putEmpty(b)
	}
	b = (*workbuf)(w.full.Pop())
	if b != nil {
		b.check()
		return b
	}
	if w.nproc == 1 {
		w.markDone.Store(true)
		return nil
	}

	w.nwait.Add(1)
	for i := 0; ; i++ {
		if !w.full.Empty() {
			w.nwait.Add(^uint32(0))
			b = (*workbuf)(w.full.Pop())
			if b != nil {
				b.check()
				return b
			}
			w.nwait.Add(1)
		}
		if w.nwait.Load() == w.nproc {
			w.markDone.Store(true)
			return nil
		}
		switch {
		case i < w.backoff.spin:
			w.nprocyield.Add(1)
			procyield(20)
		case i < w.backoff.spin+w.backoff.yield:
			w.nosyield.Add(1)
			runtime.Gosched()
		default:
			w.nsleep.Add(1)
			time.Sleep(w.backoff.sleep)
		}
	}
}

// handoff moves half of the objects of b to a new workbuf and publishes b
// on the full stack for idle workers.
func (w *workList) handoff(b *workbuf) *workbuf {
	b1 := w.getEmpty(nil)
	n := b.nobj / 2
	b.nobj -= n
	b1.nobj = n
	copy(b1.obj[:n], b.obj[b.nobj:b.nobj+n])
	clear(b.obj[b.nobj : b.nobj+n])
	w.nhandoff.Add(1)
	w.nhandoffcnt.Add(uint64(n))

	// Put b on the full list; let the caller continue with b1.
	w.full.Push(&b.node)
	return b1
}

//go:noinline
func procyield(cycles int) {
	for i := 0; i < cycles; i++ {
	}
}
