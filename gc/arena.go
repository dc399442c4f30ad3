package gc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	wordSize = unsafe.Sizeof(uintptr(0))

	PageShift = 12
	PageSize  = 1 << PageShift
	pageMask  = PageSize - 1
)

// arena is the memory reserved by one collector. It is a single range,
// addressed by word:
//
//	base        staticEnd        arenaStart              arenaEnd
//	| static region | bitmap (grows down) | heap arena (grows up) |
//
// The static region is not collected. It holds task stacks, the arguments
// of queued finalizers, the type slots of spans and anything the embedder
// allocates with AllocStatic. The heap arena is handed out in pages to spans
// and grows from arenaStart up to arenaEnd; arenaUsed marks the high water
// mark. The bitmap describing the arena sits immediately below arenaStart.
type arena struct {
	mem  []uintptr
	base uintptr

	staticEnd    uintptr
	bitmapStart  uintptr // lowest address the bitmap may grow to
	bitmapMapped uintptr // bytes of bitmap in use below arenaStart
	arenaStart   uintptr
	arenaUsed    uintptr
	arenaEnd     uintptr

	staticLock sync.Mutex
	staticUsed uintptr
	staticFree map[uintptr][]uintptr // freed static blocks by size
}

func (a *arena) init(mem []uintptr, staticSize, arenaSize uintptr) {
	a.mem = mem
	a.base = uintptr(unsafe.Pointer(&mem[0]))
	a.staticEnd = a.base + staticSize
	a.bitmapStart = a.staticEnd
	a.arenaStart = a.bitmapStart + arenaSize/wordsPerBitmapWord
	a.arenaUsed = a.arenaStart
	a.arenaEnd = a.arenaStart + arenaSize
	a.staticUsed = a.base
	a.staticFree = make(map[uintptr][]uintptr)
	if a.arenaEnd-a.base != uintptr(len(mem))*wordSize {
		throw("arena layout does not match the reservation")
	}
}

// index returns the index in a.mem of the word at addr.
func (a *arena) index(addr uintptr) uintptr {
	i := (addr - a.base) / wordSize
	if addr < a.base || i >= uintptr(len(a.mem)) || addr%wordSize != 0 {
		throwAt("access outside of reserved memory", addr)
	}
	return i
}

func (a *arena) load(addr uintptr) uintptr {
	return atomic.LoadUintptr(&a.mem[a.index(addr)])
}

func (a *arena) store(addr, val uintptr) {
	atomic.StoreUintptr(&a.mem[a.index(addr)], val)
}

func (a *arena) cas(addr, old, new uintptr) bool {
	return atomic.CompareAndSwapUintptr(&a.mem[a.index(addr)], old, new)
}

// words returns the n words starting at addr.
func (a *arena) words(addr, n uintptr) []uintptr {
	if n == 0 {
		return nil
	}
	i := a.index(addr)
	a.index(addr + (n-1)*wordSize)
	return a.mem[i : i+n]
}

// inArena reports whether p points into the used part of the heap arena.
func (a *arena) inArena(p uintptr) bool {
	return p >= a.arenaStart && p < a.arenaUsed
}

// inStatic reports whether [p, p+n) lies inside the static region.
func (a *arena) inStatic(p, n uintptr) bool {
	return p >= a.base && p+n <= a.staticEnd && p+n >= p
}

// sysAlloc allocates size bytes of zeroed memory in the static region.
func (a *arena) sysAlloc(size uintptr) (uintptr, error) {
	size = alignUp(size, wordSize)
	a.staticLock.Lock()
	defer a.staticLock.Unlock()
	if free := a.staticFree[size]; len(free) > 0 {
		p := free[len(free)-1]
		a.staticFree[size] = free[:len(free)-1]
		return p, nil
	}
	if a.staticEnd-a.staticUsed < size {
		return 0, fmt.Errorf("static region exhausted allocating %d bytes: %w", size, ErrOutOfMemory)
	}
	p := a.staticUsed
	a.staticUsed += size
	return p, nil
}

// sysFree returns memory obtained from sysAlloc.
func (a *arena) sysFree(p, size uintptr) {
	size = alignUp(size, wordSize)
	if !a.inStatic(p, size) {
		throwAt("freeing memory outside of the static region", p)
	}
	clear(a.words(p, size/wordSize))
	a.staticLock.Lock()
	a.staticFree[size] = append(a.staticFree[size], p)
	a.staticLock.Unlock()
}

// mapBits extends the bitmap so that it covers the arena up to arenaUsed.
// The whole reservation is mapped by sysReserve; the bitmap pages that come
// into use are passed to sysMap a page at a time as the arena grows.
func (a *arena) mapBits() {
	n := (a.arenaUsed - a.arenaStart) / wordsPerBitmapWord
	n = alignUp(n, PageSize)
	if n <= a.bitmapMapped {
		return
	}
	if a.arenaStart-n < a.bitmapStart {
		throw("bitmap does not fit below the arena")
	}
	sysMap(a.words(a.arenaStart-n, (n-a.bitmapMapped)/wordSize))
	a.bitmapMapped = n
}

func alignUp(n, a uintptr) uintptr {
	return (n + a - 1) &^ (a - 1)
}
