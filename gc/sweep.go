package gc

import (
	"github.com/tinygo-org/parallelgc/internal/parfor"
)

// Pattern written over freed objects when poisoning is enabled.
const poison = uintptr(0xdeadbeefdeadbeef & (1<<(8*wordSize) - 1))

// sweepspan frees the unmarked objects of span i of this cycle's sweep
// list and clears the mark of the others. It is the body of the sweep
// parallel for.
func (c *Collector) sweepspan(desc *parfor.ParFor, i uint32) {
	if !c.work.markDone.Load() {
		throw("sweep before the mark phase terminated")
	}
	s := c.work.sweep[i]
	if s.state != spanInUse {
		return
	}
	atomic := c.work.nproc > 1
	base := c.spanBase(s)
	size := s.elemsize
	var nfree, nfinal uintptr

	p := base
	for n := uintptr(0); n < s.nelems; n, p = n+1, p+size {
		bits := c.bits(p)
		if bits&bitAllocated == 0 {
			continue
		}
		if bits&bitMarked != 0 {
			c.clearMarked(p, atomic)
			continue
		}

		// An unreachable object with a finalizer is queued instead of freed.
		// Everything it refers to was kept alive, and it survives until the
		// next cycle in which it is unreachable again.
		if bits&bitSpecial != 0 && c.handleSpecial(p) {
			nfinal++
			continue
		}

		c.markFreed(p, atomic)
		if c.cfg.Debug.Poison {
			words := c.words(p, size/wordSize)
			for j := range words {
				words[j] = poison
			}
		}
		if s.sizeclass != 0 {
			c.store(p, s.freelist)
			s.freelist = p
		}
		s.ref--
		nfree++
	}

	if nfree != 0 {
		c.heapAlloc.Add(-uint64(nfree * size))
		c.nfree.Add(uint64(nfree))
		c.bySize[s.sizeclass].nfree.Add(uint64(nfree))
	}
	if nfinal != 0 {
		c.nfinalq.Add(uint64(nfinal))
	}
	if s.ref == 0 {
		c.heap.lock.Lock()
		c.freeSpanLocked(s)
		c.heap.lock.Unlock()
	}
}
