package gc

// The heap bitmap holds four bits for every word of the arena. It lives
// just below arenaStart and grows downwards: the bits of the word at offset
// off (in words) from arenaStart are in the bitmap word at
//
//	arenaStart - (off/wordsPerBitmapWord + 1)*wordSize
//
// at shift off%wordsPerBitmapWord. The four bits are spread over the four
// lanes of the bitmap word:
//
//	bitAllocated     lane 0: the word is the first word of an allocated block
//	bitNoPointers    lane 1: the allocated block contains no pointers
//	bitBlockBoundary lane 1: the word starts a free block (when not allocated)
//	bitMarked        lane 2: the block was found reachable in this cycle
//	bitSpecial       lane 3: the block has a finalizer
//
// Words that are not the first word of a block have all four bits clear.
// Outside of a collection no block is marked.
const (
	wordsPerBitmapWord = wordSize * 8 / 4
	bitShift           = wordsPerBitmapWord

	bitAllocated     = 1 << (bitShift * 0)
	bitNoPointers    = 1 << (bitShift * 1)
	bitBlockBoundary = 1 << (bitShift * 1)
	bitMarked        = 1 << (bitShift * 2)
	bitSpecial       = 1 << (bitShift * 3)

	bitMask = bitBlockBoundary | bitAllocated | bitMarked | bitSpecial

	// All the allocated bits of a bitmap word.
	bitAllocatedLane = 1<<bitShift - 1
)

// bitp returns the address of the bitmap word describing p, and the shift
// of p's bits in that word.
func (a *arena) bitp(p uintptr) (addr, shift uintptr) {
	off := (p - a.arenaStart) / wordSize
	addr = a.arenaStart - (off/wordsPerBitmapWord+1)*wordSize
	if addr < a.arenaStart-a.bitmapMapped {
		throwAt("bitmap access beyond the mapped bitmap", p)
	}
	return addr, off % wordsPerBitmapWord
}

// bits returns the four bits of p, shifted down to lane 0.
func (a *arena) bits(p uintptr) uintptr {
	b, shift := a.bitp(p)
	return (a.load(b) >> shift) & bitMask
}

// updateBits sets the bits of p in the bitmap word to bits, leaving the
// other words' bits alone. With atomic set it uses a CAS loop, so that
// concurrent updates of other words sharing the bitmap word are not lost.
func (a *arena) updateBits(p, clearBits, setBits uintptr, atomic bool) {
	b, shift := a.bitp(p)
	for {
		obits := a.load(b)
		nbits := obits&^(clearBits<<shift) | setBits<<shift
		if !atomic {
			a.store(b, nbits)
			return
		}
		if a.cas(b, obits, nbits) {
			return
		}
	}
}

// markAllocated marks the block at p as allocated. The block must be free.
func (a *arena) markAllocated(p uintptr, noptr, atomic bool) {
	bits := uintptr(bitAllocated)
	if noptr {
		bits |= bitNoPointers
	}
	a.updateBits(p, bitMask, bits, atomic)
}

// markFreed marks the block at p as free.
func (a *arena) markFreed(p uintptr, atomic bool) {
	a.updateBits(p, bitMask, bitBlockBoundary, atomic)
}

// checkFreed fails if the block at p is not free.
func (a *arena) checkFreed(p uintptr) {
	if a.bits(p)&bitMask != bitBlockBoundary {
		throwAt("object is not free", p)
	}
}

// markSpan marks the n blocks of size bytes starting at base as free block
// boundaries. If leftover is set, the bytes following the last block are
// marked as a block too, so that findObject never walks into them from the
// next span. The span must not be in use, so plain stores are fine.
func (a *arena) markSpan(base, size, n uintptr, leftover bool) {
	if base+size*n > a.arenaUsed {
		throwAt("markSpan: arena overflow", base)
	}
	if leftover {
		n++
	}
	for i := uintptr(0); i < n; i++ {
		a.updateBits(base+i*size, bitMask, bitBlockBoundary, false)
	}
}

// unmarkSpan clears all the bits describing the n bytes at p.
func (a *arena) unmarkSpan(p, n uintptr) {
	nw := n / wordSize
	if nw%wordsPerBitmapWord != 0 {
		throwAt("unmarkSpan: unaligned length", p)
	}
	// The bitmap grows down, so the word describing the last heap word is
	// the lowest one.
	last, _ := a.bitp(p + n - wordSize)
	clear(a.words(last, nw/wordsPerBitmapWord))
}

// isSpecial reports whether the block at p has a finalizer attached.
func (a *arena) isSpecial(p uintptr) bool {
	return a.bits(p)&bitSpecial != 0
}

// setSpecial sets or clears the special bit of the block at p.
func (a *arena) setSpecial(p uintptr, special bool) {
	if special {
		a.updateBits(p, 0, bitSpecial, true)
	} else {
		a.updateBits(p, bitSpecial, 0, true)
	}
}

// setMarked marks the block at p. It reports whether this call changed the
// mark bit from 0 to 1. With atomic set, concurrent callers are serialised
// by CAS and exactly one of them wins.
func (a *arena) setMarked(p uintptr, atomic bool) bool {
	b, shift := a.bitp(p)
	for {
		obits := a.load(b)
		if obits&(bitMarked<<shift) != 0 {
			return false
		}
		if !atomic {
			a.store(b, obits|bitMarked<<shift)
			return true
		}
		if a.cas(b, obits, obits|bitMarked<<shift) {
			return true
		}
	}
}

// clearMarked clears the mark bit of the block at p.
func (a *arena) clearMarked(p uintptr, atomic bool) {
	a.updateBits(p, bitMarked, 0, atomic)
}
