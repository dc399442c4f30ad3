package gc

// Segment is a copy of a range of the collector's memory.
type Segment struct {
	Addr  uintptr
	Words []uintptr
}

// SpanInfo describes an in-use span.
type SpanInfo struct {
	Base      uintptr
	Pages     uintptr
	SizeClass uint8
	ElemSize  uintptr
	Objects   uintptr // number of slots
	Allocated uintptr // number of allocated slots
}

// A Snapshot is a copy of the heap, taken with the world stopped.
type Snapshot struct {
	Base       uintptr // start of the reserved memory
	ArenaStart uintptr
	ArenaUsed  uintptr
	Bitmap     Segment // the bitmap describing [ArenaStart, ArenaUsed)
	Arena      Segment
	Spans      []SpanInfo
	NumGC      uint32
}

// Snapshot copies the heap and its bitmap.
func (c *Collector) Snapshot() *Snapshot {
	c.worldsema.Wait()
	c.tasks.StopTheWorld()
	defer func() {
		c.tasks.StartTheWorld()
		c.worldsema.Post()
	}()

	snap := &Snapshot{
		Base:       c.base,
		ArenaStart: c.arenaStart,
		ArenaUsed:  c.arenaUsed,
	}
	if n := (c.arenaUsed - c.arenaStart) / wordSize; n > 0 {
		last, _ := c.bitp(c.arenaUsed - wordSize)
		snap.Bitmap = Segment{Addr: last, Words: append([]uintptr(nil), c.words(last, (c.arenaStart-last)/wordSize)...)}
		snap.Arena = Segment{Addr: c.arenaStart, Words: append([]uintptr(nil), c.words(c.arenaStart, n)...)}
	}
	for _, s := range c.heap.allspans {
		if s.state != spanInUse {
			continue
		}
		snap.Spans = append(snap.Spans, SpanInfo{
			Base:      c.spanBase(s),
			Pages:     s.npages,
			SizeClass: s.sizeclass,
			ElemSize:  s.elemsize,
			Objects:   s.nelems,
			Allocated: s.ref,
		})
	}
	c.statsLock.Lock()
	snap.NumGC = c.stats.numGC
	c.statsLock.Unlock()
	return snap
}

// Bits returns the four bitmap bits of the heap word at p, shifted down
// to bit 0 (allocated), 16 (no pointers or block boundary), 32 (marked)
// and 48 (special). p must lie in [ArenaStart, ArenaUsed).
func (s *Snapshot) Bits(p uintptr) uintptr {
	off := (p - s.ArenaStart) / wordSize
	b := s.ArenaStart - (off/wordsPerBitmapWord+1)*wordSize
	w := s.Bitmap.Words[(b-s.Bitmap.Addr)/wordSize]
	return (w >> (off % wordsPerBitmapWord)) & bitMask
}

// Allocated reports whether an object starts at p.
func (s *Snapshot) Allocated(p uintptr) bool {
	return s.Bits(p)&bitAllocated != 0
}
