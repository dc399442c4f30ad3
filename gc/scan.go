package gc

import (
	"github.com/tinygo-org/parallelgc/internal/gclayout"
)

const (
	ptrBufSize = 256 // candidate pointers staged before resolving them
	objBufSize = 128 // found objects staged before pushing them to a workbuf
)

// ptrTarget is a candidate pointer found while scanning. If typed is set,
// ti describes the pointee; otherwise its type is looked up in its span.
type ptrTarget struct {
	p     uintptr
	ti    gclayout.Desc
	typed bool
}

// scanFrame is an entry of the scan program interpreter's stack: either a
// program invocation or an array loop inside one.
type scanFrame struct {
	prog *gclayout.Program
	pc   int
	base uintptr // offsets are relative to base

	loop   bool
	loopPC int     // first instruction of the loop body
	count  uintptr // iterations left, including the current one
	stride uintptr
}

// scanState is the per-worker state of the mark phase.
type scanState struct {
	c    *Collector
	wbuf *workbuf

	ptrbuf [ptrBufSize]ptrTarget
	nptr   int
	objbuf [objBufSize]Obj
	nobj   int
	stack  []scanFrame

	// When set, found objects are checked against the mark bits instead
	// of being marked. See verifyMarks.
	verify *verifier

	nscanned uint64 // objects and roots scanned
	nmarked  uint64 // objects marked by this worker
}

func (st *scanState) reset() {
	st.wbuf = nil
	st.nptr = 0
	st.nobj = 0
	st.stack = st.stack[:0]
	st.verify = nil
	st.nscanned = 0
	st.nmarked = 0
}

// enqueue adds a range to the worker's workbuf.
func (st *scanState) enqueue(obj Obj) {
	w := &st.c.work
	if st.wbuf == nil {
		st.wbuf = w.getEmpty(nil)
	} else if st.wbuf.nobj == uintptr(len(st.wbuf.obj)) {
		st.wbuf = w.getEmpty(st.wbuf)
	}
	st.wbuf.obj[st.wbuf.nobj] = obj
	st.wbuf.nobj++
}

// scanblock scans the objects in the worker's workbuf, and everything
// reachable from them. With keepworking set it continues with work from
// other workers until the mark phase terminates.
func (st *scanState) scanblock(keepworking bool) {
	c := st.c
	w := &c.work
	threshold := uintptr(c.cfg.HandoffThreshold)
	for {
		if st.wbuf == nil || st.wbuf.nobj == 0 {
			// Publish what was found so far; it may refill wbuf.
			st.flushptrbuf()
			st.flushobjbuf()
			if st.wbuf != nil && st.wbuf.nobj > 0 {
				continue
			}
			if !keepworking {
				if st.wbuf != nil {
					w.putEmpty(st.wbuf)
					st.wbuf = nil
				}
				return
			}
			st.wbuf = w.getFull(st.wbuf)
			if st.wbuf == nil {
				return
			}
			continue
		}

		// Share half of the work if other workers are idle and there is
		// nothing else for them.
		if w.nproc > 1 && st.wbuf.nobj > threshold && w.nwait.Load() > 0 && w.full.Empty() {
			st.wbuf = w.handoff(st.wbuf)
		}

		st.wbuf.nobj--
		obj := st.wbuf.obj[st.wbuf.nobj]
		st.wbuf.obj[st.wbuf.nobj] = Obj{}
		st.scanobj(obj)
	}
}

// scanobj finds the pointers in obj and stages them.
func (st *scanState) scanobj(obj Obj) {
	st.nscanned++
	if obj.N == 0 || obj.Ti.PointerFree() {
		return
	}
	if !obj.Ti.IsPrecise() {
		st.scanConservative(obj.P, obj.N)
		return
	}
	prog := obj.Ti.Program()
	if obj.N < prog.Size {
		throwAt("range is smaller than its scan program", obj.P)
	}
	// Larger objects hold an array of the program's type.
	for base := obj.P; base+prog.Size <= obj.P+obj.N; base += prog.Size {
		st.run(prog, base)
	}
}

// scanConservative treats every aligned word of [p, p+n) as a possible
// pointer.
func (st *scanState) scanConservative(p, n uintptr) {
	c := st.c
	for end := p + n; p+wordSize <= end; p += wordSize {
		if v := c.load(p); c.inArena(v) {
			st.addPtr(ptrTarget{p: v})
		}
	}
}

// run interprets prog for the element at base.
func (st *scanState) run(prog *gclayout.Program, base uintptr) {
	c := st.c
	stack := append(st.stack[:0], scanFrame{prog: prog, base: base})
	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		if f.pc >= len(f.prog.Insns) {
			if f.loop {
				throw("array loop runs off the end of its program")
			}
			stack = stack[:len(stack)-1]
			continue
		}
		insn := &f.prog.Insns[f.pc]
		f.pc++
		addr := f.base + insn.Offset
		switch insn.Op {
		case gclayout.OpEnd:
			if f.loop {
				throw("end instruction inside an array loop")
			}
			stack = stack[:len(stack)-1]
		case gclayout.OpPtr:
			if v := c.load(addr); c.inArena(v) {
				st.addPtr(ptrTarget{p: v, ti: gclayout.Precise(insn.Elem), typed: true})
			}
		case gclayout.OpAPtr, gclayout.OpDefaultPtr:
			if v := c.load(addr); c.inArena(v) {
				st.addPtr(ptrTarget{p: v})
			}
		case gclayout.OpString:
			v := c.load(addr)
			if c.load(addr+wordSize) != 0 && c.inArena(v) {
				st.addPtr(ptrTarget{p: v, ti: gclayout.Precise(gclayout.NoPtrs), typed: true})
			}
		case gclayout.OpSlice:
			v := c.load(addr)
			if c.load(addr+2*wordSize) != 0 && c.inArena(v) {
				if insn.Elem != nil {
					st.addPtr(ptrTarget{p: v, ti: gclayout.Precise(insn.Elem), typed: true})
				} else {
					st.addPtr(ptrTarget{p: v})
				}
			}
		case gclayout.OpEface:
			id := typeID(c.load(addr))
			if id == 0 {
				break
			}
			typ := c.typeByID(id)
			if v := c.load(addr + wordSize); c.inArena(v) {
				st.addPtr(ptrTarget{p: v, ti: gclayout.Precise(typ), typed: true})
			}
		case gclayout.OpArrayStart:
			stack = append(stack, scanFrame{
				prog:   f.prog,
				pc:     f.pc,
				base:   addr,
				loop:   true,
				loopPC: f.pc,
				count:  insn.Count,
				stride: insn.Stride,
			})
		case gclayout.OpArrayNext:
			if !f.loop {
				throw("array next without array start")
			}
			f.count--
			if f.count > 0 {
				f.base += f.stride
				f.pc = f.loopPC
				break
			}
			// Continue after the loop in the enclosing frame.
			pc := f.pc
			stack = stack[:len(stack)-1]
			stack[len(stack)-1].pc = pc
		case gclayout.OpCall:
			stack = append(stack, scanFrame{prog: insn.Elem, base: addr})
		case gclayout.OpRegion:
			st.addObj(Obj{P: addr, N: insn.Len, Ti: gclayout.Precise(insn.Elem)})
		default:
			throwAt("unknown scan opcode "+insn.Op.String(), addr)
		}
	}
	st.stack = stack[:0]
}

func (st *scanState) addPtr(t ptrTarget) {
	if st.verify != nil {
		st.verify.check(st, t)
		return
	}
	st.ptrbuf[st.nptr] = t
	st.nptr++
	if st.nptr == len(st.ptrbuf) {
		st.flushptrbuf()
	}
}

func (st *scanState) addObj(obj Obj) {
	if st.verify != nil {
		st.verify.push(obj)
		return
	}
	st.objbuf[st.nobj] = obj
	st.nobj++
	if st.nobj == len(st.objbuf) {
		st.flushobjbuf()
	}
}

// flushptrbuf resolves the staged candidate pointers, marks the objects
// they point to and stages the newly marked objects that contain pointers.
func (st *scanState) flushptrbuf() {
	c := st.c
	atomic := c.work.nproc > 1
	n := st.nptr
	st.nptr = 0
	for i := 0; i < n; i++ {
		t := st.ptrbuf[i]
		st.ptrbuf[i] = ptrTarget{}
		obj, bits, s := c.findObject(t.p)
		if s == nil || bits&bitAllocated == 0 || bits&bitMarked != 0 {
			continue
		}
		if !c.setMarked(obj, atomic) {
			// Another worker got there first.
			continue
		}
		st.nmarked++
		if bits&bitNoPointers != 0 {
			continue
		}
		ti := t.ti
		if !t.typed || t.p != obj {
			ti = c.typeOf(s, obj)
		}
		st.addObj(Obj{P: obj, N: s.elemsize, Ti: ti})
	}
}

// flushobjbuf moves the staged objects to the worker's workbuf.
func (st *scanState) flushobjbuf() {
	n := st.nobj
	st.nobj = 0
	for i := 0; i < n; i++ {
		st.enqueue(st.objbuf[i])
		st.objbuf[i] = Obj{}
	}
}

// findObject returns the start of the block containing p, its bitmap bits
// and its span. s is nil if p is not inside an in-use span.
func (c *Collector) findObject(p uintptr) (obj, bits uintptr, s *mspan) {
	s = c.spanOf(p)
	if s == nil || s.state != spanInUse {
		return 0, 0, nil
	}
	p &^= wordSize - 1
	b, shift := c.bitp(p)
	xbits := c.load(b)

	// Pointing at the first word of a block.
	if bits = xbits >> shift; bits&(bitAllocated|bitBlockBoundary) != 0 {
		return p, bits & bitMask, s
	}

	// Otherwise look back for the start of the block in this bitmap word.
	for j := shift; j > 0; {
		j--
		if bits = xbits >> j; bits&(bitAllocated|bitBlockBoundary) != 0 {
			return p - (shift-j)*wordSize, bits & bitMask, s
		}
	}

	// Fall back to the span.
	base := c.spanBase(s)
	obj = base
	if s.sizeclass != 0 {
		obj += (p - base) / s.elemsize * s.elemsize
	}
	return obj, c.bits(obj), s
}
