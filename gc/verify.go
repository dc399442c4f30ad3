package gc

// A verifier walks the object graph serially after the parallel mark phase
// and fails if it reaches an object that was not marked. It shares the
// scanner with the mark phase: with scanState.verify set, candidate pointers
// are checked instead of marked.
type verifier struct {
	seen  map[uintptr]bool
	queue []Obj
}

func (v *verifier) check(st *scanState, t ptrTarget) {
	c := st.c
	obj, bits, s := c.findObject(t.p)
	if s == nil || bits&bitAllocated == 0 {
		return
	}
	if bits&bitMarked == 0 {
		throwAt("reachable object was not marked", obj)
	}
	if v.seen[obj] || bits&bitNoPointers != 0 {
		return
	}
	v.seen[obj] = true
	ti := t.ti
	if !t.typed || t.p != obj {
		ti = c.typeOf(s, obj)
	}
	v.queue = append(v.queue, Obj{P: obj, N: s.elemsize, Ti: ti})
}

func (v *verifier) push(obj Obj) {
	v.queue = append(v.queue, obj)
}

// verifyMarks rescans everything reachable from the roots, serially.
func (c *Collector) verifyMarks() {
	st := c.getScanState()
	defer c.putScanState(st)
	v := &verifier{seen: make(map[uintptr]bool)}
	st.verify = v
	for _, root := range c.work.roots {
		v.push(root.obj())
	}
	for len(v.queue) > 0 {
		obj := v.queue[len(v.queue)-1]
		v.queue = v.queue[:len(v.queue)-1]
		st.scanobj(obj)
	}
	st.nscanned = 0
}
