package lfstack

import (
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"
)

type testNode struct {
	Node
	id   int
	seen int32
}

func toTestNode(p unsafe.Pointer) *testNode {
	return (*testNode)(p)
}

func TestEncodingRoundTrip(t *testing.T) {
	nodes := make([]testNode, 4)
	for _, enc := range []Encoding{HighBits, LowBits} {
		for i := range nodes {
			addr := uintptr(unsafe.Pointer(&nodes[i]))
			if !enc.Valid(addr) {
				t.Fatalf("%s: address %#x does not round-trip", enc, addr)
			}
			for _, cnt := range []uintptr{0, 1, 7, 1 << 10, ^uintptr(0)} {
				tagged := enc.Pack(addr, cnt)
				if got := enc.Addr(tagged); got != addr {
					t.Errorf("%s: Addr(Pack(%#x, %d)) returned %#x, want %#x", enc, addr, cnt, got, addr)
				}
				want := cnt & (1<<enc.cntBits - 1)
				if got := enc.Count(tagged); got != want {
					t.Errorf("%s: Count(Pack(%#x, %d)) returned %d, want %d", enc, addr, cnt, got, want)
				}
			}
		}
	}
}

func TestEncodingRejectsUnaligned(t *testing.T) {
	var n testNode
	addr := uintptr(unsafe.Pointer(&n)) + 1
	if HighBits.Valid(addr) {
		t.Errorf("HighBits accepted unaligned address %#x", addr)
	}
	if LowBits.Valid(addr) {
		t.Errorf("LowBits accepted unaligned address %#x", addr)
	}
	if HighBits.Valid(0) {
		t.Errorf("HighBits accepted nil address")
	}
}

func TestGenerationDiffers(t *testing.T) {
	// The same node pushed twice must produce two different head values.
	var s Stack
	var n testNode
	s.Push(&n.Node)
	first := s.head
	s.Pop()
	s.Push(&n.Node)
	if s.head == first {
		t.Errorf("head after re-push is %#x, same as before", s.head)
	}
	if n.PushCount() != 2 {
		t.Errorf("PushCount returned %d, want 2", n.PushCount())
	}
}

func TestPushPop(t *testing.T) {
	for _, enc := range []Encoding{HighBits, LowBits} {
		s := New(enc)
		if !s.Empty() {
			t.Fatalf("%s: new stack is not empty", enc)
		}
		if p := s.Pop(); p != nil {
			t.Errorf("%s: Pop on empty stack returned %p, want nil", enc, p)
		}
		nodes := make([]testNode, 3)
		for i := range nodes {
			nodes[i].id = i
			s.Push(&nodes[i].Node)
		}
		for i := len(nodes) - 1; i >= 0; i-- {
			p := s.Pop()
			if p == nil {
				t.Fatalf("%s: Pop returned nil, want node %d", enc, i)
			}
			if got := toTestNode(p).id; got != i {
				t.Errorf("%s: Pop returned node %d, want %d", enc, got, i)
			}
		}
		if !s.Empty() {
			t.Errorf("%s: stack not empty after popping every node", enc)
		}
	}
}

func TestConcurrentPushPop(t *testing.T) {
	const (
		workers = 8
		perNode = 1000
		nnodes  = 64
	)
	var s Stack
	nodes := make([]testNode, nnodes)
	for i := range nodes {
		nodes[i].id = i
		s.Push(&nodes[i].Node)
	}

	// Every worker repeatedly takes a node, checks it is not owned by
	// anybody else, and gives it back.
	var wg sync.WaitGroup
	var failures atomic.Int32
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perNode; i++ {
				p := s.Pop()
				if p == nil {
					continue
				}
				n := toTestNode(p)
				if !atomic.CompareAndSwapInt32(&n.seen, 0, 1) {
					failures.Add(1)
				}
				atomic.StoreInt32(&n.seen, 0)
				s.Push(&n.Node)
			}
		}()
	}
	wg.Wait()
	if n := failures.Load(); n != 0 {
		t.Fatalf("%d nodes were owned by two workers at once", n)
	}

	// Every node must be on the stack exactly once.
	popped := make(map[int]bool)
	for p := s.Pop(); p != nil; p = s.Pop() {
		n := toTestNode(p)
		if popped[n.id] {
			t.Fatalf("node %d popped twice", n.id)
		}
		popped[n.id] = true
	}
	if len(popped) != nnodes {
		t.Errorf("popped %d nodes, want %d", len(popped), nnodes)
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	const (
		producers = 4
		perProd   = 500
	)
	var s Stack
	nodes := make([]testNode, producers*perProd)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				n := &nodes[p*perProd+i]
				n.id = p*perProd + i
				s.Push(&n.Node)
			}
		}(p)
	}

	var mu sync.Mutex
	got := make(map[int]int)
	var consumers sync.WaitGroup
	var remaining atomic.Int64
	remaining.Store(int64(len(nodes)))
	for c := 0; c < producers; c++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for remaining.Load() > 0 {
				p := s.Pop()
				if p == nil {
					continue
				}
				n := toTestNode(p)
				mu.Lock()
				got[n.id]++
				mu.Unlock()
				remaining.Add(-1)
			}
		}()
	}
	wg.Wait()
	consumers.Wait()

	if len(got) != len(nodes) {
		t.Errorf("consumed %d distinct nodes, want %d", len(got), len(nodes))
	}
	for id, cnt := range got {
		if cnt != 1 {
			t.Errorf("node %d consumed %d times, want 1", id, cnt)
		}
	}
}
