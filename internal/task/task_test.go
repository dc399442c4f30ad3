package task

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// testMemory is a trivial Memory backed by a map.
type testMemory struct {
	words map[uintptr]uintptr
	next  uintptr
	freed int
}

func newTestMemory() *testMemory {
	return &testMemory{words: make(map[uintptr]uintptr), next: 0x1000}
}

func (m *testMemory) Load(addr uintptr) uintptr  { return m.words[addr] }
func (m *testMemory) Store(addr, val uintptr)    { m.words[addr] = val }
func (m *testMemory) FreeStack(lo, size uintptr) { m.freed++ }
func (m *testMemory) AllocStack(size uintptr) (uintptr, error) {
	lo := m.next
	m.next += size + 0x100
	return lo, nil
}

func TestPushPop(t *testing.T) {
	var l List
	mem := newTestMemory()
	tk := l.Start(mem, 4*wordSize)
	for i := uintptr(1); i <= 10; i++ {
		if _, err := tk.Push(i); err != nil {
			t.Fatalf("Push(%d) returned %v", i, err)
		}
	}
	if tk.Depth() != 10 {
		t.Errorf("Depth returned %d, want 10", tk.Depth())
	}
	if n := tk.Segments(); n != 3 {
		t.Errorf("Segments returned %d, want 3", n)
	}
	for i := uintptr(10); i >= 1; i-- {
		v, err := tk.Pop()
		if err != nil || v != i {
			t.Fatalf("Pop returned %d, %v, want %d, nil", v, err, i)
		}
	}
	if _, err := tk.Pop(); !errors.Is(err, ErrStackUnderflow) {
		t.Errorf("Pop on empty stack returned %v, want %v", err, ErrStackUnderflow)
	}
	if mem.freed != 2 {
		t.Errorf("freed %d segments, want 2", mem.freed)
	}
}

func TestScanStack(t *testing.T) {
	var l List
	mem := newTestMemory()
	tk := l.Start(mem, 4*wordSize)
	want := make(map[uintptr]bool)
	for i := uintptr(1); i <= 6; i++ {
		addr, err := tk.Push(i * 100)
		if err != nil {
			t.Fatal(err)
		}
		want[addr] = true
	}
	got := make(map[uintptr]bool)
	ranges := 0
	tk.ScanStack(func(lo, hi uintptr) {
		ranges++
		for a := lo; a < hi; a += wordSize {
			got[a] = true
		}
	})
	if ranges != 2 {
		t.Errorf("ScanStack reported %d ranges, want 2", ranges)
	}
	if len(got) != len(want) {
		t.Errorf("ScanStack covered %d words, want %d", len(got), len(want))
	}
	for a := range want {
		if !got[a] {
			t.Errorf("slot %#x not covered by ScanStack", a)
		}
	}
}

func TestExit(t *testing.T) {
	var l List
	mem := newTestMemory()
	a := l.Start(mem, 8*wordSize)
	b := l.Start(mem, 8*wordSize)
	if l.Len() != 2 {
		t.Fatalf("Len returned %d, want 2", l.Len())
	}
	a.Push(1)
	if err := a.Exit(); err != nil {
		t.Errorf("Exit returned %v", err)
	}
	if err := a.Exit(); !errors.Is(err, ErrExited) {
		t.Errorf("second Exit returned %v, want %v", err, ErrExited)
	}
	if l.Len() != 1 {
		t.Errorf("Len returned %d, want 1", l.Len())
	}
	l.StopTheWorld()
	var seen []*Task
	l.Each(func(t *Task) { seen = append(seen, t) })
	l.StartTheWorld()
	if len(seen) != 1 || seen[0] != b {
		t.Errorf("Each visited %v, want [%v]", seen, b)
	}
}

func TestStopTheWorldBlocksMutators(t *testing.T) {
	var l List
	l.StopTheWorld()
	if !l.Stopped() {
		t.Fatalf("Stopped returned false after StopTheWorld")
	}

	entered := make(chan struct{})
	go func() {
		l.EnterMutator()
		close(entered)
		l.ExitMutator()
	}()
	select {
	case <-entered:
		t.Fatalf("mutator entered while the world was stopped")
	case <-time.After(20 * time.Millisecond):
	}
	l.StartTheWorld()
	<-entered
	// Resuming twice is harmless.
	l.StartTheWorld()
}

func TestQueue(t *testing.T) {
	var q Queue
	tasks := []*Task{{id: 1}, {id: 2}, {id: 3}}
	for _, tk := range tasks {
		q.Push(tk)
	}
	if !q.Remove(tasks[1]) {
		t.Errorf("Remove returned false for a queued task")
	}
	if q.Remove(tasks[1]) {
		t.Errorf("Remove returned true for a removed task")
	}
	if got := q.Pop(); got != tasks[0] {
		t.Errorf("Pop returned %v, want %v", got, tasks[0])
	}
	if got := q.Pop(); got != tasks[2] {
		t.Errorf("Pop returned %v, want %v", got, tasks[2])
	}
	if !q.Empty() || q.Len() != 0 {
		t.Errorf("queue not empty after popping everything")
	}
	// Removing the tail must update it.
	q.Push(tasks[0])
	q.Push(tasks[1])
	q.Remove(tasks[1])
	q.Push(tasks[2])
	var ids []uintptr
	q.Each(func(t *Task) { ids = append(ids, t.id) })
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Errorf("queue contains %v, want [1 3]", ids)
	}
}

func TestNote(t *testing.T) {
	var n Note
	n.Clear()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.Sleep()
		}()
	}
	n.Wakeup()
	wg.Wait()
	// A woken note doesn't block.
	n.Sleep()
}

func TestSemaphore(t *testing.T) {
	s := NewSemaphore(1)
	s.Wait()
	if s.TryWait() {
		t.Fatalf("TryWait succeeded on a held semaphore")
	}
	released := make(chan struct{})
	go func() {
		s.Wait()
		close(released)
		s.Post()
	}()
	select {
	case <-released:
		t.Fatalf("second Wait did not block")
	case <-time.After(10 * time.Millisecond):
	}
	s.Post()
	<-released
}
