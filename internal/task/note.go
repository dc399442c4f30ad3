package task

import "sync"

// Note is a one-shot event: one or more goroutines sleep on it until it is
// woken up. It must be cleared before reuse.
type Note struct {
	mu sync.Mutex
	ch chan struct{}
}

// Clear resets the note. No goroutine may be sleeping on it.
func (n *Note) Clear() {
	n.mu.Lock()
	n.ch = make(chan struct{})
	n.mu.Unlock()
}

func (n *Note) channel() chan struct{} {
	n.mu.Lock()
	if n.ch == nil {
		n.ch = make(chan struct{})
	}
	ch := n.ch
	n.mu.Unlock()
	return ch
}

// Wakeup wakes all sleepers. Waking a note twice without clearing it panics.
func (n *Note) Wakeup() {
	close(n.channel())
}

// Sleep blocks until the note is woken up.
func (n *Note) Sleep() {
	<-n.channel()
}
