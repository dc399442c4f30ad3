// Package lfstack implements a lock-free LIFO stack of intrusive nodes.
//
// The stack head packs a node address together with the node's push count,
// so that a node which is popped and pushed again between another thread's
// load and compare-and-swap of the head does not get mistaken for the old
// head (the ABA problem).
//
// Nodes are referenced from the head only through an integer, so the caller
// must keep every node reachable by other means for as long as it may be on a
// stack.
package lfstack

import (
	"sync/atomic"
	"unsafe"
)

// Node must be the first field of any struct that is pushed on a Stack.
type Node struct {
	next    uint64
	pushcnt uintptr
}

// PushCount returns how many times this node has been pushed.
func (n *Node) PushCount() uintptr {
	return n.pushcnt
}

// Stack is the head of a lock-free stack. The zero value is an empty stack
// using the HighBits encoding.
type Stack struct {
	head uint64
	enc  *Encoding
}

// New returns an empty stack using the given encoding.
func New(enc Encoding) *Stack {
	return &Stack{enc: &enc}
}

func (s *Stack) encoding() *Encoding {
	if s.enc == nil {
		return &HighBits
	}
	return s.enc
}

// Push pushes node onto the stack. The caller relinquishes ownership of node.
func (s *Stack) Push(node *Node) {
	enc := s.encoding()
	enc.validate(node)
	node.pushcnt++
	new := uint64(enc.Pack(uintptr(unsafe.Pointer(node)), node.pushcnt))
	for {
		old := atomic.LoadUint64(&s.head)
		atomic.StoreUint64(&node.next, old)
		if atomic.CompareAndSwapUint64(&s.head, old, new) {
			return
		}
	}
}

// Pop removes the top node from the stack and returns it, or nil if the
// stack is empty. The caller becomes the owner of the returned node.
func (s *Stack) Pop() unsafe.Pointer {
	enc := s.encoding()
	for {
		old := atomic.LoadUint64(&s.head)
		if old == 0 {
			return nil
		}
		node := (*Node)(unsafe.Pointer(enc.Addr(Tagged(old))))
		next := atomic.LoadUint64(&node.next)
		if atomic.CompareAndSwapUint64(&s.head, old, next) {
			return unsafe.Pointer(node)
		}
	}
}

// Empty reports whether the stack was empty at the time of the call.
func (s *Stack) Empty() bool {
	return atomic.LoadUint64(&s.head) == 0
}
