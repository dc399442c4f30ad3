package gc

import (
	"errors"
	"fmt"
)

// FatalError is the panic value of an unrecoverable collector error: the
// heap is inconsistent and the collector cannot continue.
type FatalError struct {
	Msg  string
	Addr uintptr // offending address, if any
}

func (e *FatalError) Error() string {
	if e.Addr != 0 {
		return fmt.Sprintf("gc: %s (address %#x)", e.Msg, e.Addr)
	}
	return "gc: " + e.Msg
}

// throw reports a fatal error.
func throw(msg string) {
	panic(&FatalError{Msg: msg})
}

func throwAt(msg string, addr uintptr) {
	panic(&FatalError{Msg: msg, Addr: addr})
}

var (
	// ErrOutOfMemory is returned by Alloc when the request cannot be
	// satisfied, even after a collection.
	ErrOutOfMemory = errors.New("gc: out of memory")

	// ErrNotHeapObject is returned when an address does not refer to the
	// start of an allocated heap object.
	ErrNotHeapObject = errors.New("gc: not the start of a heap object")

	// ErrClosed is returned when using a collector after Close.
	ErrClosed = errors.New("gc: collector is closed")

	// ErrBroken is returned when using a collector after a collection
	// failed with a fatal error.
	ErrBroken = errors.New("gc: collector stopped by a fatal error")
)
