package lfstack

import (
	"fmt"
	"unsafe"
)

// An Encoding describes how a node address and a generation counter share a
// single 64-bit word.
//
// HighBits assumes the address fits in the low addrBits bits of the address
// space (true for 48-bit virtual address spaces) and shifts the address into
// the top of the word, leaving the bottom for the counter. The low three
// bits of the address are always zero because nodes are word aligned, so the
// counter gets those as well.
//
// LowBits keeps the address where it is and stores the counter in the low
// bits that are known to be zero because of alignment. This works for any
// address space layout but the counter is much smaller, so it wraps around
// quickly.
type Encoding struct {
	name     string
	addrBits uint
	cntBits  uint
	low      bool
}

const ptrBits = 8 * uint(unsafe.Sizeof(uintptr(0)))

var (
	HighBits = Encoding{
		name:     "high",
		addrBits: min(48, ptrBits),
		cntBits:  64 - min(48, ptrBits) + 3,
	}
	LowBits = Encoding{
		name:    "low",
		cntBits: 3,
		low:     true,
	}
)

// Tagged is a packed {pointer, generation} pair.
type Tagged uint64

// String returns the name of the encoding, for debugging.
func (e Encoding) String() string {
	return e.name
}

// Pack packs addr together with the low bits of cnt.
func (e Encoding) Pack(addr, cnt uintptr) Tagged {
	mask := uint64(1)<<e.cntBits - 1
	if e.low {
		return Tagged(uint64(addr) | uint64(cnt)&mask)
	}
	return Tagged(uint64(addr)<<(64-e.addrBits) | uint64(cnt)&mask)
}

// Addr returns the address stored in t.
func (e Encoding) Addr(t Tagged) uintptr {
	if e.low {
		return uintptr(uint64(t) &^ (uint64(1)<<e.cntBits - 1))
	}
	// The arithmetic shift sign-extends addresses in the upper half of the
	// address space.
	return uintptr(int64(t) >> e.cntBits << 3)
}

// Count returns the generation counter stored in t.
func (e Encoding) Count(t Tagged) uintptr {
	return uintptr(uint64(t) & (uint64(1)<<e.cntBits - 1))
}

// Valid reports whether addr survives a round trip through this encoding.
func (e Encoding) Valid(addr uintptr) bool {
	if addr == 0 {
		return false
	}
	return e.Addr(e.Pack(addr, ^uintptr(0))) == addr
}

// validate panics if node cannot be stored in a stack using this encoding.
func (e Encoding) validate(node *Node) {
	addr := uintptr(unsafe.Pointer(node))
	if !e.Valid(addr) {
		panic(fmt.Sprintf("lfstack: invalid node address %#x for %s encoding", addr, e))
	}
}
