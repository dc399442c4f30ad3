// Package gclayout describes how the collector finds pointers inside a heap
// object or root range.
//
// A range is scanned either conservatively (every aligned word that looks
// like a heap pointer is treated as one) or precisely, by interpreting a
// small program attached to the object's type. Programs are lists of
// instructions; offsets are in bytes relative to the start of the
// enclosing element. When an object is larger than its program's Size, the
// program is repeated for every Size bytes of the object, which is how
// arrays and slice backing stores are described.
package gclayout

import (
	"errors"
	"fmt"
	"unsafe"
)

const wordSize = unsafe.Sizeof(uintptr(0))

// Op is a scan program opcode.
type Op uint8

const (
	OpEnd        Op = iota // end of program
	OpPtr                  // typed pointer at Offset, pointee described by Elem
	OpAPtr                 // pointer at Offset, pointee type taken from the heap
	OpDefaultPtr           // word at Offset that may or may not be a pointer
	OpString               // {ptr, len} at Offset, pointee holds no pointers
	OpSlice                // {ptr, len, cap} at Offset, elements described by Elem
	OpEface                // {type id, data} at Offset
	OpArrayStart           // Count elements at Offset, Stride bytes apart; body follows
	OpArrayNext            // end of array body
	OpCall                 // nested program Elem at Offset
	OpRegion               // Len bytes at Offset, scanned as a separate unit using Elem
	numOps
)

var opNames = [...]string{
	OpEnd:        "end",
	OpPtr:        "ptr",
	OpAPtr:       "aptr",
	OpDefaultPtr: "defaultptr",
	OpString:     "string",
	OpSlice:      "slice",
	OpEface:      "eface",
	OpArrayStart: "arraystart",
	OpArrayNext:  "arraynext",
	OpCall:       "call",
	OpRegion:     "region",
}

func (op Op) String() string {
	if op < numOps {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// Insn is a single scan instruction.
type Insn struct {
	Op     Op
	Offset uintptr
	Count  uintptr // OpArrayStart
	Stride uintptr // OpArrayStart
	Len    uintptr // OpRegion
	Elem   *Program
}

// Program is the scan program of a type.
type Program struct {
	Name  string
	Size  uintptr
	Insns []Insn
}

// PointerFree reports whether objects of this type never contain pointers.
func (p *Program) PointerFree() bool {
	for _, insn := range p.Insns {
		if insn.Op != OpEnd {
			return false
		}
	}
	return true
}

func (p *Program) String() string {
	if p == nil {
		return "<conservative>"
	}
	return p.Name
}

var (
	errBadSize    = errors.New("size must be a non-zero multiple of the word size")
	errUnbalanced = errors.New("unbalanced array start/next")
)

// Validate checks the structure of the program and of all nested programs.
// The collector validates programs once, when they are registered, so that
// the scanner only needs to guard against corrupted instructions.
func (p *Program) Validate() error {
	return p.validate(make(map[*Program]bool))
}

func (p *Program) validate(seen map[*Program]bool) error {
	if seen[p] {
		return nil
	}
	seen[p] = true
	if p.Size == 0 || p.Size%wordSize != 0 {
		return fmt.Errorf("gclayout: %s: %w", p.Name, errBadSize)
	}
	depth := 0
	for i, insn := range p.Insns {
		if insn.Offset%wordSize != 0 {
			return fmt.Errorf("gclayout: %s: insn %d (%s): unaligned offset %d", p.Name, i, insn.Op, insn.Offset)
		}
		switch insn.Op {
		case OpEnd:
			if i != len(p.Insns)-1 {
				return fmt.Errorf("gclayout: %s: insn %d: end before last instruction", p.Name, i)
			}
		case OpPtr, OpCall, OpRegion:
			if insn.Elem == nil {
				return fmt.Errorf("gclayout: %s: insn %d (%s): missing element program", p.Name, i, insn.Op)
			}
			if insn.Op == OpRegion && (insn.Len == 0 || insn.Len%wordSize != 0) {
				return fmt.Errorf("gclayout: %s: insn %d (region): bad length %d", p.Name, i, insn.Len)
			}
		case OpAPtr, OpDefaultPtr, OpString, OpSlice, OpEface:
		case OpArrayStart:
			if insn.Count == 0 || insn.Stride == 0 || insn.Stride%wordSize != 0 {
				return fmt.Errorf("gclayout: %s: insn %d (arraystart): bad count %d or stride %d", p.Name, i, insn.Count, insn.Stride)
			}
			depth++
		case OpArrayNext:
			depth--
			if depth < 0 {
				return fmt.Errorf("gclayout: %s: insn %d: %w", p.Name, i, errUnbalanced)
			}
		default:
			return fmt.Errorf("gclayout: %s: insn %d: unknown opcode %s", p.Name, i, insn.Op)
		}
		if insn.Elem != nil {
			if err := insn.Elem.validate(seen); err != nil {
				return err
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("gclayout: %s: %w", p.Name, errUnbalanced)
	}
	return nil
}

// Predefined programs for the most common shapes.
var (
	NoPtrs  = &Program{Name: "noptrs", Size: wordSize}
	Pointer = &Program{Name: "pointer", Size: wordSize, Insns: []Insn{{Op: OpAPtr}, {Op: OpEnd}}}
	String  = &Program{Name: "string", Size: 2 * wordSize, Insns: []Insn{{Op: OpString}, {Op: OpEnd}}}
	Slice   = &Program{Name: "slice", Size: 3 * wordSize, Insns: []Insn{{Op: OpSlice}, {Op: OpEnd}}}
	Eface   = &Program{Name: "eface", Size: 2 * wordSize, Insns: []Insn{{Op: OpEface}, {Op: OpEnd}}}
)

// SliceOf returns the program of a slice header whose elements are
// described by elem.
func SliceOf(elem *Program) *Program {
	return &Program{
		Name:  "[]" + elem.Name,
		Size:  3 * wordSize,
		Insns: []Insn{{Op: OpSlice, Elem: elem}, {Op: OpEnd}},
	}
}

// PointerTo returns the program of a single pointer to elem.
func PointerTo(elem *Program) *Program {
	return &Program{
		Name:  "*" + elem.Name,
		Size:  wordSize,
		Insns: []Insn{{Op: OpPtr, Elem: elem}, {Op: OpEnd}},
	}
}

// ArrayOf returns the program of an array of n elems.
func ArrayOf(n uintptr, elem *Program) *Program {
	p := &Program{
		Name: fmt.Sprintf("[%d]%s", n, elem.Name),
		Size: n * elem.Size,
	}
	if elem.PointerFree() {
		return p
	}
	p.Insns = []Insn{
		{Op: OpArrayStart, Count: n, Stride: elem.Size},
		{Op: OpCall, Elem: elem},
		{Op: OpArrayNext},
		{Op: OpEnd},
	}
	return p
}

// Desc is the scan descriptor attached to a range: either Conservative or
// Precise with a program. The zero value is Conservative.
type Desc struct {
	prog *Program
}

// Conservative scans every aligned word of a range as a potential pointer.
var Conservative = Desc{}

// Precise returns a descriptor that scans a range using p.
func Precise(p *Program) Desc {
	return Desc{prog: p}
}

// IsPrecise reports whether the descriptor carries a program.
func (d Desc) IsPrecise() bool {
	return d.prog != nil
}

// Program returns the scan program, or nil for a conservative descriptor.
func (d Desc) Program() *Program {
	return d.prog
}

// PointerFree reports whether a range with this descriptor never needs to be
// scanned.
func (d Desc) PointerFree() bool {
	return d.prog != nil && d.prog.PointerFree()
}

func (d Desc) String() string {
	return d.prog.String()
}
