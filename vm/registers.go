package vm

import (
	"github.com/chazu/verdict/object"
)

// DefaultStackSize is the evaluation stack capacity.
const DefaultStackSize = 16384

// stack is the bounded evaluation stack.
type stack struct {
	items []object.Value
	sp    int
}

func newStack(size int) stack {
	return stack{items: make([]object.Value, size)}
}

func (s *stack) push(v object.Value) {
	if s.sp >= len(s.items) {
		throw(ErrStackOverflow)
	}
	s.items[s.sp] = v
	s.sp++
}

func (s *stack) pop() object.Value {
	if s.sp == 0 {
		throw(ErrStackUnderflow)
	}
	s.sp--
	v := s.items[s.sp]
	s.items[s.sp] = object.Undefined
	return v
}

func (s *stack) peek() object.Value {
	if s.sp == 0 {
		throw(ErrStackUnderflow)
	}
	return s.items[s.sp-1]
}

// at returns a pointer to the slot depth positions below the top, where
// depth 1 is the top itself.
func (s *stack) at(depth int) *object.Value {
	if depth < 1 || depth > s.sp {
		throw(ErrStackUnderflow)
	}
	return &s.items[s.sp-depth]
}

func (s *stack) pushInt(n int64) { s.push(object.FromInt(n)) }

func (s *stack) pushBool(b bool) { s.push(object.FromBool(b)) }

func (s *stack) reset() {
	for i := 0; i < s.sp; i++ {
		s.items[i] = object.Undefined
	}
	s.sp = 0
}

// snapshot copies the live portion of the stack, bottom first.
func (s *stack) snapshot() []object.Value {
	return append([]object.Value(nil), s.items[:s.sp]...)
}

// registers is the register bank: four scratch registers plus the memory
// slots loops use for variables and quantifier counters. Slot indexes come
// from the compiler and are only checked in verdictdebug builds.
type registers struct {
	r1, r2, r3, r4 object.Value
	mem            []object.Value
}

func newRegisters(slots int) registers {
	return registers{mem: make([]object.Value, slots)}
}

func (r *registers) clearScratch() {
	r.r1, r.r2, r.r3, r.r4 = object.Undefined, object.Undefined, object.Undefined, object.Undefined
}

func (r *registers) reset() {
	r.clearScratch()
	for i := range r.mem {
		r.mem[i] = object.Undefined
	}
}

func (r *registers) slot(n uint64) *object.Value {
	if debugChecks {
		checkSlot(n, len(r.mem))
	}
	return &r.mem[n]
}
