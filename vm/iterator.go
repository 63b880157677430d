package vm

import (
	"math"

	"github.com/chazu/verdict/object"
)

// iterator is the state behind one `for` loop. next pushes the exhaustion
// flag followed by the loop item(s); an exhausted iterator pushes 1 and
// undefined placeholders and stays put.
type iterator interface {
	next(s *stack)
}

// arrayIter walks array items; holes yield undefined.
type arrayIter struct {
	array *object.Object
	index int
}

func (it *arrayIter) next(s *stack) {
	if it.index >= it.array.Len() {
		s.pushBool(true)
		s.push(object.Undefined)
		return
	}
	s.pushBool(false)
	s.push(object.FromObject(it.array.Index(int64(it.index))))
	it.index++
}

// dictIter walks dictionary entries in insertion order, pushing value then key.
type dictIter struct {
	dict  *object.Object
	index int
}

func (it *dictIter) next(s *stack) {
	keys := it.dict.Keys()
	if it.index >= len(keys) {
		s.pushBool(true)
		s.push(object.Undefined)
		s.push(object.Undefined)
		return
	}
	key := keys[it.index]
	s.pushBool(false)
	s.push(object.FromObject(it.dict.Lookup(key)))
	s.push(object.FromString(key))
	it.index++
}

// rangeIter yields every integer in [cur, last].
type rangeIter struct {
	cur, last int64
	done      bool
}

func newRangeIter(lo, hi object.Value) *rangeIter {
	if !lo.IsInt() || !hi.IsInt() || lo.Int() > hi.Int() {
		return &rangeIter{done: true}
	}
	return &rangeIter{cur: lo.Int(), last: hi.Int()}
}

func (it *rangeIter) next(s *stack) {
	if it.done {
		s.pushBool(true)
		s.push(object.Undefined)
		return
	}
	s.pushBool(false)
	s.pushInt(it.cur)
	if it.cur == it.last || it.cur == math.MaxInt64 {
		it.done = true
	} else {
		it.cur++
	}
}

// listIter yields a fixed list of values. It backs integer enumerations,
// pattern sets and text string sets.
type listIter struct {
	items []object.Value
	index int
}

func (it *listIter) next(s *stack) {
	if it.index >= len(it.items) {
		s.pushBool(true)
		s.push(object.Undefined)
		return
	}
	s.pushBool(false)
	s.push(it.items[it.index])
	it.index++
}

// popList pops a count followed by that many values pushed before it.
func popList(s *stack) []object.Value {
	n := s.pop()
	if !n.IsInt() || n.Int() < 0 || n.Int() > int64(s.sp) {
		throwf(ErrContractViolation, "bad list length %s", n)
	}
	items := make([]object.Value, n.Int())
	for i := len(items) - 1; i >= 0; i-- {
		items[i] = s.pop()
	}
	return items
}

// iterators is the fixed array of per-nesting-level iterator slots.
type iterators struct {
	slots []iterator
	depth int
}

func newIterators(maxNesting int) iterators {
	return iterators{slots: make([]iterator, maxNesting)}
}

func (its *iterators) start(it iterator) object.Value {
	if its.depth >= len(its.slots) {
		throwf(ErrLoopNesting, "depth %d", its.depth+1)
	}
	its.slots[its.depth] = it
	its.depth++
	return object.FromIterator(it)
}

func (its *iterators) end() {
	if its.depth == 0 {
		throwf(ErrContractViolation, "ITER_END without an active loop")
	}
	its.depth--
	its.slots[its.depth] = nil
}

func (its *iterators) reset() {
	for i := range its.slots {
		its.slots[i] = nil
	}
	its.depth = 0
}

// quantifierContinue decides whether a loop keeps iterating after a body
// result. An undefined quantifier means "all", zero means "none" and N means
// "at least N".
func quantifierContinue(quantifier object.Value, trueCount int64, result bool) bool {
	switch {
	case quantifier.IsUndefined():
		return result
	case quantifier.Int() == 0:
		return !result
	}
	n := trueCount
	if result {
		n++
	}
	return n < quantifier.Int()
}

// quantifierVerdict is the loop's result once iteration stops.
func quantifierVerdict(quantifier object.Value, trueCount, total int64) bool {
	if total == 0 {
		return false
	}
	switch {
	case quantifier.IsUndefined():
		return trueCount == total
	case quantifier.Int() == 0:
		return trueCount == 0
	}
	return trueCount >= quantifier.Int()
}
