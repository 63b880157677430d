package vm

import (
	"github.com/chazu/verdict/match"
	"github.com/chazu/verdict/object"
	"github.com/chazu/verdict/pkg/bytecode"
)

// Set kinds carried by OF's operand.
const (
	setPatterns = 1
	setRules    = 2
)

// patternOf extracts a pattern reference. Undefined reports false; any other
// non-pattern value is a contract violation.
func patternOf(v object.Value) (int, bool) {
	if v.IsUndefined() {
		return 0, false
	}
	if !v.IsPattern() {
		throwf(ErrContractViolation, "expected pattern, got %s", v.Kind())
	}
	return v.Pattern(), true
}

// patternQuery executes the single-pattern queries. The pattern reference is
// always on top; any undefined operand makes the result undefined.
func (i *Interpreter) patternQuery(s *stack, t *match.Table, op bytecode.Opcode) {
	r := &i.regs
	r.r1 = s.pop()
	p, ok := patternOf(r.r1)

	switch op {
	case bytecode.OpFound:
		if !ok {
			s.push(object.Undefined)
			return
		}
		s.pushBool(t.Found(p))

	case bytecode.OpCount:
		if !ok {
			s.push(object.Undefined)
			return
		}
		s.pushInt(int64(t.Count(p)))

	case bytecode.OpFoundAt:
		r.r2 = s.pop()
		if !ok || r.r2.IsUndefined() {
			s.push(object.Undefined)
			return
		}
		s.pushBool(t.FoundAt(p, r.r2.Int()))

	case bytecode.OpFoundIn, bytecode.OpCountIn:
		r.r3 = s.pop() // hi
		r.r2 = s.pop() // lo
		if !ok || r.r2.IsUndefined() || r.r3.IsUndefined() {
			s.push(object.Undefined)
			return
		}
		n := t.CountIn(p, r.r2.Int(), r.r3.Int())
		if op == bytecode.OpCountIn {
			s.pushInt(int64(n))
		} else {
			s.pushBool(n > 0)
		}

	case bytecode.OpOffset:
		r.r2 = s.pop()
		if !ok || r.r2.IsUndefined() {
			s.push(object.Undefined)
			return
		}
		if off, found := t.Offset(p, r.r2.Int()); found {
			s.pushInt(off)
		} else {
			s.push(object.Undefined)
		}

	case bytecode.OpLength:
		r.r2 = s.pop()
		if !ok || r.r2.IsUndefined() {
			s.push(object.Undefined)
			return
		}
		if n, found := t.Length(p, r.r2.Int()); found {
			s.pushInt(int64(n))
		} else {
			s.push(object.Undefined)
		}
	}
}

// popSet pops set items down to and including the undefined marker. Items
// come back in push order.
func popSet(s *stack) []object.Value {
	var items []object.Value
	for {
		v := s.pop()
		if v.IsUndefined() {
			break
		}
		items = append(items, v)
	}
	for l, h := 0, len(items)-1; l < h; l, h = l+1, h-1 {
		items[l], items[h] = items[h], items[l]
	}
	return items
}

// satisfied reports whether one set item holds: a pattern that was found or
// a rule that matched.
func (i *Interpreter) satisfied(t *match.Table, kind uint64, v object.Value) bool {
	switch {
	case v.IsPattern() && kind == setPatterns:
		return t.Found(v.Pattern())
	case v.IsInt() && kind == setRules:
		i.checkRule(uint64(v.Int()))
		return i.verdicts[v.Int()]
	}
	throwf(ErrContractViolation, "%s in a set of kind %d", v.Kind(), kind)
	return false
}

// setKind infers the set kind from its first item, for instructions whose
// operand does not carry one.
func setKind(items []object.Value) uint64 {
	if len(items) > 0 && items[0].IsInt() {
		return setRules
	}
	return setPatterns
}

// quantified applies a set quantifier: undefined means all, 0 means none.
// An empty set is false, as for a loop with no iterations.
func quantified(q object.Value, found, count int) bool {
	if count == 0 {
		return false
	}
	switch {
	case q.IsUndefined():
		return found >= count
	case q.Int() == 0:
		return found == 0
	}
	return int64(found) >= q.Int()
}

func (i *Interpreter) of(s *stack, t *match.Table, kind uint64) {
	if kind != setPatterns && kind != setRules {
		throwf(ErrMalformedOperand, "OF set kind %d", kind)
	}
	items := popSet(s)
	q := s.pop()

	found := 0
	for _, v := range items {
		if i.satisfied(t, kind, v) {
			found++
		}
	}
	s.pushBool(quantified(q, found, len(items)))
}

func (i *Interpreter) ofPercent(s *stack, t *match.Table, pct uint64) {
	items := popSet(s)
	kind := setKind(items)

	found := 0
	for _, v := range items {
		if i.satisfied(t, kind, v) {
			found++
		}
	}
	s.pushBool(len(items) > 0 && uint64(found)*100 >= pct*uint64(len(items)))
}

// ofFound evaluates "N of (patterns) in (lo..hi)" and "N of (patterns) at
// offset". The range operands sit above the set.
func (i *Interpreter) ofFound(s *stack, t *match.Table, op bytecode.Opcode) {
	r := &i.regs
	if op == bytecode.OpOfFoundIn {
		r.r2 = s.pop() // hi
		r.r1 = s.pop() // lo
	} else {
		r.r1 = s.pop() // offset
		r.r2 = r.r1
	}
	items := popSet(s)
	q := s.pop()

	if r.r1.IsUndefined() || r.r2.IsUndefined() {
		s.push(object.Undefined)
		return
	}
	lo, hi := r.r1.Int(), r.r2.Int()

	found := 0
	for _, v := range items {
		p, ok := patternOf(v)
		if !ok {
			continue
		}
		if t.FoundIn(p, lo, hi) {
			found++
		}
	}
	s.pushBool(quantified(q, found, len(items)))
}
