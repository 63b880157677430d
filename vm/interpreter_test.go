package vm

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/chazu/verdict/match"
	"github.com/chazu/verdict/object"
	"github.com/chazu/verdict/pkg/bytecode"
)

// ============ End-to-end scenarios ============

func TestScenarioIntAdd(t *testing.T) {
	p := bytecode.NewProgram()
	p.EmitPush(5)
	p.EmitPush(3)
	p.Emit(bytecode.OpIntAdd)
	p.Emit(bytecode.OpHalt)

	v := top(t, p, nil)
	if !v.IsInt() || v.Int() != 8 {
		t.Errorf("result = %s, want 8", v)
	}
}

func TestScenarioJumpSkipsPush(t *testing.T) {
	p := bytecode.NewProgram()
	p.EmitPush(0)                                 // 0000
	p.EmitWithOperand(bytecode.OpJZ, 10, 0, 0, 0) // 0002, lands on 0007+10
	p.EmitPush(1)                                 // 0007
	for n := 0; n < 8; n++ {
		p.Emit(bytecode.OpNop)
	}
	if off := p.Emit(bytecode.OpHalt); off != 17 {
		t.Fatalf("HALT at %d, want 17", off)
	}

	stack := mustRun(t, p, nil)
	if len(stack) != 1 || stack[0].Int() != 0 {
		t.Errorf("stack = %v, want [0]; the skipped push must not run", stack)
	}
}

func TestScenarioRangeIteration(t *testing.T) {
	p := bytecode.NewProgram()
	p.EmitPush(1)
	p.EmitPush(3)
	p.Emit(bytecode.OpIterStartIntRange)
	for k := uint64(0); k < 3; k++ {
		p.Emit(bytecode.OpIterNext)
		p.EmitU64(bytecode.OpPopM, k)   // item
		p.EmitU64(bytecode.OpPopM, 5+k) // exhaustion flag
		p.EmitPush(1)
		p.EmitU64(bytecode.OpPushM, 10)
		p.Emit(bytecode.OpPushU)
		p.Emit(bytecode.OpIterCondition)
		p.Emit(bytecode.OpPop)
		p.Emit(bytecode.OpPop)
	}
	p.Emit(bytecode.OpIterNext)
	p.Emit(bytecode.OpHalt)

	i, err := New(p, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	res, err := i.Run(context.Background(), &fakeScan{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for k := 0; k < 3; k++ {
		if got := i.regs.mem[k]; got.Int() != int64(k+1) {
			t.Errorf("visit %d = %s, want %d", k, got, k+1)
		}
		if got := i.regs.mem[5+k]; got.Bool() {
			t.Errorf("visit %d reported exhaustion", k)
		}
	}
	if len(res.Stack) != 3 {
		t.Fatalf("stack = %v, want iterator, flag, item", res.Stack)
	}
	if !res.Stack[0].IsIterator() {
		t.Errorf("stack[0] = %s, want the iterator", res.Stack[0].Kind())
	}
	if !res.Stack[1].Bool() {
		t.Error("fourth ITER_NEXT did not report exhaustion")
	}
	if res.Stack[2].IsDefined() {
		t.Errorf("exhausted item = %s, want undefined", res.Stack[2])
	}
}

func TestScenarioMissingField(t *testing.T) {
	schema, err := object.Declare("mod", func(d *object.Declarer) {
		d.Integer("present")
	})
	if err != nil {
		t.Fatalf("Declare failed: %v", err)
	}
	mod := schema.Clone()
	sc := &fakeScan{objects: map[string]*object.Object{"mod": mod}}

	load := func(field string) *bytecode.Program {
		p := bytecode.NewProgram()
		p.EmitString(bytecode.OpObjLoad, "mod")
		p.EmitString(bytecode.OpObjField, field)
		p.Emit(bytecode.OpObjValue)
		p.Emit(bytecode.OpHalt)
		return p
	}

	if v := top(t, load("missing_field"), sc); v.IsDefined() {
		t.Errorf("missing field = %s, want undefined", v)
	}
	if v := top(t, load("present"), sc); v.IsDefined() {
		t.Errorf("unset field = %s, want undefined", v)
	}
	if err := mod.SetInteger(5, "present"); err != nil {
		t.Fatalf("SetInteger failed: %v", err)
	}
	if v := top(t, load("present"), sc); v.Int() != 5 {
		t.Errorf("set field = %s, want 5", v)
	}
}

// ============ Boolean, integer, float and string operations ============

func TestBooleanOps(t *testing.T) {
	tests := []struct {
		name string
		op   bytecode.Opcode
		a, b object.Value
		want object.Value
	}{
		{"and true", bytecode.OpAnd, num(1), num(1), num(1)},
		{"and false", bytecode.OpAnd, num(1), num(0), num(0)},
		{"and undefined left", bytecode.OpAnd, undef(), num(1), num(0)},
		{"and undefined right", bytecode.OpAnd, num(1), undef(), num(0)},
		{"or true", bytecode.OpOr, num(0), num(1), num(1)},
		{"or false", bytecode.OpOr, num(0), num(0), num(0)},
		{"or ignores undefined left", bytecode.OpOr, undef(), num(1), num(1)},
		{"or ignores undefined right", bytecode.OpOr, num(0), undef(), num(0)},
		{"or both undefined", bytecode.OpOr, undef(), undef(), undef()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := top(t, binaryProgram(tt.op, tt.a, tt.b), nil)
			if !got.Equal(tt.want) {
				t.Errorf("%s %s %s = %s, want %s", tt.a, tt.op, tt.b, got, tt.want)
			}
		})
	}
}

func TestUnaryOps(t *testing.T) {
	tests := []struct {
		name string
		op   bytecode.Opcode
		in   object.Value
		want object.Value
	}{
		{"not true", bytecode.OpNot, num(1), num(0)},
		{"not false", bytecode.OpNot, num(0), num(1)},
		{"not undefined", bytecode.OpNot, undef(), undef()},
		{"bitwise not", bytecode.OpBitwiseNot, num(0), num(-1)},
		{"bitwise not undefined", bytecode.OpBitwiseNot, undef(), undef()},
		{"int minus", bytecode.OpIntMinus, num(4), num(-4)},
		{"int minus undefined", bytecode.OpIntMinus, undef(), undef()},
		{"dbl minus", bytecode.OpDblMinus, dbl(1.5), dbl(-1.5)},
		{"dbl minus undefined", bytecode.OpDblMinus, undef(), undef()},
		{"str to bool empty", bytecode.OpStrToBool, str(""), num(0)},
		{"str to bool", bytecode.OpStrToBool, str("x"), num(1)},
		{"str to bool undefined", bytecode.OpStrToBool, undef(), undef()},
		{"defined", bytecode.OpDefined, num(0), num(1)},
		{"defined undefined", bytecode.OpDefined, undef(), num(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := bytecode.NewProgram()
			pushValue(p, tt.in)
			p.Emit(tt.op)
			p.Emit(bytecode.OpHalt)
			if got := top(t, p, nil); !got.Equal(tt.want) {
				t.Errorf("%s %s = %s, want %s", tt.op, tt.in, got, tt.want)
			}
		})
	}
}

func TestIntegerOps(t *testing.T) {
	tests := []struct {
		op   bytecode.Opcode
		a, b int64
		want object.Value
	}{
		{bytecode.OpIntAdd, 2, 3, num(5)},
		{bytecode.OpIntSub, 2, 3, num(-1)},
		{bytecode.OpIntMul, -4, 3, num(-12)},
		{bytecode.OpIntDiv, 7, 2, num(3)},
		{bytecode.OpIntDiv, -7, 2, num(-3)},
		{bytecode.OpIntDiv, 7, 0, undef()},
		{bytecode.OpIntDiv, math.MinInt64, -1, undef()},
		{bytecode.OpMod, 7, 3, num(1)},
		{bytecode.OpMod, 7, 0, undef()},
		{bytecode.OpMod, math.MinInt64, -1, undef()},
		{bytecode.OpBitwiseAnd, 6, 3, num(2)},
		{bytecode.OpBitwiseOr, 6, 3, num(7)},
		{bytecode.OpBitwiseXor, 6, 3, num(5)},
		{bytecode.OpShl, 1, 4, num(16)},
		{bytecode.OpShl, 1, 64, num(0)},
		{bytecode.OpShl, 1, -1, undef()},
		{bytecode.OpShr, 256, 4, num(16)},
		{bytecode.OpShr, 256, 100, num(0)},
		{bytecode.OpShr, 256, -2, undef()},
		{bytecode.OpIntEq, 3, 3, num(1)},
		{bytecode.OpIntNeq, 3, 3, num(0)},
		{bytecode.OpIntLt, 2, 3, num(1)},
		{bytecode.OpIntGt, 2, 3, num(0)},
		{bytecode.OpIntLe, 3, 3, num(1)},
		{bytecode.OpIntGe, 2, 3, num(0)},
	}

	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			got := top(t, binaryProgram(tt.op, num(tt.a), num(tt.b)), nil)
			if !got.Equal(tt.want) {
				t.Errorf("%d %s %d = %s, want %s", tt.a, tt.op, tt.b, got, tt.want)
			}
		})
	}
}

func TestFloatOps(t *testing.T) {
	tests := []struct {
		op   bytecode.Opcode
		a, b float64
		want object.Value
	}{
		{bytecode.OpDblAdd, 1.5, 2.25, dbl(3.75)},
		{bytecode.OpDblSub, 1.5, 2.5, dbl(-1)},
		{bytecode.OpDblMul, 1.5, 2, dbl(3)},
		{bytecode.OpDblDiv, 1, 4, dbl(0.25)},
		{bytecode.OpDblDiv, 1, 0, dbl(math.Inf(1))},
		{bytecode.OpDblEq, 0.5, 0.5, num(1)},
		{bytecode.OpDblNeq, 0.5, 0.5, num(0)},
		{bytecode.OpDblLt, 0.5, 1, num(1)},
		{bytecode.OpDblGt, 0.5, 1, num(0)},
		{bytecode.OpDblLe, 1, 1, num(1)},
		{bytecode.OpDblGe, 0.5, 1, num(0)},
	}

	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			got := top(t, binaryProgram(tt.op, dbl(tt.a), dbl(tt.b)), nil)
			if !got.Equal(tt.want) {
				t.Errorf("%g %s %g = %s, want %s", tt.a, tt.op, tt.b, got, tt.want)
			}
		})
	}
}

func TestStringOps(t *testing.T) {
	tests := []struct {
		op   bytecode.Opcode
		a, b string
		want bool
	}{
		{bytecode.OpStrEq, "abc", "abc", true},
		{bytecode.OpStrNeq, "abc", "abc", false},
		{bytecode.OpStrLt, "abc", "abd", true},
		{bytecode.OpStrGt, "abc", "abd", false},
		{bytecode.OpStrLe, "abc", "abc", true},
		{bytecode.OpStrGe, "ab", "abc", false},
		{bytecode.OpStrEq, "a\x00b", "a\x00c", false},
		{bytecode.OpContains, "hello world", "o w", true},
		{bytecode.OpContains, "hello", "O", false},
		{bytecode.OpStartsWith, "hello", "he", true},
		{bytecode.OpEndsWith, "hello", "he", false},
		{bytecode.OpIContains, "HeLLo", "ell", true},
		{bytecode.OpIStartsWith, "HeLLo", "hEL", true},
		{bytecode.OpIEndsWith, "HeLLo", "LO", true},
		{bytecode.OpIEquals, "ABC", "abc", true},
		{bytecode.OpIEquals, "\xc4", "\xe4", false},
	}

	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			got := top(t, binaryProgram(tt.op, str(tt.a), str(tt.b)), nil)
			if got.Bool() != tt.want {
				t.Errorf("%q %s %q = %s, want %v", tt.a, tt.op, tt.b, got, tt.want)
			}
		})
	}
}

func TestUndefinedPropagates(t *testing.T) {
	var ops []bytecode.Opcode
	operand := map[bytecode.Opcode]object.Value{}
	for _, op := range bytecode.AllOpcodes() {
		switch {
		case op >= bytecode.OpIntEq && op <= bytecode.OpIntDiv,
			op >= bytecode.OpBitwiseAnd && op <= bytecode.OpMod:
			operand[op] = num(2)
		case op >= bytecode.OpDblEq && op <= bytecode.OpDblDiv:
			operand[op] = dbl(2)
		case op >= bytecode.OpStrEq && op <= bytecode.OpStrGe,
			op >= bytecode.OpContains && op <= bytecode.OpIEquals:
			operand[op] = str("x")
		default:
			continue
		}
		ops = append(ops, op)
	}
	if len(ops) != 16+10+6+7 {
		t.Fatalf("collected %d binary ops", len(ops))
	}

	for _, op := range ops {
		t.Run(op.String(), func(t *testing.T) {
			if got := top(t, binaryProgram(op, undef(), operand[op]), nil); got.IsDefined() {
				t.Errorf("undefined %s x = %s, want undefined", op, got)
			}
			if got := top(t, binaryProgram(op, operand[op], undef()), nil); got.IsDefined() {
				t.Errorf("x %s undefined = %s, want undefined", op, got)
			}
		})
	}
}

func TestIntToDbl(t *testing.T) {
	p := bytecode.NewProgram()
	p.EmitPush(3)
	p.EmitPush(4)
	p.EmitU64(bytecode.OpIntToDbl, 2)
	p.Emit(bytecode.OpHalt)

	stack := mustRun(t, p, nil)
	if len(stack) != 2 {
		t.Fatalf("stack = %v", stack)
	}
	if !stack[0].IsFloat() || stack[0].Float64() != 3 {
		t.Errorf("converted slot = %s, want 3.0", stack[0])
	}
	if !stack[1].IsInt() || stack[1].Int() != 4 {
		t.Errorf("untouched slot = %s, want 4", stack[1])
	}
}

func TestRegexpMatches(t *testing.T) {
	p := bytecode.NewProgram()
	re := p.AddRegexp("^he.*o$", bytecode.RegexpNoCase)
	p.EmitString(bytecode.OpPushStr, "HELLO")
	p.EmitU64(bytecode.OpPushRegexp, uint64(re))
	p.Emit(bytecode.OpMatches)
	p.Emit(bytecode.OpPushU)
	p.EmitU64(bytecode.OpPushRegexp, uint64(re))
	p.Emit(bytecode.OpMatches)
	p.Emit(bytecode.OpHalt)

	stack := mustRun(t, p, nil)
	if !stack[0].Bool() {
		t.Error("regexp did not match case-insensitively")
	}
	if stack[1].IsDefined() {
		t.Errorf("match against undefined = %s, want undefined", stack[1])
	}
}

func TestRegexpMatchesBytes(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		flags   bytecode.RegexpFlags
		subject string
		want    bool
	}{
		{"invalid utf-8", `\xff\x00`, 0, "a\xff\x00b", true},
		{"dot takes one byte", `^a.\x00b$`, 0, "a\xff\x00b", true},
		{"dot does not take two", `^a.b$`, 0, "a\xff\x00b", false},
		{"raw high byte", "\xe9t\xe9", 0, "\xe9t\xe9", true},
		{"class range", `^[\x80-\xff]+$`, 0, "\x80\x90\xff", true},
		{"no case ascii", `MZ`, bytecode.RegexpNoCase, "mz\x90\x00", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := bytecode.NewProgram()
			re := p.AddRegexp(tt.pattern, tt.flags)
			p.EmitString(bytecode.OpPushStr, tt.subject)
			p.EmitU64(bytecode.OpPushRegexp, uint64(re))
			p.Emit(bytecode.OpMatches)
			p.Emit(bytecode.OpHalt)
			if got := top(t, p, nil); got.Bool() != tt.want {
				t.Errorf("%q matches %q = %s, want %v", tt.subject, tt.pattern, got, tt.want)
			}
		})
	}
}

// ============ Scan facts ============

func TestDataReads(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0xFF}
	tests := []struct {
		op     bytecode.Opcode
		offset object.Value
		want   object.Value
	}{
		{bytecode.OpInt8, num(4), num(-1)},
		{bytecode.OpUint8, num(4), num(255)},
		{bytecode.OpUint8BE, num(0), num(1)},
		{bytecode.OpUint16, num(0), num(0x0201)},
		{bytecode.OpUint16BE, num(0), num(0x0102)},
		{bytecode.OpInt16BE, num(3), num(0x04FF)},
		{bytecode.OpInt16, num(3), num(-252)},
		{bytecode.OpInt32, num(0), num(0x04030201)},
		{bytecode.OpUint32BE, num(1), num(0x020304FF)},
		{bytecode.OpInt32BE, num(1), num(0x020304FF)},
		{bytecode.OpUint32, num(2), undef()},
		{bytecode.OpUint8, num(5), undef()},
		{bytecode.OpUint8, num(-1), undef()},
		{bytecode.OpUint8, undef(), undef()},
	}

	sc := &fakeScan{data: data}
	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			p := bytecode.NewProgram()
			pushValue(p, tt.offset)
			p.Emit(tt.op)
			p.Emit(bytecode.OpHalt)
			if got := top(t, p, sc); !got.Equal(tt.want) {
				t.Errorf("%s(%s) = %s, want %s", tt.op, tt.offset, got, tt.want)
			}
		})
	}
}

func TestFilesizeAndEntrypoint(t *testing.T) {
	p := bytecode.NewProgram()
	p.Emit(bytecode.OpFilesize)
	p.Emit(bytecode.OpEntrypoint)
	p.Emit(bytecode.OpHalt)

	stack := mustRun(t, p, &fakeScan{data: make([]byte, 42)})
	if stack[0].Int() != 42 {
		t.Errorf("filesize = %s, want 42", stack[0])
	}
	if stack[1].IsDefined() {
		t.Errorf("entrypoint without one = %s, want undefined", stack[1])
	}

	stack = mustRun(t, p, &fakeScan{entry: 0x400, hasEntry: true})
	if stack[1].Int() != 0x400 {
		t.Errorf("entrypoint = %s, want 1024", stack[1])
	}
}

// ============ Register bank ============

func TestMemoryOps(t *testing.T) {
	tests := []struct {
		name string
		emit func(p *bytecode.Program)
		want object.Value
	}{
		{"fresh slot is undefined", func(p *bytecode.Program) {
			p.EmitU64(bytecode.OpPushM, 0)
		}, undef()},
		{"clear", func(p *bytecode.Program) {
			p.EmitU64(bytecode.OpClearM, 0)
			p.EmitU64(bytecode.OpPushM, 0)
		}, num(0)},
		{"incr keeps undefined", func(p *bytecode.Program) {
			p.EmitU64(bytecode.OpIncrM, 0)
			p.EmitU64(bytecode.OpPushM, 0)
		}, undef()},
		{"incr", func(p *bytecode.Program) {
			p.EmitU64(bytecode.OpClearM, 0)
			p.EmitU64(bytecode.OpIncrM, 0)
			p.EmitU64(bytecode.OpIncrM, 0)
			p.EmitU64(bytecode.OpPushM, 0)
		}, num(2)},
		{"add skips undefined", func(p *bytecode.Program) {
			p.EmitU64(bytecode.OpClearM, 0)
			p.EmitPush(5)
			p.EmitU64(bytecode.OpAddM, 0)
			p.Emit(bytecode.OpPushU)
			p.EmitU64(bytecode.OpAddM, 0)
			p.EmitU64(bytecode.OpPushM, 0)
		}, num(5)},
		{"add sets undefined slot", func(p *bytecode.Program) {
			p.EmitPush(7)
			p.EmitU64(bytecode.OpAddM, 0)
			p.EmitU64(bytecode.OpPushM, 0)
		}, num(7)},
		{"set peeks", func(p *bytecode.Program) {
			p.EmitPush(9)
			p.EmitU64(bytecode.OpSetM, 1)
			p.Emit(bytecode.OpPop)
			p.EmitU64(bytecode.OpPushM, 1)
		}, num(9)},
		{"set skips undefined", func(p *bytecode.Program) {
			p.EmitPush(1)
			p.EmitU64(bytecode.OpPopM, 1)
			p.Emit(bytecode.OpPushU)
			p.EmitU64(bytecode.OpSetM, 1)
			p.Emit(bytecode.OpPop)
			p.EmitU64(bytecode.OpPushM, 1)
		}, num(1)},
		{"swapundef replaces undefined", func(p *bytecode.Program) {
			p.EmitPush(4)
			p.EmitU64(bytecode.OpPopM, 19)
			p.Emit(bytecode.OpPushU)
			p.EmitU64(bytecode.OpSwapUndef, 19)
		}, num(4)},
		{"swapundef keeps defined", func(p *bytecode.Program) {
			p.EmitPush(4)
			p.EmitU64(bytecode.OpPopM, 19)
			p.EmitPush(2)
			p.EmitU64(bytecode.OpSwapUndef, 19)
		}, num(2)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := bytecode.NewProgram()
			tt.emit(p)
			p.Emit(bytecode.OpHalt)
			if got := top(t, p, nil); !got.Equal(tt.want) {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMemorySlotOutOfRange(t *testing.T) {
	p := bytecode.NewProgram()
	p.EmitU64(bytecode.OpPushM, uint64(p.Limits.MemorySlots()))
	p.Emit(bytecode.OpHalt)

	expectFatal(t, p, nil, ErrContractViolation)
}

// ============ Jumps ============

func TestConditionalJumps(t *testing.T) {
	tests := []struct {
		op     bytecode.Opcode
		values []object.Value
		taken  bool
	}{
		{bytecode.OpJFalse, []object.Value{num(0)}, true},
		{bytecode.OpJFalse, []object.Value{num(1)}, false},
		{bytecode.OpJFalse, []object.Value{undef()}, false},
		{bytecode.OpJFalseP, []object.Value{num(0)}, true},
		{bytecode.OpJFalseP, []object.Value{undef()}, false},
		{bytecode.OpJTrue, []object.Value{num(1)}, true},
		{bytecode.OpJTrue, []object.Value{num(0)}, false},
		{bytecode.OpJTrue, []object.Value{undef()}, false},
		{bytecode.OpJTrueP, []object.Value{num(3)}, true},
		{bytecode.OpJTrueP, []object.Value{undef()}, false},
		{bytecode.OpJUndefP, []object.Value{undef()}, true},
		{bytecode.OpJUndefP, []object.Value{num(0)}, false},
		{bytecode.OpJNUndef, []object.Value{num(0)}, true},
		{bytecode.OpJNUndef, []object.Value{undef()}, false},
		{bytecode.OpJZ, []object.Value{num(0)}, true},
		{bytecode.OpJZ, []object.Value{num(1)}, false},
		{bytecode.OpJZ, []object.Value{undef()}, false},
		{bytecode.OpJZP, []object.Value{num(0)}, true},
		{bytecode.OpJZP, []object.Value{dbl(0)}, false},
		{bytecode.OpJLP, []object.Value{num(1), num(2)}, true},
		{bytecode.OpJLP, []object.Value{num(2), num(2)}, false},
		{bytecode.OpJLEP, []object.Value{num(2), num(2)}, true},
		{bytecode.OpJLEP, []object.Value{num(3), num(2)}, false},
	}

	marker := num(7)
	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			p := bytecode.NewProgram()
			for _, v := range tt.values {
				pushValue(p, v)
			}
			j := p.EmitJump(tt.op)
			pushValue(p, marker)
			p.PatchJump(j)
			p.Emit(bytecode.OpHalt)

			// Same program, same inputs: the decision never varies.
			for run := 0; run < 2; run++ {
				stack := mustRun(t, p, nil)
				skipped := len(stack) == 0 || !stack[len(stack)-1].Equal(marker)
				if skipped != tt.taken {
					t.Errorf("%s on %v: taken = %v, want %v", tt.op, tt.values, skipped, tt.taken)
				}
			}
		})
	}
}

func TestJumpToEndHalts(t *testing.T) {
	p := bytecode.NewProgram()
	p.EmitPush(0)
	j := p.EmitJump(bytecode.OpJZP)
	p.EmitPush(1)
	p.PatchJump(j)

	if stack := mustRun(t, p, nil); len(stack) != 0 {
		t.Errorf("stack = %v, want empty", stack)
	}
}

func TestJumpOutOfBounds(t *testing.T) {
	p := bytecode.NewProgram()
	p.EmitPush(0)
	p.EmitWithOperand(bytecode.OpJZ, 100, 0, 0, 0)
	p.Emit(bytecode.OpHalt)

	fe := expectFatal(t, p, nil, ErrMalformedOperand)
	if fe.Op != bytecode.OpJZ || fe.Offset != 2 {
		t.Errorf("fatal at %s %d, want JZ at 2", fe.Op, fe.Offset)
	}
}

// ============ Iterators and quantifiers ============

func TestQuantifiedRangeLoops(t *testing.T) {
	greaterThan := func(p *bytecode.Program, n int64) func() {
		return func() {
			p.EmitU64(bytecode.OpPushM, slotVar)
			p.EmitPush(n)
			p.Emit(bytecode.OpIntGt)
		}
	}

	tests := []struct {
		name       string
		quantifier object.Value
		lo, hi     int64
		threshold  int64
		want       bool
	}{
		{"all true", undef(), 1, 3, 0, true},
		{"all false", undef(), 1, 3, 1, false},
		{"any true", num(1), 1, 3, 2, true},
		{"any false", num(1), 1, 3, 5, false},
		{"none true", num(0), 1, 3, 5, true},
		{"none false", num(0), 1, 3, 2, false},
		{"two of three", num(2), 1, 3, 1, true},
		{"three of three fails", num(3), 1, 3, 1, false},
		{"empty range", undef(), 3, 1, 0, false},
		{"single item", undef(), 5, 5, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := bytecode.NewProgram()
			emitLoop(p, tt.quantifier, emitRange(p, tt.lo, tt.hi), greaterThan(p, tt.threshold))
			p.Emit(bytecode.OpHalt)

			if got := top(t, p, nil); got.Bool() != tt.want {
				t.Errorf("verdict = %s, want %v", got, tt.want)
			}
		})
	}
}

func TestLoopReleasesIteratorSlot(t *testing.T) {
	p := bytecode.NewProgram()
	p.Limits.MaxLoopNesting = 1
	body := func() {
		p.EmitU64(bytecode.OpPushM, slotVar)
	}
	emitLoop(p, undef(), emitRange(p, 1, 2), body)
	emitLoop(p, undef(), emitRange(p, 1, 2), body)
	p.Emit(bytecode.OpAnd)
	p.Emit(bytecode.OpHalt)

	if got := top(t, p, nil); !got.Bool() {
		t.Errorf("sequential loops = %s, want true", got)
	}
}

func TestLoopNestingLimit(t *testing.T) {
	p := bytecode.NewProgram()
	p.Limits.MaxLoopNesting = 1
	emitRange(p, 1, 2)()
	emitRange(p, 1, 2)()
	p.Emit(bytecode.OpHalt)

	expectFatal(t, p, nil, ErrLoopNesting)
}

func moduleObject(t *testing.T) *object.Object {
	t.Helper()
	schema, err := object.Declare("m", func(d *object.Declarer) {
		d.IntegerArray("ints")
		d.IntegerDictionary("dict")
		d.Integer("scalar")
		d.Function("add", "ii", object.TypeInteger, func(c *object.Call) (object.Value, error) {
			return object.FromInt(c.Int(0) + c.Int(1)), nil
		})
		d.Function("fail", "", object.TypeInteger, func(c *object.Call) (object.Value, error) {
			return object.Undefined, errors.New("no data")
		})
	})
	if err != nil {
		t.Fatalf("Declare failed: %v", err)
	}
	m := schema.Clone()
	for i, v := range []int64{5, 20, 30} {
		if err := m.SetInteger(v, "ints[%d]", i); err != nil {
			t.Fatalf("SetInteger failed: %v", err)
		}
	}
	// Leave a hole at index 3.
	if err := m.SetInteger(40, "ints[4]"); err != nil {
		t.Fatalf("SetInteger failed: %v", err)
	}
	if err := m.SetInteger(1, `dict["b"]`); err != nil {
		t.Fatalf("SetInteger failed: %v", err)
	}
	if err := m.SetInteger(2, `dict["a"]`); err != nil {
		t.Fatalf("SetInteger failed: %v", err)
	}
	return m
}

func TestArrayLoop(t *testing.T) {
	sc := &fakeScan{objects: map[string]*object.Object{"m": moduleObject(t)}}

	tests := []struct {
		name       string
		quantifier object.Value
		threshold  int64
		want       bool
	}{
		{"any above 25", num(1), 25, true},
		{"all above 1 fails on the hole", undef(), 1, false},
		{"two above 10", num(2), 10, true},
		{"none above 50", num(0), 50, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := bytecode.NewProgram()
			start := func() {
				p.EmitString(bytecode.OpObjLoad, "m")
				p.EmitString(bytecode.OpObjField, "ints")
				p.Emit(bytecode.OpIterStartArray)
			}
			body := func() {
				p.EmitU64(bytecode.OpPushM, slotVar)
				p.Emit(bytecode.OpObjValue)
				p.EmitPush(tt.threshold)
				p.Emit(bytecode.OpIntGt)
			}
			emitLoop(p, tt.quantifier, start, body)
			p.Emit(bytecode.OpHalt)

			if got := top(t, p, sc); got.Bool() != tt.want {
				t.Errorf("verdict = %s, want %v", got, tt.want)
			}
		})
	}
}

func TestLoopOverMissingArrayIsEmpty(t *testing.T) {
	p := bytecode.NewProgram()
	start := func() {
		p.EmitString(bytecode.OpObjLoad, "nothing")
		p.Emit(bytecode.OpIterStartArray)
	}
	emitLoop(p, num(0), start, func() { p.EmitPush(1) })
	p.Emit(bytecode.OpHalt)

	if got := top(t, p, nil); got.Bool() {
		t.Errorf("verdict over missing array = %s, want false", got)
	}
}

func TestLoopOverEmptyContainers(t *testing.T) {
	schema, err := object.Declare("m", func(d *object.Declarer) {
		d.IntegerArray("ints")
		d.IntegerDictionary("dict")
	})
	if err != nil {
		t.Fatalf("Declare failed: %v", err)
	}
	sc := &fakeScan{objects: map[string]*object.Object{"m": schema.Clone()}}

	tests := []struct {
		name       string
		field      string
		quantifier object.Value
	}{
		{"all of array", "ints", undef()},
		{"any of array", "ints", num(1)},
		{"none of array", "ints", num(0)},
		{"all of dict", "dict", undef()},
		{"any of dict", "dict", num(1)},
		{"none of dict", "dict", num(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := bytecode.NewProgram()
			start := func() {
				p.EmitString(bytecode.OpObjLoad, "m")
				p.EmitString(bytecode.OpObjField, tt.field)
				if tt.field == "dict" {
					p.Emit(bytecode.OpIterStartDict)
				} else {
					p.Emit(bytecode.OpIterStartArray)
				}
			}
			body := func() { p.EmitPush(1) }
			if tt.field == "dict" {
				emitDictLoop(p, tt.quantifier, start, body)
			} else {
				emitLoop(p, tt.quantifier, start, body)
			}
			p.Emit(bytecode.OpHalt)

			if got := top(t, p, sc); got.Bool() {
				t.Errorf("verdict = %s, want false", got)
			}
		})
	}
}

func TestDictLoop(t *testing.T) {
	sc := &fakeScan{objects: map[string]*object.Object{"m": moduleObject(t)}}

	p := bytecode.NewProgram()
	start := func() {
		p.EmitString(bytecode.OpObjLoad, "m")
		p.EmitString(bytecode.OpObjField, "dict")
		p.Emit(bytecode.OpIterStartDict)
	}
	// all values are positive
	emitDictLoop(p, undef(), start, func() {
		p.EmitU64(bytecode.OpPushM, slotVar)
		p.Emit(bytecode.OpObjValue)
		p.EmitPush(0)
		p.Emit(bytecode.OpIntGt)
	})
	p.Emit(bytecode.OpHalt)

	if got := top(t, p, sc); !got.Bool() {
		t.Errorf("verdict = %s, want true", got)
	}
}

func TestDictIteration(t *testing.T) {
	sc := &fakeScan{objects: map[string]*object.Object{"m": moduleObject(t)}}

	p := bytecode.NewProgram()
	p.EmitString(bytecode.OpObjLoad, "m")
	p.EmitString(bytecode.OpObjField, "dict")
	p.Emit(bytecode.OpIterStartDict)
	for n := 0; n < 3; n++ {
		p.Emit(bytecode.OpIterNext)
	}
	p.Emit(bytecode.OpHalt)

	stack := mustRun(t, p, sc)
	// iterator, then (flag, value, key) per step
	if len(stack) != 10 {
		t.Fatalf("stack has %d values, want 10", len(stack))
	}
	steps := []struct {
		done  bool
		value object.Value
		key   object.Value
	}{
		{false, num(1), str("b")},
		{false, num(2), str("a")},
		{true, undef(), undef()},
	}
	for n, want := range steps {
		flag, value, key := stack[1+3*n], stack[2+3*n], stack[3+3*n]
		if flag.Bool() != want.done {
			t.Errorf("step %d: done = %s, want %v", n, flag, want.done)
		}
		got, _ := value.Object().Value()
		if !got.Equal(want.value) {
			t.Errorf("step %d: value = %s, want %s", n, got, want.value)
		}
		if !key.Equal(want.key) {
			t.Errorf("step %d: key = %s, want %s", n, key, want.key)
		}
	}
}

func TestListIterators(t *testing.T) {
	for _, op := range []bytecode.Opcode{
		bytecode.OpIterStartIntEnum,
		bytecode.OpIterStartStringSet,
		bytecode.OpIterStartTextStringSet,
	} {
		t.Run(op.String(), func(t *testing.T) {
			p := bytecode.NewProgram()
			p.EmitString(bytecode.OpPushStr, "x")
			p.EmitPush(9)
			p.EmitPush(2) // count
			p.Emit(op)
			p.Emit(bytecode.OpIterNext)
			p.Emit(bytecode.OpIterNext)
			p.Emit(bytecode.OpIterNext)
			p.Emit(bytecode.OpHalt)

			stack := mustRun(t, p, nil)
			want := []object.Value{num(0), str("x"), num(0), num(9), num(1), undef()}
			if len(stack) != 1+len(want) {
				t.Fatalf("stack = %v", stack)
			}
			for n, w := range want {
				if !stack[1+n].Equal(w) {
					t.Errorf("stack[%d] = %s, want %s", 1+n, stack[1+n], w)
				}
			}
		})
	}
}

// ============ Patterns ============

func patternTable(t *testing.T) *match.Table {
	t.Helper()
	tbl := match.NewTable(3)
	for _, m := range []struct {
		pattern int
		offset  int64
		length  int
	}{
		{0, 10, 3},
		{0, 20, 4},
		{2, 100, 5},
	} {
		if err := tbl.Record(m.pattern, m.offset, m.length); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	return tbl
}

func patternProgram() *bytecode.Program {
	p := bytecode.NewProgram()
	r := p.AddRule("r", "default", 0)
	p.AddPattern(r, "$a", []byte("a"), 0)
	p.AddPattern(r, "$b", []byte("b"), 0)
	p.AddPattern(r, "$c", []byte("c"), 0)
	return p
}

func pushPattern(p *bytecode.Program, n int) {
	p.EmitU64(bytecode.OpPushPattern, uint64(n))
}

func TestPatternQueries(t *testing.T) {
	tests := []struct {
		name     string
		op       bytecode.Opcode
		operands []object.Value
		pattern  int
		want     object.Value
	}{
		{"found", bytecode.OpFound, nil, 0, num(1)},
		{"not found", bytecode.OpFound, nil, 1, num(0)},
		{"count", bytecode.OpCount, nil, 0, num(2)},
		{"count none", bytecode.OpCount, nil, 1, num(0)},
		{"found at", bytecode.OpFoundAt, []object.Value{num(20)}, 0, num(1)},
		{"not found at", bytecode.OpFoundAt, []object.Value{num(15)}, 0, num(0)},
		{"found at undefined", bytecode.OpFoundAt, []object.Value{undef()}, 0, undef()},
		{"found in", bytecode.OpFoundIn, []object.Value{num(0), num(15)}, 0, num(1)},
		{"found in inclusive", bytecode.OpFoundIn, []object.Value{num(20), num(20)}, 0, num(1)},
		{"not found in", bytecode.OpFoundIn, []object.Value{num(21), num(99)}, 0, num(0)},
		{"found in undefined", bytecode.OpFoundIn, []object.Value{num(0), undef()}, 0, undef()},
		{"count in", bytecode.OpCountIn, []object.Value{num(0), num(100)}, 0, num(2)},
		{"offset", bytecode.OpOffset, []object.Value{num(2)}, 0, num(20)},
		{"offset out of range", bytecode.OpOffset, []object.Value{num(3)}, 0, undef()},
		{"offset zero", bytecode.OpOffset, []object.Value{num(0)}, 0, undef()},
		{"length", bytecode.OpLength, []object.Value{num(1)}, 0, num(3)},
		{"length of missing", bytecode.OpLength, []object.Value{num(1)}, 1, undef()},
	}

	sc := &fakeScan{matches: patternTable(t)}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := patternProgram()
			for _, v := range tt.operands {
				pushValue(p, v)
			}
			pushPattern(p, tt.pattern)
			p.Emit(tt.op)
			p.Emit(bytecode.OpHalt)
			if got := top(t, p, sc); !got.Equal(tt.want) {
				t.Errorf("%s = %s, want %s", tt.op, got, tt.want)
			}
		})
	}
}

func TestOfPatterns(t *testing.T) {
	tests := []struct {
		name       string
		quantifier object.Value
		patterns   []int
		want       bool
	}{
		{"all", undef(), []int{0, 1, 2}, false},
		{"all of found", undef(), []int{0, 2}, true},
		{"any", num(1), []int{0, 1, 2}, true},
		{"two", num(2), []int{0, 1, 2}, true},
		{"three", num(3), []int{0, 1, 2}, false},
		{"none", num(0), []int{0, 1, 2}, false},
		{"none of missing", num(0), []int{1}, true},
		{"all of empty", undef(), nil, false},
		{"none of empty", num(0), nil, false},
	}

	sc := &fakeScan{matches: patternTable(t)}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := patternProgram()
			pushValue(p, tt.quantifier)
			p.Emit(bytecode.OpPushU)
			for _, n := range tt.patterns {
				pushPattern(p, n)
			}
			p.EmitU64(bytecode.OpOf, 1)
			p.Emit(bytecode.OpHalt)
			if got := top(t, p, sc); got.Bool() != tt.want {
				t.Errorf("OF = %s, want %v", got, tt.want)
			}
		})
	}
}

func TestOfPercent(t *testing.T) {
	tests := []struct {
		percent uint64
		want    bool
	}{
		{50, true},
		{66, true},
		{67, false},
		{100, false},
	}

	sc := &fakeScan{matches: patternTable(t)}
	for _, tt := range tests {
		p := patternProgram()
		p.Emit(bytecode.OpPushU)
		for n := 0; n < 3; n++ {
			pushPattern(p, n)
		}
		p.EmitU64(bytecode.OpOfPercent, tt.percent)
		p.Emit(bytecode.OpHalt)
		if got := top(t, p, sc); got.Bool() != tt.want {
			t.Errorf("%d%% of patterns = %s, want %v", tt.percent, got, tt.want)
		}
	}
}

func TestOfPercentEmptySet(t *testing.T) {
	sc := &fakeScan{matches: patternTable(t)}
	for _, pct := range []uint64{0, 50, 100} {
		p := patternProgram()
		p.Emit(bytecode.OpPushU)
		p.EmitU64(bytecode.OpOfPercent, pct)
		p.Emit(bytecode.OpHalt)
		if got := top(t, p, sc); got.Bool() {
			t.Errorf("%d%% of no patterns = %s, want false", pct, got)
		}
	}
}

func TestOfFound(t *testing.T) {
	tests := []struct {
		name       string
		op         bytecode.Opcode
		quantifier object.Value
		where      []object.Value
		want       object.Value
	}{
		{"any in range", bytecode.OpOfFoundIn, num(1), []object.Value{num(0), num(50)}, num(1)},
		{"all in range", bytecode.OpOfFoundIn, undef(), []object.Value{num(0), num(50)}, num(0)},
		{"two in wide range", bytecode.OpOfFoundIn, num(2), []object.Value{num(0), num(1000)}, num(1)},
		{"undefined bound", bytecode.OpOfFoundIn, num(1), []object.Value{num(0), undef()}, undef()},
		{"any at", bytecode.OpOfFoundAt, num(1), []object.Value{num(100)}, num(1)},
		{"none at", bytecode.OpOfFoundAt, num(0), []object.Value{num(7)}, num(1)},
		{"undefined offset", bytecode.OpOfFoundAt, num(1), []object.Value{undef()}, undef()},
	}

	sc := &fakeScan{matches: patternTable(t)}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := patternProgram()
			pushValue(p, tt.quantifier)
			p.Emit(bytecode.OpPushU)
			for n := 0; n < 3; n++ {
				pushPattern(p, n)
			}
			for _, v := range tt.where {
				pushValue(p, v)
			}
			p.Emit(tt.op)
			p.Emit(bytecode.OpHalt)

			stack := mustRun(t, p, sc)
			if len(stack) != 1 {
				t.Fatalf("stack = %v, want the set fully unwound", stack)
			}
			if !stack[0].Equal(tt.want) {
				t.Errorf("%s = %s, want %s", tt.op, stack[0], tt.want)
			}
		})
	}
}

func TestOfBadKind(t *testing.T) {
	p := patternProgram()
	p.EmitPush(1)
	p.Emit(bytecode.OpPushU)
	pushPattern(p, 0)
	p.EmitU64(bytecode.OpOf, 3)
	p.Emit(bytecode.OpHalt)

	expectFatal(t, p, &fakeScan{}, ErrMalformedOperand)
}

// ============ Rules ============

// emitRule emits a rule whose condition is the constant verdict.
func emitRule(p *bytecode.Program, rule int, verdict int64) {
	skip := p.EmitInitRule(rule)
	p.EmitPush(verdict)
	p.EmitU64(bytecode.OpMatchRule, uint64(rule))
	p.PatchJump(skip)
}

func TestRuleVerdicts(t *testing.T) {
	p := bytecode.NewProgram()
	a := p.AddRule("a", "default", 0)
	b := p.AddRule("b", "default", 0)
	priv := p.AddRule("priv", "default", bytecode.RulePrivate)
	g := p.AddRule("g", "strict", bytecode.RuleGlobal)
	s := p.AddRule("s", "strict", 0)
	off := p.AddRule("off", "default", bytecode.RuleDisabled)
	p.Rules[a].Tags = []string{"t1"}

	emitRule(p, a, 1)
	emitRule(p, b, 0)
	emitRule(p, priv, 1)
	emitRule(p, g, 0)
	emitRule(p, s, 1)
	emitRule(p, off, 1)
	p.Emit(bytecode.OpHalt)

	res, err := run(t, p, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	tests := []struct {
		id        string
		matched   bool
		evaluated bool
	}{
		{"a", true, true},
		{"b", false, true},
		{"priv", true, true},
		{"g", false, true},
		{"s", false, true},
		{"off", false, false},
	}
	for _, tt := range tests {
		rr, ok := res.Rule(tt.id)
		if !ok {
			t.Fatalf("no result for %s", tt.id)
		}
		if rr.Matched != tt.matched || rr.Evaluated != tt.evaluated {
			t.Errorf("%s: matched=%v evaluated=%v, want %v %v", tt.id, rr.Matched, rr.Evaluated, tt.matched, tt.evaluated)
		}
	}

	matching := res.Matching()
	if len(matching) != 1 || matching[0].Identifier != "a" {
		t.Fatalf("Matching() = %v, want only a", matching)
	}
	if matching[0].Namespace != "default" || len(matching[0].Tags) != 1 {
		t.Errorf("rule a result = %+v", matching[0])
	}
}

func TestRuleDisabledByScan(t *testing.T) {
	p := bytecode.NewProgram()
	a := p.AddRule("a", "default", 0)
	b := p.AddRule("b", "default", 0)
	emitRule(p, a, 1)
	emitRule(p, b, 1)
	p.EmitU64(bytecode.OpPushRule, uint64(a))
	p.EmitU64(bytecode.OpPushRule, uint64(b))
	p.Emit(bytecode.OpHalt)

	res, err := run(t, p, &fakeScan{disabled: map[int]bool{a: true}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rr, _ := res.Rule("a"); rr.Matched || rr.Evaluated {
		t.Errorf("disabled rule a = %+v", rr)
	}
	if rr, _ := res.Rule("b"); !rr.Matched {
		t.Errorf("rule b = %+v, want matched", rr)
	}
	if res.Stack[0].IsDefined() {
		t.Errorf("PUSH_RULE of disabled rule = %s, want undefined", res.Stack[0])
	}
	if !res.Stack[1].Bool() {
		t.Errorf("PUSH_RULE b = %s, want 1", res.Stack[1])
	}
}

func TestOfRules(t *testing.T) {
	p := bytecode.NewProgram()
	a := p.AddRule("a", "default", 0)
	b := p.AddRule("b", "default", 0)
	emitRule(p, a, 1)
	emitRule(p, b, 0)

	p.EmitPush(1)
	p.Emit(bytecode.OpPushU)
	p.EmitPush(int64(a))
	p.EmitPush(int64(b))
	p.EmitU64(bytecode.OpOf, 2)

	p.Emit(bytecode.OpPushU)
	p.Emit(bytecode.OpPushU)
	p.EmitPush(int64(a))
	p.EmitPush(int64(b))
	p.EmitU64(bytecode.OpOf, 2)
	p.Emit(bytecode.OpHalt)

	stack := mustRun(t, p, nil)
	if !stack[0].Bool() {
		t.Error("any of (a, b) = false, want true")
	}
	if stack[1].Bool() {
		t.Error("all of (a, b) = true, want false")
	}
}

func TestOfRulesRejectsPatterns(t *testing.T) {
	p := patternProgram()
	p.EmitPush(1)
	p.Emit(bytecode.OpPushU)
	pushPattern(p, 0)
	p.EmitU64(bytecode.OpOf, 2)
	p.Emit(bytecode.OpHalt)

	expectFatal(t, p, &fakeScan{}, ErrContractViolation)
}

// ============ Objects and calls ============

func callProgram(fn, format string, args ...object.Value) *bytecode.Program {
	p := bytecode.NewProgram()
	p.EmitString(bytecode.OpObjLoad, "m")
	p.EmitString(bytecode.OpObjField, fn)
	for _, a := range args {
		pushValue(p, a)
	}
	p.EmitString(bytecode.OpCall, format)
	p.Emit(bytecode.OpHalt)
	return p
}

func TestCall(t *testing.T) {
	sc := &fakeScan{objects: map[string]*object.Object{"m": moduleObject(t)}}

	tests := []struct {
		name   string
		fn     string
		format string
		args   []object.Value
		want   object.Value
	}{
		{"add", "add", "ii", []object.Value{num(1), num(2)}, num(3)},
		{"undefined argument", "add", "ii", []object.Value{num(1), undef()}, undef()},
		{"function error", "fail", "", nil, undef()},
		{"missing function", "nope", "ii", []object.Value{num(1), num(2)}, undef()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := top(t, callProgram(tt.fn, tt.format, tt.args...), sc); !got.Equal(tt.want) {
				t.Errorf("%s(%v) = %s, want %s", tt.fn, tt.args, got, tt.want)
			}
		})
	}
}

func TestCallContractViolations(t *testing.T) {
	sc := &fakeScan{objects: map[string]*object.Object{"m": moduleObject(t)}}

	tests := []struct {
		name  string
		p     *bytecode.Program
		cause error
	}{
		{"no prototype", callProgram("add", "s", str("x")), object.ErrNoPrototype},
		{"argument type", callProgram("add", "ii", num(1), str("x")), object.ErrArgumentType},
		{"not a function", callProgram("scalar", ""), object.ErrNotFunction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.p, sc)
			if !errors.Is(err, ErrContractViolation) || !errors.Is(err, tt.cause) {
				t.Errorf("err = %v, want contract violation wrapping %v", err, tt.cause)
			}
		})
	}
}

func TestObjectNavigation(t *testing.T) {
	sc := &fakeScan{objects: map[string]*object.Object{"m": moduleObject(t)}}

	index := func(n object.Value) *bytecode.Program {
		p := bytecode.NewProgram()
		p.EmitString(bytecode.OpObjLoad, "m")
		p.EmitString(bytecode.OpObjField, "ints")
		pushValue(p, n)
		p.Emit(bytecode.OpIndexArray)
		p.Emit(bytecode.OpObjValue)
		p.Emit(bytecode.OpHalt)
		return p
	}
	lookup := func(k object.Value) *bytecode.Program {
		p := bytecode.NewProgram()
		p.EmitString(bytecode.OpObjLoad, "m")
		p.EmitString(bytecode.OpObjField, "dict")
		pushValue(p, k)
		p.Emit(bytecode.OpLookupDict)
		p.Emit(bytecode.OpObjValue)
		p.Emit(bytecode.OpHalt)
		return p
	}

	tests := []struct {
		name string
		p    *bytecode.Program
		want object.Value
	}{
		{"index", index(num(1)), num(20)},
		{"hole", index(num(3)), undef()},
		{"index past end", index(num(10)), undef()},
		{"undefined index", index(undef()), undef()},
		{"lookup", lookup(str("a")), num(2)},
		{"missing key", lookup(str("zz")), undef()},
		{"undefined key", lookup(undef()), undef()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := top(t, tt.p, sc); !got.Equal(tt.want) {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestObjValueOnStruct(t *testing.T) {
	sc := &fakeScan{objects: map[string]*object.Object{"m": moduleObject(t)}}
	p := bytecode.NewProgram()
	p.EmitString(bytecode.OpObjLoad, "m")
	p.Emit(bytecode.OpObjValue)
	p.Emit(bytecode.OpHalt)

	expectFatal(t, p, sc, object.ErrNotScalar)
}

func TestImport(t *testing.T) {
	p := bytecode.NewProgram()
	p.EmitString(bytecode.OpImport, "pe")
	p.Emit(bytecode.OpHalt)

	sc := &fakeScan{}
	mustRun(t, p, sc)
	if len(sc.imported) != 1 || sc.imported[0] != "pe" {
		t.Errorf("imported = %v, want [pe]", sc.imported)
	}

	expectFatal(t, p, &fakeScan{importErr: errors.New("unknown module")}, ErrContractViolation)
}

// ============ Fatal errors ============

func TestFatalErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func() *bytecode.Program
		class error
	}{
		{"unknown opcode", func() *bytecode.Program {
			p := bytecode.NewProgram()
			p.Emit(bytecode.OpNop)
			p.Code = append(p.Code, 39)
			return p
		}, ErrUnknownOpcode},
		{"truncated operand", func() *bytecode.Program {
			p := bytecode.NewProgram()
			p.Code = []byte{byte(bytecode.OpPush), 1, 2}
			return p
		}, ErrMalformedOperand},
		{"underflow", func() *bytecode.Program {
			p := bytecode.NewProgram()
			p.Emit(bytecode.OpPop)
			return p
		}, ErrStackUnderflow},
		{"string index", func() *bytecode.Program {
			p := bytecode.NewProgram()
			p.EmitU64(bytecode.OpObjLoad, 99)
			return p
		}, ErrMalformedOperand},
		{"pattern index", func() *bytecode.Program {
			p := bytecode.NewProgram()
			p.EmitU64(bytecode.OpPushPattern, 0)
			return p
		}, ErrMalformedOperand},
		{"rule index", func() *bytecode.Program {
			p := bytecode.NewProgram()
			p.EmitU64(bytecode.OpPushRule, 5)
			return p
		}, ErrMalformedOperand},
		{"iter next on integer", func() *bytecode.Program {
			p := bytecode.NewProgram()
			p.EmitPush(1)
			p.Emit(bytecode.OpIterNext)
			return p
		}, ErrContractViolation},
		{"iter end without loop", func() *bytecode.Program {
			p := bytecode.NewProgram()
			p.EmitPush(0)
			p.EmitPush(0)
			p.Emit(bytecode.OpPushU)
			p.Emit(bytecode.OpIterEnd)
			return p
		}, ErrContractViolation},
		{"matches without regexp", func() *bytecode.Program {
			p := bytecode.NewProgram()
			p.EmitString(bytecode.OpPushStr, "a")
			p.EmitString(bytecode.OpPushStr, "b")
			p.Emit(bytecode.OpMatches)
			return p
		}, ErrContractViolation},
		{"field of integer", func() *bytecode.Program {
			p := bytecode.NewProgram()
			p.EmitPush(1)
			p.EmitString(bytecode.OpObjField, "x")
			return p
		}, ErrContractViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectFatal(t, tt.build(), nil, tt.class)
		})
	}
}

func TestFatalErrorReportsInstruction(t *testing.T) {
	p := bytecode.NewProgram()
	p.EmitPush(1)
	p.Emit(bytecode.OpPop)
	p.Emit(bytecode.OpPop)

	fe := expectFatal(t, p, nil, ErrStackUnderflow)
	if fe.Op != bytecode.OpPop || fe.Offset != 3 {
		t.Errorf("fatal at %s %04X, want POP at 0003", fe.Op, fe.Offset)
	}
}

func TestStackOverflow(t *testing.T) {
	p := bytecode.NewProgram()
	for n := 0; n < 3; n++ {
		p.EmitPush(1)
	}

	i, err := New(p, Options{StackSize: 2})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = i.Run(context.Background(), &fakeScan{})
	if !errors.Is(err, ErrStackOverflow) {
		t.Errorf("err = %v, want stack overflow", err)
	}
}

func TestNewRejectsBadRegexp(t *testing.T) {
	p := bytecode.NewProgram()
	p.AddRegexp("(unclosed", 0)
	if _, err := New(p, Options{}); err == nil {
		t.Error("New accepted an invalid regexp")
	}
}

func TestEveryOpcodeHasHandler(t *testing.T) {
	for _, op := range bytecode.AllOpcodes() {
		p := bytecode.NewProgram()
		r := p.AddRule("r", "default", 0)
		p.AddPattern(r, "$a", []byte("a"), 0)
		p.AddRegexp("a", 0)
		p.AddString("x")
		in := bytecode.Instruction{Op: op, Operand: make([]byte, op.OperandLen())}
		p.Code = in.Encode(nil)

		_, err := run(t, p, &fakeScan{})
		if errors.Is(err, ErrUnknownOpcode) {
			t.Errorf("%s has no handler: %v", op, err)
		}
	}
}

// ============ Abort ============

// spinProgram loops forever on a JZ that jumps to itself.
func spinProgram() *bytecode.Program {
	p := bytecode.NewProgram()
	p.EmitPush(0)
	j := p.EmitJump(bytecode.OpJZ)
	p.PatchJumpTo(j, j-1)
	return p
}

func TestAbortOnCancelledContext(t *testing.T) {
	i, err := New(spinProgram(), Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := i.Run(ctx, &fakeScan{}); !errors.Is(err, ErrAborted) {
		t.Errorf("err = %v, want aborted", err)
	}
}

func TestAbortOnTimeout(t *testing.T) {
	i, err := New(spinProgram(), Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := i.Run(ctx, &fakeScan{}); !errors.Is(err, ErrAborted) {
		t.Errorf("err = %v, want aborted", err)
	}
}

func TestAbortFromAnotherGoroutine(t *testing.T) {
	i, err := New(spinProgram(), Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		i.Abort()
	}()

	if _, err := i.Run(context.Background(), &fakeScan{}); !errors.Is(err, ErrAborted) {
		t.Errorf("err = %v, want aborted", err)
	}
	if !i.Aborted() {
		t.Error("Aborted() = false after abort")
	}
}

func TestAbortBeforeRun(t *testing.T) {
	i, err := New(spinProgram(), Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	i.Abort()

	done := make(chan error, 1)
	go func() {
		_, err := i.Run(context.Background(), &fakeScan{})
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrAborted) {
			t.Errorf("err = %v, want aborted", err)
		}
	case <-time.After(5 * time.Second):
		i.Abort()
		<-done
		t.Fatal("Abort before Run was lost; the run kept spinning")
	}
}

func TestRunResetsState(t *testing.T) {
	p := bytecode.NewProgram()
	a := p.AddRule("a", "default", 0)
	p.EmitString(bytecode.OpObjLoad, "flag")
	p.Emit(bytecode.OpObjValue)
	p.EmitU64(bytecode.OpMatchRule, uint64(a))
	p.Emit(bytecode.OpHalt)

	i, err := New(p, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	i.Abort()

	set := &fakeScan{objects: map[string]*object.Object{"flag": object.NewScalar("flag", num(1))}}
	if _, err := i.Run(context.Background(), set); !errors.Is(err, ErrAborted) {
		t.Fatalf("run after Abort = %v, want aborted", err)
	}
	if !i.Aborted() {
		t.Error("Aborted() = false after an aborted run")
	}

	res, err := i.Run(context.Background(), set)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if i.Aborted() {
		t.Error("Aborted() = true after a clean run")
	}
	if rr, _ := res.Rule("a"); !rr.Matched {
		t.Error("first run: rule a did not match")
	}

	res, err = i.Run(context.Background(), &fakeScan{})
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if rr, _ := res.Rule("a"); rr.Matched {
		t.Error("second run kept the first run's verdict")
	}
	if len(res.Stack) != 0 {
		t.Errorf("second run stack = %v, want empty", res.Stack)
	}
}
