package vm

import (
	"context"
	"errors"
	"testing"

	"github.com/chazu/verdict/match"
	"github.com/chazu/verdict/object"
	"github.com/chazu/verdict/pkg/bytecode"
)

// fakeScan is a ScanContext backed by plain fields.
type fakeScan struct {
	data      []byte
	entry     int64
	hasEntry  bool
	matches   *match.Table
	objects   map[string]*object.Object
	importErr error
	imported  []string
	disabled  map[int]bool
}

func (f *fakeScan) Data() []byte { return f.data }

func (f *fakeScan) EntryPoint() (int64, bool) { return f.entry, f.hasEntry }

func (f *fakeScan) Matches() *match.Table { return f.matches }

func (f *fakeScan) Object(name string) *object.Object { return f.objects[name] }

func (f *fakeScan) Import(ctx context.Context, name string) error {
	if f.importErr != nil {
		return f.importErr
	}
	f.imported = append(f.imported, name)
	return nil
}

func (f *fakeScan) RuleDisabled(rule int) bool { return f.disabled[rule] }

// run executes p against sc, failing the test on constructor errors.
func run(t *testing.T, p *bytecode.Program, sc *fakeScan) (*Result, error) {
	t.Helper()
	if sc == nil {
		sc = &fakeScan{}
	}
	i, err := New(p, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return i.Run(context.Background(), sc)
}

// mustRun executes p and returns the final stack.
func mustRun(t *testing.T, p *bytecode.Program, sc *fakeScan) []object.Value {
	t.Helper()
	res, err := run(t, p, sc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return res.Stack
}

// top runs p and returns the single value it leaves on the stack.
func top(t *testing.T, p *bytecode.Program, sc *fakeScan) object.Value {
	t.Helper()
	stack := mustRun(t, p, sc)
	if len(stack) != 1 {
		t.Fatalf("stack = %v, want exactly one value", stack)
	}
	return stack[0]
}

// expectFatal runs p and checks the run failed with class.
func expectFatal(t *testing.T, p *bytecode.Program, sc *fakeScan, class error) *FatalError {
	t.Helper()
	_, err := run(t, p, sc)
	if err == nil {
		t.Fatalf("Run succeeded, want %v", class)
	}
	if !errors.Is(err, class) {
		t.Fatalf("Run error = %v, want %v", err, class)
	}
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("Run error %T is not a *FatalError", err)
	}
	return fe
}

func pushValue(p *bytecode.Program, v object.Value) {
	switch v.Kind() {
	case object.KindUndefined:
		p.Emit(bytecode.OpPushU)
	case object.KindInteger:
		p.EmitPush(v.Int())
	case object.KindDouble:
		p.EmitPushDouble(v.Float64())
	case object.KindString:
		p.EmitString(bytecode.OpPushStr, v.Str())
	default:
		panic("pushValue: unsupported kind " + v.Kind().String())
	}
}

// binaryProgram computes a op b and halts.
func binaryProgram(op bytecode.Opcode, a, b object.Value) *bytecode.Program {
	p := bytecode.NewProgram()
	pushValue(p, a)
	pushValue(p, b)
	p.Emit(op)
	p.Emit(bytecode.OpHalt)
	return p
}

// Memory slots used by emitLoop. A dictionary loop keeps its key in slotKey.
const (
	slotVar        = 0
	slotKey        = 1
	slotQuantifier = 2
	slotCount      = 3
	slotTotal      = 4
)

// emitLoop emits a quantified loop the way the rule compiler lays one out:
// the source is pushed by start, the loop variable lives in slotVar and body
// must leave one condition result on the stack. The loop verdict is left on
// the stack.
func emitLoop(p *bytecode.Program, quantifier object.Value, start func(), body func()) {
	emitLoopVars(p, quantifier, 1, start, body)
}

// emitDictLoop is emitLoop over a dictionary iterator, which yields a value
// and a key per step.
func emitDictLoop(p *bytecode.Program, quantifier object.Value, start func(), body func()) {
	emitLoopVars(p, quantifier, 2, start, body)
}

func emitLoopVars(p *bytecode.Program, quantifier object.Value, vars int, start func(), body func()) {
	pushValue(p, quantifier)
	p.EmitU64(bytecode.OpPopM, slotQuantifier)
	p.EmitU64(bytecode.OpClearM, slotCount)
	p.EmitU64(bytecode.OpClearM, slotTotal)
	start()

	head := p.CurrentOffset()
	p.Emit(bytecode.OpIterNext)
	if vars == 2 {
		p.EmitU64(bytecode.OpPopM, slotKey)
	}
	p.EmitU64(bytecode.OpPopM, slotVar)
	exit := p.EmitJump(bytecode.OpJTrueP)
	p.EmitU64(bytecode.OpIncrM, slotTotal)
	body()
	p.EmitU64(bytecode.OpPushM, slotCount)
	p.EmitU64(bytecode.OpPushM, slotQuantifier)
	p.Emit(bytecode.OpIterCondition)
	p.EmitU64(bytecode.OpAddM, slotCount)
	back := p.EmitJump(bytecode.OpJTrueP)
	p.PatchJumpTo(back, head)

	p.PatchJump(exit)
	p.Emit(bytecode.OpPop)
	p.EmitU64(bytecode.OpPushM, slotTotal)
	p.EmitU64(bytecode.OpPushM, slotCount)
	p.EmitU64(bytecode.OpPushM, slotQuantifier)
	p.Emit(bytecode.OpIterEnd)
}

// emitRange pushes an integer range iterator over [lo, hi].
func emitRange(p *bytecode.Program, lo, hi int64) func() {
	return func() {
		p.EmitPush(lo)
		p.EmitPush(hi)
		p.Emit(bytecode.OpIterStartIntRange)
	}
}

func undef() object.Value { return object.Undefined }

func num(n int64) object.Value { return object.FromInt(n) }

func dbl(f float64) object.Value { return object.FromFloat64(f) }

func str(s string) object.Value { return object.FromString(s) }
