package vm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"regexp"
	"runtime"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/verdict/match"
	"github.com/chazu/verdict/object"
	"github.com/chazu/verdict/pkg/bytecode"
)

var log = commonlog.GetLogger("verdict.vm")

// ScanContext is everything the interpreter reads from the surrounding scan.
// The interpreter never opens files or owns the rule list.
type ScanContext interface {
	// Data is the scanned buffer.
	Data() []byte

	// EntryPoint returns the entry point offset, if the input has one.
	EntryPoint() (int64, bool)

	// Matches holds the pattern occurrences found in Data.
	Matches() *match.Table

	// Object resolves a root identifier: an imported module or an external
	// variable. Unknown names return nil.
	Object(name string) *object.Object

	// Import makes a module's object tree available for this scan.
	Import(ctx context.Context, name string) error

	// RuleDisabled reports whether a rule was disabled for this scan.
	RuleDisabled(rule int) bool
}

// Options configure an Interpreter.
type Options struct {
	StackSize int

	// Trace logs every instruction at debug level.
	Trace bool
}

// Interpreter executes one program. It holds all per-scan state, so
// concurrent scans each need their own Interpreter.
type Interpreter struct {
	program *bytecode.Program
	regexps []*regexp.Regexp
	trace   bool

	stack stack
	regs  registers
	iters iterators

	// rule state
	current     int
	verdicts    []bool
	evaluated   []bool
	unsatisfied []bool // per namespace, set by failed global rules

	abort   atomic.Bool // pending stop request
	aborted atomic.Bool // the last run ended with a stop request
}

// New prepares an interpreter for p. Regexps in the program's pool are
// compiled here; an invalid one is reported immediately. Regexps match bytes,
// not UTF-8 text.
func New(p *bytecode.Program, opts Options) (*Interpreter, error) {
	if opts.StackSize <= 0 {
		opts.StackSize = DefaultStackSize
	}
	if p.Limits.MaxLoopNesting <= 0 {
		return nil, fmt.Errorf("vm: program has invalid loop nesting limit %d", p.Limits.MaxLoopNesting)
	}

	regexps := make([]*regexp.Regexp, len(p.Regexps))
	for i, r := range p.Regexps {
		src := latin1(r.Source)
		if r.Flags&bytecode.RegexpDotAll != 0 {
			src = "(?s)" + src
		}
		if r.Flags&bytecode.RegexpNoCase != 0 {
			src = "(?i)" + src
		}
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("vm: regexp %d: %w", i, err)
		}
		regexps[i] = re
	}

	return &Interpreter{
		program:     p,
		regexps:     regexps,
		trace:       opts.Trace,
		stack:       newStack(opts.StackSize),
		regs:        newRegisters(p.Limits.MemorySlots()),
		iters:       newIterators(p.Limits.MaxLoopNesting),
		current:     -1,
		verdicts:    make([]bool, len(p.Rules)),
		evaluated:   make([]bool, len(p.Rules)),
		unsatisfied: make([]bool, len(p.Namespaces)),
	}, nil
}

// Program returns the program the interpreter executes.
func (i *Interpreter) Program() *bytecode.Program {
	return i.program
}

func (i *Interpreter) reset() {
	i.stack.reset()
	i.regs.reset()
	i.iters.reset()
	i.current = -1
	clear(i.verdicts)
	clear(i.evaluated)
	clear(i.unsatisfied)
}

// Run executes the program from its first instruction until HALT or the end
// of the code section. Fatal conditions are returned as *FatalError. A stop
// requested with Abort before Run starts ends the run at its first fetch.
func (i *Interpreter) Run(ctx context.Context, sc ScanContext) (*Result, error) {
	i.reset()
	defer i.settleAbort()
	if ctx.Err() != nil {
		i.Abort()
	}
	stop := context.AfterFunc(ctx, i.Abort)
	defer stop()

	if err := i.execute(ctx, sc); err != nil {
		if i.trace {
			log.Debugf("scan stopped: %v", err)
		}
		return nil, err
	}
	return i.result(), nil
}

// execute runs the dispatch loop, converting faults into FatalErrors.
func (i *Interpreter) execute(ctx context.Context, sc ScanContext) (err error) {
	var in bytecode.Instruction
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch f := r.(type) {
		case fault:
			err = &FatalError{Op: in.Op, Offset: in.Offset, Err: f.err}
		case runtime.Error:
			err = &FatalError{Op: in.Op, Offset: in.Offset, Err: fmt.Errorf("%w: %v", ErrContractViolation, f)}
		default:
			panic(r)
		}
	}()

	code := i.program.Code
	ip := 0
	for ip < len(code) {
		if i.abort.Load() {
			return &FatalError{Op: bytecode.Opcode(code[ip]), Offset: ip, Err: ErrAborted}
		}

		var derr error
		in, derr = bytecode.Decode(code, ip)
		if derr != nil {
			if errors.Is(derr, bytecode.ErrTruncated) {
				derr = fmt.Errorf("%w: %w", ErrMalformedOperand, derr)
			}
			return &FatalError{Op: in.Op, Offset: ip, Err: derr}
		}
		ip = in.Next()

		if i.trace {
			log.Debugf("[%04X] %-22s sp=%d", in.Offset, in.Op, i.stack.sp)
		}

		jump, halt := i.step(ctx, sc, in)
		if halt {
			return nil
		}
		if jump {
			target := in.JumpTarget()
			if target < 0 || target > len(code) {
				throwf(ErrMalformedOperand, "jump target %d outside code of %d bytes", target, len(code))
			}
			ip = target
		}
	}
	return nil
}

// step executes one instruction. It reports whether a jump was taken and
// whether execution should halt.
func (i *Interpreter) step(ctx context.Context, sc ScanContext, in bytecode.Instruction) (jump, halt bool) {
	s := &i.stack
	r := &i.regs

	switch in.Op {
	// ============ Control ============
	case bytecode.OpHalt:
		return false, true

	case bytecode.OpNop:

	// ============ Boolean and bitwise ============
	case bytecode.OpAnd:
		r.r2 = s.pop()
		r.r1 = s.pop()
		if r.r1.IsUndefined() || r.r2.IsUndefined() {
			s.pushBool(false)
		} else {
			s.pushBool(r.r1.Bool() && r.r2.Bool())
		}

	case bytecode.OpOr:
		r.r2 = s.pop()
		r.r1 = s.pop()
		switch {
		case r.r1.IsUndefined():
			s.push(r.r2)
		case r.r2.IsUndefined():
			s.push(r.r1)
		default:
			s.pushBool(r.r1.Bool() || r.r2.Bool())
		}

	case bytecode.OpNot:
		r.r1 = s.pop()
		if r.r1.IsUndefined() {
			s.push(object.Undefined)
		} else {
			s.pushBool(!r.r1.Bool())
		}

	case bytecode.OpBitwiseNot:
		r.r1 = s.pop()
		if r.r1.IsUndefined() {
			s.push(object.Undefined)
		} else {
			s.pushInt(^r.r1.Int())
		}

	case bytecode.OpBitwiseAnd, bytecode.OpBitwiseOr, bytecode.OpBitwiseXor,
		bytecode.OpShl, bytecode.OpShr, bytecode.OpMod,
		bytecode.OpIntAdd, bytecode.OpIntSub, bytecode.OpIntMul, bytecode.OpIntDiv,
		bytecode.OpIntEq, bytecode.OpIntNeq, bytecode.OpIntLt, bytecode.OpIntGt,
		bytecode.OpIntLe, bytecode.OpIntGe:
		r.r2 = s.pop()
		r.r1 = s.pop()
		s.push(intBinary(in.Op, r.r1, r.r2))

	case bytecode.OpIntMinus:
		r.r1 = s.pop()
		if r.r1.IsUndefined() {
			s.push(object.Undefined)
		} else {
			s.pushInt(-r.r1.Int())
		}

	case bytecode.OpDblAdd, bytecode.OpDblSub, bytecode.OpDblMul, bytecode.OpDblDiv,
		bytecode.OpDblEq, bytecode.OpDblNeq, bytecode.OpDblLt, bytecode.OpDblGt,
		bytecode.OpDblLe, bytecode.OpDblGe:
		r.r2 = s.pop()
		r.r1 = s.pop()
		s.push(dblBinary(in.Op, r.r1, r.r2))

	case bytecode.OpDblMinus:
		r.r1 = s.pop()
		if r.r1.IsUndefined() {
			s.push(object.Undefined)
		} else {
			s.push(object.FromFloat64(-r.r1.Float64()))
		}

	case bytecode.OpStrEq, bytecode.OpStrNeq, bytecode.OpStrLt, bytecode.OpStrGt,
		bytecode.OpStrLe, bytecode.OpStrGe,
		bytecode.OpContains, bytecode.OpStartsWith, bytecode.OpEndsWith,
		bytecode.OpIContains, bytecode.OpIStartsWith, bytecode.OpIEndsWith, bytecode.OpIEquals:
		r.r2 = s.pop()
		r.r1 = s.pop()
		s.push(strBinary(in.Op, r.r1, r.r2))

	case bytecode.OpIntToDbl:
		slot := s.at(int(in.Uint64()))
		if slot.IsInt() {
			*slot = object.FromFloat64(float64(slot.Int()))
		}

	case bytecode.OpStrToBool:
		r.r1 = s.pop()
		if r.r1.IsUndefined() {
			s.push(object.Undefined)
		} else {
			s.pushBool(len(r.r1.Str()) > 0)
		}

	case bytecode.OpDefined:
		r.r1 = s.pop()
		s.pushBool(r.r1.IsDefined())

	// ============ Literals ============
	case bytecode.OpPush, bytecode.OpPush8, bytecode.OpPush16, bytecode.OpPush32:
		s.pushInt(int64(in.Uint64()))

	case bytecode.OpPushU:
		s.push(object.Undefined)

	case bytecode.OpPushStr:
		s.push(object.FromString(i.str(in)))

	case bytecode.OpPushDbl:
		s.push(object.FromFloat64(math.Float64frombits(in.Uint64())))

	case bytecode.OpPushPattern:
		idx := in.Uint64()
		if idx >= uint64(len(i.program.Patterns)) {
			throwf(ErrMalformedOperand, "pattern %d out of range", idx)
		}
		s.push(object.FromPattern(int(idx)))

	case bytecode.OpPushRegexp:
		idx := in.Uint64()
		if idx >= uint64(len(i.regexps)) {
			throwf(ErrMalformedOperand, "regexp %d out of range", idx)
		}
		s.push(object.FromRegexp(i.regexps[idx]))

	case bytecode.OpPop:
		s.pop()

	// ============ Register bank ============
	case bytecode.OpClearM:
		*r.slot(in.Uint64()) = object.FromInt(0)

	case bytecode.OpAddM:
		r.r1 = s.pop()
		if r.r1.IsDefined() {
			m := r.slot(in.Uint64())
			*m = object.FromInt(m.Int() + r.r1.Int())
		}

	case bytecode.OpIncrM:
		m := r.slot(in.Uint64())
		if m.IsDefined() {
			*m = object.FromInt(m.Int() + 1)
		}

	case bytecode.OpPushM:
		s.push(*r.slot(in.Uint64()))

	case bytecode.OpPopM:
		*r.slot(in.Uint64()) = s.pop()

	case bytecode.OpSetM:
		r.r1 = s.peek()
		if r.r1.IsDefined() {
			*r.slot(in.Uint64()) = r.r1
		}

	case bytecode.OpSwapUndef:
		r.r1 = s.pop()
		if r.r1.IsUndefined() {
			s.push(*r.slot(in.Uint64()))
		} else {
			s.push(r.r1)
		}

	// ============ Jumps ============
	case bytecode.OpJUndefP:
		r.r1 = s.pop()
		return r.r1.IsUndefined(), false

	case bytecode.OpJNUndef:
		r.r1 = s.peek()
		return r.r1.IsDefined(), false

	case bytecode.OpJFalse:
		r.r1 = s.peek()
		return r.r1.IsDefined() && !r.r1.Bool(), false

	case bytecode.OpJFalseP:
		r.r1 = s.pop()
		return r.r1.IsDefined() && !r.r1.Bool(), false

	case bytecode.OpJTrue:
		r.r1 = s.peek()
		return r.r1.Bool(), false

	case bytecode.OpJTrueP:
		r.r1 = s.pop()
		return r.r1.Bool(), false

	case bytecode.OpJLP, bytecode.OpJLEP:
		r.r2 = s.pop()
		r.r1 = s.pop()
		if !r.r1.IsInt() || !r.r2.IsInt() {
			throwf(ErrContractViolation, "%s on %s and %s", in.Op, r.r1.Kind(), r.r2.Kind())
		}
		if in.Op == bytecode.OpJLP {
			return r.r1.Int() < r.r2.Int(), false
		}
		return r.r1.Int() <= r.r2.Int(), false

	case bytecode.OpJZ:
		r.r1 = s.peek()
		return r.r1.IsInt() && r.r1.Int() == 0, false

	case bytecode.OpJZP:
		r.r1 = s.pop()
		return r.r1.IsInt() && r.r1.Int() == 0, false

	// ============ Iterators ============
	case bytecode.OpIterStartArray:
		r.r1 = s.pop()
		s.push(i.iters.start(&arrayIter{array: i.container(r.r1, object.TypeArray)}))

	case bytecode.OpIterStartDict:
		r.r1 = s.pop()
		s.push(i.iters.start(&dictIter{dict: i.container(r.r1, object.TypeDictionary)}))

	case bytecode.OpIterStartIntRange:
		r.r2 = s.pop()
		r.r1 = s.pop()
		s.push(i.iters.start(newRangeIter(r.r1, r.r2)))

	case bytecode.OpIterStartIntEnum, bytecode.OpIterStartStringSet, bytecode.OpIterStartTextStringSet:
		s.push(i.iters.start(&listIter{items: popList(s)}))

	case bytecode.OpIterNext:
		r.r1 = s.peek()
		it, ok := r.r1.Iterator().(iterator)
		if !ok {
			throwf(ErrContractViolation, "ITER_NEXT on %s", r.r1.Kind())
		}
		it.next(s)

	case bytecode.OpIterCondition:
		r.r2 = s.pop() // quantifier
		r.r3 = s.pop() // true count
		r.r4 = s.pop() // body result
		result := r.r4.IsDefined() && r.r4.Bool()
		s.pushBool(quantifierContinue(r.r2, r.r3.Int(), result))
		s.pushBool(result)

	case bytecode.OpIterEnd:
		r.r2 = s.pop() // quantifier
		r.r3 = s.pop() // true count
		r.r4 = s.pop() // total iterations
		i.iters.end()
		s.pushBool(quantifierVerdict(r.r2, r.r3.Int(), r.r4.Int()))

	// ============ Objects ============
	case bytecode.OpImport:
		name := i.str(in)
		if err := sc.Import(ctx, name); err != nil {
			throwf(ErrContractViolation, "import %q: %v", name, err)
		}

	case bytecode.OpObjLoad:
		s.push(object.FromObject(sc.Object(i.str(in))))

	case bytecode.OpObjField:
		r.r1 = s.pop()
		s.push(object.FromObject(i.objectOf(r.r1).Field(i.str(in))))

	case bytecode.OpObjValue:
		r.r1 = s.pop()
		v, err := i.objectOf(r.r1).Value()
		if err != nil {
			contract(err)
		}
		s.push(v)

	case bytecode.OpIndexArray:
		r.r1 = s.pop() // index
		r.r2 = s.pop() // array
		if r.r1.IsUndefined() {
			s.push(object.Undefined)
			break
		}
		s.push(object.FromObject(i.objectOf(r.r2).Index(r.r1.Int())))

	case bytecode.OpLookupDict:
		r.r1 = s.pop() // key
		r.r2 = s.pop() // dictionary
		if r.r1.IsUndefined() {
			s.push(object.Undefined)
			break
		}
		s.push(object.FromObject(i.objectOf(r.r2).Lookup(r.r1.Str())))

	case bytecode.OpCall:
		i.call(s, i.str(in))

	// ============ Scan facts ============
	case bytecode.OpFilesize:
		s.pushInt(int64(len(sc.Data())))

	case bytecode.OpEntrypoint:
		if ep, ok := sc.EntryPoint(); ok {
			s.pushInt(ep)
		} else {
			s.push(object.Undefined)
		}

	case bytecode.OpMatches:
		r.r2 = s.pop()
		r.r1 = s.pop()
		if r.r1.IsUndefined() || r.r2.IsUndefined() {
			s.push(object.Undefined)
			break
		}
		re := r.r2.Regexp()
		if re == nil || !r.r1.IsString() {
			throwf(ErrContractViolation, "MATCHES on %s and %s", r.r1.Kind(), r.r2.Kind())
		}
		s.pushBool(re.MatchString(latin1(r.r1.Str())))

	case bytecode.OpInt8, bytecode.OpInt16, bytecode.OpInt32,
		bytecode.OpUint8, bytecode.OpUint16, bytecode.OpUint32,
		bytecode.OpInt8BE, bytecode.OpInt16BE, bytecode.OpInt32BE,
		bytecode.OpUint8BE, bytecode.OpUint16BE, bytecode.OpUint32BE:
		r.r1 = s.pop()
		s.push(readData(in.Op, sc.Data(), r.r1))

	// ============ Patterns ============
	case bytecode.OpFound, bytecode.OpCount, bytecode.OpFoundAt, bytecode.OpFoundIn,
		bytecode.OpCountIn, bytecode.OpOffset, bytecode.OpLength:
		i.patternQuery(s, sc.Matches(), in.Op)

	case bytecode.OpOf:
		i.of(s, sc.Matches(), in.Uint64())

	case bytecode.OpOfPercent:
		i.ofPercent(s, sc.Matches(), in.Uint64())

	case bytecode.OpOfFoundIn, bytecode.OpOfFoundAt:
		i.ofFound(s, sc.Matches(), in.Op)

	// ============ Rules ============
	case bytecode.OpInitRule:
		rule := int(in.RuleIndex())
		i.checkRule(uint64(rule))
		if i.disabled(sc, rule) {
			return true, false
		}
		i.current = rule
		i.evaluated[rule] = true

	case bytecode.OpMatchRule:
		rule := in.Uint64()
		i.checkRule(rule)
		r.r1 = s.pop()
		i.matchRule(int(rule), r.r1.IsDefined() && r.r1.Bool())
		r.clearScratch()

	case bytecode.OpPushRule:
		rule := in.Uint64()
		i.checkRule(rule)
		if i.disabled(sc, int(rule)) {
			s.push(object.Undefined)
		} else {
			s.pushBool(i.verdicts[rule])
		}

	default:
		throwf(ErrUnknownOpcode, "no handler for %s (0x%02X)", in.Op, byte(in.Op))
	}
	return false, false
}

// str resolves a string-pool operand.
func (i *Interpreter) str(in bytecode.Instruction) string {
	s, ok := i.program.StringAt(in.Uint64())
	if !ok {
		throwf(ErrMalformedOperand, "string %d out of range", in.Uint64())
	}
	return s
}

// objectOf returns the object referenced by v. Undefined yields nil so the
// miss-tolerant accessors propagate it; any other non-object is a contract
// violation.
func (i *Interpreter) objectOf(v object.Value) *object.Object {
	if v.IsUndefined() {
		return nil
	}
	o := v.Object()
	if o == nil {
		throwf(ErrContractViolation, "expected object, got %s", v.Kind())
	}
	return o
}

// container returns the array or dictionary behind v, or nil when v is
// undefined or of another type, which makes the loop empty.
func (i *Interpreter) container(v object.Value, t object.Type) *object.Object {
	o := i.objectOf(v)
	if o == nil || o.Type != t {
		return nil
	}
	return o
}

// call pops the arguments described by format and the function object below
// them, and pushes the function's result.
func (i *Interpreter) call(s *stack, format string) {
	if limit := i.program.Limits.MaxFunctionArgs; limit > 0 && len(format) > limit {
		throwf(ErrContractViolation, "%d arguments exceed limit %d", len(format), limit)
	}
	args := make([]object.Value, len(format))
	for n := len(args) - 1; n >= 0; n-- {
		args[n] = s.pop()
	}
	fn := i.objectOf(s.pop())

	result, err := fn.Invoke(format, args)
	if err != nil {
		if errors.Is(err, object.ErrContract) {
			contract(err)
		}
		if i.trace {
			log.Debugf("call %s failed: %v", fn.Path(), err)
		}
		s.push(object.Undefined)
		return
	}
	s.push(result)
}

func (i *Interpreter) checkRule(rule uint64) {
	if rule >= uint64(len(i.program.Rules)) {
		throwf(ErrMalformedOperand, "rule %d out of range", rule)
	}
}

func (i *Interpreter) disabled(sc ScanContext, rule int) bool {
	return i.program.Rules[rule].Disabled() || sc.RuleDisabled(rule)
}

func (i *Interpreter) matchRule(rule int, verdict bool) {
	i.verdicts[rule] = verdict
	i.evaluated[rule] = true
	r := &i.program.Rules[rule]
	if !verdict && r.Global() && r.Namespace >= 0 && r.Namespace < len(i.unsatisfied) {
		i.unsatisfied[r.Namespace] = true
	}
	if i.current == rule {
		i.current = -1
	}
}

// readData reads a fixed-width integer from data at the offset in v.
func readData(op bytecode.Opcode, data []byte, v object.Value) object.Value {
	if !v.IsInt() || v.Int() < 0 {
		return object.Undefined
	}
	var width int
	switch op {
	case bytecode.OpInt8, bytecode.OpUint8, bytecode.OpInt8BE, bytecode.OpUint8BE:
		width = 1
	case bytecode.OpInt16, bytecode.OpUint16, bytecode.OpInt16BE, bytecode.OpUint16BE:
		width = 2
	default:
		width = 4
	}
	off := v.Int()
	if off > int64(len(data)-width) {
		return object.Undefined
	}
	b := data[off : off+int64(width)]

	switch op {
	case bytecode.OpInt8, bytecode.OpInt8BE:
		return object.FromInt(int64(int8(b[0])))
	case bytecode.OpUint8, bytecode.OpUint8BE:
		return object.FromInt(int64(b[0]))
	case bytecode.OpInt16:
		return object.FromInt(int64(int16(binary.LittleEndian.Uint16(b))))
	case bytecode.OpUint16:
		return object.FromInt(int64(binary.LittleEndian.Uint16(b)))
	case bytecode.OpInt32:
		return object.FromInt(int64(int32(binary.LittleEndian.Uint32(b))))
	case bytecode.OpUint32:
		return object.FromInt(int64(binary.LittleEndian.Uint32(b)))
	case bytecode.OpInt16BE:
		return object.FromInt(int64(int16(binary.BigEndian.Uint16(b))))
	case bytecode.OpUint16BE:
		return object.FromInt(int64(binary.BigEndian.Uint16(b)))
	case bytecode.OpInt32BE:
		return object.FromInt(int64(int32(binary.BigEndian.Uint32(b))))
	}
	return object.FromInt(int64(binary.BigEndian.Uint32(b)))
}
