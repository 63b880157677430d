package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ProgramVersion is the current program format version.
// Increment when making incompatible changes to the format.
const ProgramVersion uint16 = 1

// RuleFlags carry per-rule attributes set by the compiler.
type RuleFlags uint8

const (
	// RuleGlobal marks a rule whose failure makes every rule in its
	// namespace fail.
	RuleGlobal RuleFlags = 1 << 0

	// RulePrivate marks a rule that is evaluated but never reported.
	RulePrivate RuleFlags = 1 << 1

	// RuleDisabled marks a rule whose body is skipped by INIT_RULE.
	RuleDisabled RuleFlags = 1 << 2
)

// PatternFlags carry per-pattern attributes.
type PatternFlags uint8

const (
	// PatternNoCase makes literal search ASCII case-insensitive.
	PatternNoCase PatternFlags = 1 << 0

	// PatternPrivate hides the pattern's matches from reports.
	PatternPrivate PatternFlags = 1 << 1
)

// RegexpFlags carry compile options for entries in the regexp pool.
type RegexpFlags uint8

const (
	RegexpNoCase RegexpFlags = 1 << 0
	RegexpDotAll RegexpFlags = 1 << 1
)

// Rule describes one compiled rule.
type Rule struct {
	Identifier string    `cbor:"1,keyasint"`
	Namespace  int       `cbor:"2,keyasint"` // index into Program.Namespaces
	Flags      RuleFlags `cbor:"3,keyasint,omitempty"`
	Tags       []string  `cbor:"4,keyasint,omitempty"`
}

// Global reports whether the rule is a global rule.
func (r *Rule) Global() bool { return r.Flags&RuleGlobal != 0 }

// Private reports whether the rule is private.
func (r *Rule) Private() bool { return r.Flags&RulePrivate != 0 }

// Disabled reports whether the rule was compiled as disabled.
func (r *Rule) Disabled() bool { return r.Flags&RuleDisabled != 0 }

// Pattern describes one pattern owned by a rule. Text is only set for
// literal patterns; other pattern kinds are located by an external scanner.
type Pattern struct {
	Identifier string       `cbor:"1,keyasint"`
	Rule       int          `cbor:"2,keyasint"`
	Text       []byte       `cbor:"3,keyasint,omitempty"`
	Flags      PatternFlags `cbor:"4,keyasint,omitempty"`
}

// Regexp is an entry of the regexp pool referenced by OpPushRegexp.
type Regexp struct {
	Source string      `cbor:"1,keyasint"`
	Flags  RegexpFlags `cbor:"2,keyasint,omitempty"`
}

// Limits records the compile-time bounds the program was generated for.
// The interpreter trusts memory-slot and nesting indexes within these bounds.
type Limits struct {
	MaxLoopNesting   int `cbor:"1,keyasint"`
	MaxLoopVars      int `cbor:"2,keyasint"`
	InternalLoopVars int `cbor:"3,keyasint"`
	MaxFunctionArgs  int `cbor:"4,keyasint"`
}

// DefaultLimits mirrors the bounds used by the reference rule compiler.
func DefaultLimits() Limits {
	return Limits{
		MaxLoopNesting:   4,
		MaxLoopVars:      2,
		InternalLoopVars: 3,
		MaxFunctionArgs:  128,
	}
}

// MemorySlots returns the size of the register bank's memory array.
func (l Limits) MemorySlots() int {
	return l.MaxLoopNesting * (l.MaxLoopVars + l.InternalLoopVars)
}

// Program is a compiled rule set: one instruction stream shared by every
// rule, plus the pools its operands index into.
type Program struct {
	Version uint16 `cbor:"1,keyasint"`
	Limits  Limits `cbor:"2,keyasint"`

	// Code section
	Code []byte `cbor:"3,keyasint"`

	// String pool - identifiers and literals referenced by 8-byte operands
	Strings []string `cbor:"4,keyasint,omitempty"`

	Namespaces []string  `cbor:"5,keyasint,omitempty"`
	Rules      []Rule    `cbor:"6,keyasint,omitempty"`
	Patterns   []Pattern `cbor:"7,keyasint,omitempty"`
	Regexps    []Regexp  `cbor:"8,keyasint,omitempty"`

	stringIndex map[string]uint64
}

// NewProgram creates a new empty program with the current version.
func NewProgram() *Program {
	return &Program{
		Version: ProgramVersion,
		Limits:  DefaultLimits(),
		Code:    make([]byte, 0, 256),
	}
}

// AddString adds a string to the pool and returns its index.
// If the string already exists, returns the existing index.
func (p *Program) AddString(s string) uint64 {
	if p.stringIndex == nil {
		p.stringIndex = make(map[string]uint64, len(p.Strings))
		for i, existing := range p.Strings {
			p.stringIndex[existing] = uint64(i)
		}
	}
	if idx, ok := p.stringIndex[s]; ok {
		return idx
	}
	idx := uint64(len(p.Strings))
	p.Strings = append(p.Strings, s)
	p.stringIndex[s] = idx
	return idx
}

// StringAt returns the pooled string at idx and whether it exists.
func (p *Program) StringAt(idx uint64) (string, bool) {
	if idx >= uint64(len(p.Strings)) {
		return "", false
	}
	return p.Strings[idx], true
}

// AddNamespace registers a namespace and returns its index.
func (p *Program) AddNamespace(name string) int {
	for i, ns := range p.Namespaces {
		if ns == name {
			return i
		}
	}
	p.Namespaces = append(p.Namespaces, name)
	return len(p.Namespaces) - 1
}

// AddRule appends a rule in the given namespace and returns its index.
func (p *Program) AddRule(identifier, namespace string, flags RuleFlags) int {
	p.Rules = append(p.Rules, Rule{
		Identifier: identifier,
		Namespace:  p.AddNamespace(namespace),
		Flags:      flags,
	})
	return len(p.Rules) - 1
}

// AddPattern appends a pattern owned by rule and returns its index.
func (p *Program) AddPattern(rule int, identifier string, text []byte, flags PatternFlags) int {
	p.Patterns = append(p.Patterns, Pattern{
		Identifier: identifier,
		Rule:       rule,
		Text:       text,
		Flags:      flags,
	})
	return len(p.Patterns) - 1
}

// AddRegexp appends a regexp to the pool and returns its index.
func (p *Program) AddRegexp(source string, flags RegexpFlags) int {
	p.Regexps = append(p.Regexps, Regexp{Source: source, Flags: flags})
	return len(p.Regexps) - 1
}

// RuleIndex returns the index of the rule with the given identifier, or -1.
func (p *Program) RuleIndex(identifier string) int {
	for i := range p.Rules {
		if p.Rules[i].Identifier == identifier {
			return i
		}
	}
	return -1
}

// Emit appends a single-byte opcode to the code section.
func (p *Program) Emit(op Opcode) int {
	offset := len(p.Code)
	p.Code = append(p.Code, byte(op))
	return offset
}

// EmitWithOperand appends an opcode with raw operand bytes.
func (p *Program) EmitWithOperand(op Opcode, operands ...byte) int {
	offset := len(p.Code)
	p.Code = append(p.Code, byte(op))
	p.Code = append(p.Code, operands...)
	return offset
}

// EmitU64 appends an opcode with an 8-byte little-endian operand.
func (p *Program) EmitU64(op Opcode, v uint64) int {
	offset := len(p.Code)
	p.Code = append(p.Code, byte(op))
	p.Code = binary.LittleEndian.AppendUint64(p.Code, v)
	return offset
}

// EmitString appends an opcode whose operand indexes the string pool.
func (p *Program) EmitString(op Opcode, s string) int {
	return p.EmitU64(op, p.AddString(s))
}

// EmitPush emits the shortest push for v. Negative values use the 8-byte form.
func (p *Program) EmitPush(v int64) int {
	offset := len(p.Code)
	switch {
	case v >= 0 && v <= math.MaxUint8:
		p.Code = append(p.Code, byte(OpPush8), byte(v))
	case v >= 0 && v <= math.MaxUint16:
		p.Code = append(p.Code, byte(OpPush16))
		p.Code = binary.LittleEndian.AppendUint16(p.Code, uint16(v))
	case v >= 0 && v <= math.MaxUint32:
		p.Code = append(p.Code, byte(OpPush32))
		p.Code = binary.LittleEndian.AppendUint32(p.Code, uint32(v))
	default:
		p.Code = append(p.Code, byte(OpPush))
		p.Code = binary.LittleEndian.AppendUint64(p.Code, uint64(v))
	}
	return offset
}

// EmitPushDouble emits a float literal.
func (p *Program) EmitPushDouble(f float64) int {
	return p.EmitU64(OpPushDbl, math.Float64bits(f))
}

// EmitJump emits a jump instruction with a placeholder offset.
// Returns the offset of the placeholder for later patching.
func (p *Program) EmitJump(op Opcode) int {
	if !op.IsJump() || op == OpInitRule {
		panic(fmt.Sprintf("bytecode: EmitJump with non-jump opcode %s", op))
	}
	offset := len(p.Code)
	p.Code = append(p.Code, byte(op), 0, 0, 0, 0)
	return offset + 1
}

// EmitInitRule emits INIT_RULE for rule with a placeholder skip offset.
// Returns the offset of the placeholder for later patching at the rule's end.
func (p *Program) EmitInitRule(rule int) int {
	offset := len(p.Code)
	p.Code = append(p.Code, byte(OpInitRule), 0, 0, 0, 0)
	p.Code = binary.LittleEndian.AppendUint32(p.Code, uint32(rule))
	return offset + 1
}

// PatchJump patches a jump placeholder to land on the current position.
func (p *Program) PatchJump(placeholderOffset int) {
	p.PatchJumpTo(placeholderOffset, len(p.Code))
}

// PatchJumpTo patches a jump placeholder to land on target.
func (p *Program) PatchJumpTo(placeholderOffset int, target int) {
	// Relative to the byte after the 4-byte offset field
	delta := int32(target - (placeholderOffset + 4))
	binary.LittleEndian.PutUint32(p.Code[placeholderOffset:], uint32(delta))
}

// CurrentOffset returns the current offset in the code section.
func (p *Program) CurrentOffset() int {
	return len(p.Code)
}

// CodeLen returns the length of the code section.
func (p *Program) CodeLen() int {
	return len(p.Code)
}

// Validate checks that the pools referenced by the code exist and that every
// instruction decodes. It does not check stack discipline.
func (p *Program) Validate() error {
	if p.Version > ProgramVersion {
		return fmt.Errorf("program version %d is newer than supported version %d", p.Version, ProgramVersion)
	}
	for i := range p.Rules {
		if p.Rules[i].Namespace < 0 || p.Rules[i].Namespace >= len(p.Namespaces) {
			return fmt.Errorf("rule %q references missing namespace %d", p.Rules[i].Identifier, p.Rules[i].Namespace)
		}
	}
	for i := range p.Patterns {
		if p.Patterns[i].Rule < 0 || p.Patterns[i].Rule >= len(p.Rules) {
			return fmt.Errorf("pattern %q references missing rule %d", p.Patterns[i].Identifier, p.Patterns[i].Rule)
		}
	}

	offset := 0
	for offset < len(p.Code) {
		in, err := Decode(p.Code, offset)
		if err != nil {
			return err
		}
		if err := p.checkOperand(in); err != nil {
			return err
		}
		offset = in.Next()
	}
	return nil
}

func (p *Program) checkOperand(in Instruction) error {
	var limit int
	switch {
	case in.Op.TakesString():
		limit = len(p.Strings)
	case in.Op == OpPushPattern:
		limit = len(p.Patterns)
	case in.Op == OpPushRegexp:
		limit = len(p.Regexps)
	case in.Op == OpPushRule || in.Op == OpMatchRule:
		limit = len(p.Rules)
	case in.Op == OpInitRule:
		if int(in.RuleIndex()) >= len(p.Rules) {
			return fmt.Errorf("%s at %04X: rule %d out of range", in.Op, in.Offset, in.RuleIndex())
		}
		return nil
	default:
		return nil
	}
	if in.Uint64() >= uint64(limit) {
		return fmt.Errorf("%s at %04X: operand %d out of range (pool size %d)", in.Op, in.Offset, in.Uint64(), limit)
	}
	return nil
}
