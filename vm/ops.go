package vm

import (
	"bytes"
	"math"
	"strings"

	"github.com/chazu/verdict/object"
	"github.com/chazu/verdict/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Integer operations
// ---------------------------------------------------------------------------

// intBinary applies a two-operand integer instruction. Any undefined operand
// yields undefined, as do division by zero and overflowing division.
func intBinary(op bytecode.Opcode, a, b object.Value) object.Value {
	if a.IsUndefined() || b.IsUndefined() {
		return object.Undefined
	}
	x, y := a.Int(), b.Int()

	switch op {
	case bytecode.OpIntAdd:
		return object.FromInt(x + y)
	case bytecode.OpIntSub:
		return object.FromInt(x - y)
	case bytecode.OpIntMul:
		return object.FromInt(x * y)
	case bytecode.OpIntDiv:
		if y == 0 || (x == math.MinInt64 && y == -1) {
			return object.Undefined
		}
		return object.FromInt(x / y)
	case bytecode.OpMod:
		if y == 0 || (x == math.MinInt64 && y == -1) {
			return object.Undefined
		}
		return object.FromInt(x % y)

	case bytecode.OpBitwiseAnd:
		return object.FromInt(x & y)
	case bytecode.OpBitwiseOr:
		return object.FromInt(x | y)
	case bytecode.OpBitwiseXor:
		return object.FromInt(x ^ y)
	case bytecode.OpShl:
		if y < 0 {
			return object.Undefined
		}
		if y >= 64 {
			return object.FromInt(0)
		}
		return object.FromInt(x << uint(y))
	case bytecode.OpShr:
		if y < 0 {
			return object.Undefined
		}
		if y >= 64 {
			return object.FromInt(0)
		}
		return object.FromInt(x >> uint(y))

	case bytecode.OpIntEq:
		return object.FromBool(x == y)
	case bytecode.OpIntNeq:
		return object.FromBool(x != y)
	case bytecode.OpIntLt:
		return object.FromBool(x < y)
	case bytecode.OpIntGt:
		return object.FromBool(x > y)
	case bytecode.OpIntLe:
		return object.FromBool(x <= y)
	case bytecode.OpIntGe:
		return object.FromBool(x >= y)
	}
	throwf(ErrContractViolation, "%s is not an integer operation", op)
	return object.Undefined
}

// ---------------------------------------------------------------------------
// Float operations
// ---------------------------------------------------------------------------

// dblBinary applies a two-operand float instruction. Division follows IEEE
// 754, so dividing by zero gives an infinity or NaN rather than undefined.
func dblBinary(op bytecode.Opcode, a, b object.Value) object.Value {
	if a.IsUndefined() || b.IsUndefined() {
		return object.Undefined
	}
	x, y := a.Float64(), b.Float64()

	switch op {
	case bytecode.OpDblAdd:
		return object.FromFloat64(x + y)
	case bytecode.OpDblSub:
		return object.FromFloat64(x - y)
	case bytecode.OpDblMul:
		return object.FromFloat64(x * y)
	case bytecode.OpDblDiv:
		return object.FromFloat64(x / y)
	case bytecode.OpDblEq:
		return object.FromBool(x == y)
	case bytecode.OpDblNeq:
		return object.FromBool(x != y)
	case bytecode.OpDblLt:
		return object.FromBool(x < y)
	case bytecode.OpDblGt:
		return object.FromBool(x > y)
	case bytecode.OpDblLe:
		return object.FromBool(x <= y)
	case bytecode.OpDblGe:
		return object.FromBool(x >= y)
	}
	throwf(ErrContractViolation, "%s is not a float operation", op)
	return object.Undefined
}

// ---------------------------------------------------------------------------
// String operations
// ---------------------------------------------------------------------------

// strBinary applies a string comparison or predicate. Strings are compared
// bytewise; the case-insensitive predicates fold ASCII letters only.
func strBinary(op bytecode.Opcode, a, b object.Value) object.Value {
	if a.IsUndefined() || b.IsUndefined() {
		return object.Undefined
	}
	x, y := a.Str(), b.Str()

	switch op {
	case bytecode.OpStrEq:
		return object.FromBool(x == y)
	case bytecode.OpStrNeq:
		return object.FromBool(x != y)
	case bytecode.OpStrLt:
		return object.FromBool(x < y)
	case bytecode.OpStrGt:
		return object.FromBool(x > y)
	case bytecode.OpStrLe:
		return object.FromBool(x <= y)
	case bytecode.OpStrGe:
		return object.FromBool(x >= y)

	case bytecode.OpContains:
		return object.FromBool(strings.Contains(x, y))
	case bytecode.OpStartsWith:
		return object.FromBool(strings.HasPrefix(x, y))
	case bytecode.OpEndsWith:
		return object.FromBool(strings.HasSuffix(x, y))
	case bytecode.OpIContains:
		return object.FromBool(bytes.Contains(foldASCII(x), foldASCII(y)))
	case bytecode.OpIStartsWith:
		return object.FromBool(bytes.HasPrefix(foldASCII(x), foldASCII(y)))
	case bytecode.OpIEndsWith:
		return object.FromBool(bytes.HasSuffix(foldASCII(x), foldASCII(y)))
	case bytecode.OpIEquals:
		return object.FromBool(bytes.Equal(foldASCII(x), foldASCII(y)))
	}
	throwf(ErrContractViolation, "%s is not a string operation", op)
	return object.Undefined
}

// foldASCII lowercases ASCII letters and leaves every other byte alone, so
// arbitrary binary strings survive the comparison.
func foldASCII(s string) []byte {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return b
}

// latin1 maps every byte to the rune of the same value, so regexps built
// from transcoded sources match byte by byte: `\xff` matches the byte 0xFF
// and `.` consumes one byte, including bytes that are not valid UTF-8.
func latin1(s string) string {
	ascii := true
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return s
	}
	var sb strings.Builder
	sb.Grow(2 * len(s))
	for i := 0; i < len(s); i++ {
		sb.WriteRune(rune(s[i]))
	}
	return sb.String()
}
