package object

import (
	"fmt"
	"regexp"
	"strconv"
)

// ValueKind tags the active variant of a Value.
type ValueKind uint8

const (
	KindUndefined ValueKind = iota
	KindInteger
	KindDouble
	KindString
	KindObject
	KindPattern
	KindRegexp
	KindIterator
)

var valueKindNames = [...]string{
	KindUndefined: "undefined",
	KindInteger:   "integer",
	KindDouble:    "double",
	KindString:    "string",
	KindObject:    "object",
	KindPattern:   "pattern",
	KindRegexp:    "regexp",
	KindIterator:  "iterator",
}

func (k ValueKind) String() string {
	if int(k) < len(valueKindNames) {
		return valueKindNames[k]
	}
	return fmt.Sprintf("ValueKind(%d)", uint8(k))
}

// Value is the unit of computation on the evaluation stack and in registers.
//
// The zero Value is undefined. Integer, double and string are the scalar
// variants rules compute with; object, pattern, regexp and iterator values are
// references the interpreter passes between instructions and never exposes
// as rule results. Values are copied freely; string payloads share the
// caller's backing memory.
type Value struct {
	kind ValueKind
	i    int64
	f    float64
	s    string
	ref  any
}

// Undefined is the propagating "no value" result.
var Undefined = Value{}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// FromInt returns an integer value.
func FromInt(n int64) Value {
	return Value{kind: KindInteger, i: n}
}

// FromBool returns the integer 1 or 0.
func FromBool(b bool) Value {
	if b {
		return Value{kind: KindInteger, i: 1}
	}
	return Value{kind: KindInteger}
}

// FromFloat64 returns a double value.
func FromFloat64(f float64) Value {
	return Value{kind: KindDouble, f: f}
}

// FromString returns a string value. The bytes are not copied.
func FromString(s string) Value {
	return Value{kind: KindString, s: s}
}

// FromObject returns a reference to o, or Undefined if o is nil.
func FromObject(o *Object) Value {
	if o == nil {
		return Undefined
	}
	return Value{kind: KindObject, ref: o}
}

// FromPattern returns a reference to a pattern by its program index.
func FromPattern(index int) Value {
	return Value{kind: KindPattern, i: int64(index)}
}

// FromRegexp returns a reference to a compiled regular expression.
func FromRegexp(re *regexp.Regexp) Value {
	if re == nil {
		return Undefined
	}
	return Value{kind: KindRegexp, ref: re}
}

// FromIterator wraps interpreter iterator state.
func FromIterator(it any) Value {
	return Value{kind: KindIterator, ref: it}
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsUndefined() bool { return v.kind == KindUndefined }
func (v Value) IsDefined() bool { return v.kind != KindUndefined }
func (v Value) IsInt() bool { return v.kind == KindInteger }
func (v Value) IsFloat() bool { return v.kind == KindDouble }
func (v Value) IsString() bool { return v.kind == KindString }
func (v Value) IsObject() bool { return v.kind == KindObject }
func (v Value) IsPattern() bool { return v.kind == KindPattern }
func (v Value) IsRegexp() bool { return v.kind == KindRegexp }
func (v Value) IsIterator() bool { return v.kind == KindIterator }

// IsScalar reports whether v is an integer, double or string.
func (v Value) IsScalar() bool {
	return v.kind == KindInteger || v.kind == KindDouble || v.kind == KindString
}

// ---------------------------------------------------------------------------
// Accessors. Each returns the zero value of its type for other variants.
// ---------------------------------------------------------------------------

func (v Value) Int() int64 {
	if v.kind == KindInteger {
		return v.i
	}
	return 0
}

func (v Value) Float64() float64 {
	if v.kind == KindDouble {
		return v.f
	}
	return 0
}

func (v Value) Str() string {
	if v.kind == KindString {
		return v.s
	}
	return ""
}

func (v Value) Object() *Object {
	o, _ := v.ref.(*Object)
	return o
}

// Pattern returns the pattern index, or -1 when v is not a pattern reference.
func (v Value) Pattern() int {
	if v.kind == KindPattern {
		return int(v.i)
	}
	return -1
}

func (v Value) Regexp() *regexp.Regexp {
	re, _ := v.ref.(*regexp.Regexp)
	return re
}

func (v Value) Iterator() any {
	if v.kind == KindIterator {
		return v.ref
	}
	return nil
}

// Bool is the truth of a condition result: non-zero integers and doubles and
// non-empty strings are true; undefined and references are false.
func (v Value) Bool() bool {
	switch v.kind {
	case KindInteger:
		return v.i != 0
	case KindDouble:
		return v.f != 0
	case KindString:
		return v.s != ""
	}
	return false
}

// Equal reports whether two values have the same variant and payload.
// Doubles compare by ==, so NaN is never equal to itself.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindUndefined:
		return true
	case KindInteger, KindPattern:
		return v.i == o.i
	case KindDouble:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	}
	return v.ref == o.ref
}

func (v Value) String() string {
	switch v.kind {
	case KindUndefined:
		return "undefined"
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.s)
	case KindObject:
		if o := v.Object(); o != nil {
			return "object " + o.Path()
		}
	case KindPattern:
		return fmt.Sprintf("pattern #%d", v.i)
	case KindRegexp:
		if re := v.Regexp(); re != nil {
			return "/" + re.String() + "/"
		}
	}
	return v.kind.String()
}
