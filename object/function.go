package object

import (
	"fmt"
	"strings"
)

// Argument format characters used in function prototypes.
const (
	ArgInteger = 'i'
	ArgFloat   = 'f'
	ArgString  = 's'
	ArgRegexp  = 'r'
)

// Func is the Go implementation behind a declared function. Returning an
// error makes the call evaluate to undefined; returning a value of the wrong
// type is a contract violation.
type Func func(c *Call) (Value, error)

// Prototype is one overload of a function node.
type Prototype struct {
	ArgFormat string
	Return    Type
	Fn        Func
}

// Call carries the arguments of one function invocation.
type Call struct {
	Args []Value

	// Parent is the struct the function is declared in; Root is the top of
	// the module tree, which carries the module's per-scan Data.
	Parent *Object
	Root   *Object
}

func (c *Call) Int(i int) int64 { return c.Args[i].Int() }
func (c *Call) Float64(i int) float64 { return c.Args[i].Float64() }
func (c *Call) Str(i int) string { return c.Args[i].Str() }

// validFormat reports whether every character of format is a known type code.
func validFormat(format string) bool {
	for _, ch := range format {
		switch ch {
		case ArgInteger, ArgFloat, ArgString, ArgRegexp:
		default:
			return false
		}
	}
	return true
}

func argMatches(ch byte, v Value) bool {
	switch ch {
	case ArgInteger:
		return v.IsInt()
	case ArgFloat:
		return v.IsFloat()
	case ArgString:
		return v.IsString()
	case ArgRegexp:
		return v.IsRegexp()
	}
	return false
}

// Prototype returns the overload declared for format.
func (o *Object) Prototype(format string) (Prototype, bool) {
	if o == nil {
		return Prototype{}, false
	}
	for _, p := range o.prototypes {
		if p.ArgFormat == format {
			return p, true
		}
	}
	return Prototype{}, false
}

// Invoke calls the overload of function node o declared for format.
//
// Signatures are fixed at declaration time, so a format with no overload or
// arguments that disagree with it mean the bytecode was generated against a
// different schema; those are returned as ErrContract errors. An undefined
// argument short-circuits to Undefined without calling the function.
func (o *Object) Invoke(format string, args []Value) (Value, error) {
	if o == nil {
		return Undefined, nil
	}
	if o.Type != TypeFunction {
		return Undefined, fmt.Errorf("%s (%s): %w", o.Path(), o.Type, ErrNotFunction)
	}
	proto, ok := o.Prototype(format)
	if !ok {
		return Undefined, fmt.Errorf("%s(%s): %w", o.Path(), format, ErrNoPrototype)
	}
	if len(args) != len(format) {
		return Undefined, fmt.Errorf("%s(%s): got %d arguments: %w", o.Path(), format, len(args), ErrArgumentType)
	}
	for _, a := range args {
		if a.IsUndefined() {
			return Undefined, nil
		}
	}
	for i, a := range args {
		if !argMatches(format[i], a) {
			return Undefined, fmt.Errorf("%s(%s): argument %d is %s: %w", o.Path(), format, i+1, a.Kind(), ErrArgumentType)
		}
	}

	result, err := proto.Fn(&Call{Args: args, Parent: o.Parent, Root: o.Root()})
	if err != nil {
		return Undefined, err
	}
	if result.IsDefined() && result.Kind() != proto.Return.valueKind() {
		return Undefined, fmt.Errorf("%s(%s) returned %s, declared %s: %w", o.Path(), format, result.Kind(), proto.Return, ErrReturnType)
	}
	return result, nil
}

// Signature renders every overload, e.g. "do1(sii) -> integer".
func (o *Object) Signature() string {
	parts := make([]string, 0, len(o.prototypes))
	for _, p := range o.prototypes {
		parts = append(parts, fmt.Sprintf("%s(%s) -> %s", o.Identifier, p.ArgFormat, p.Return))
	}
	return strings.Join(parts, "; ")
}
