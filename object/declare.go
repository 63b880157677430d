package object

import (
	"errors"
	"fmt"
)

// DefaultMaxFunctionArgs bounds the length of a prototype's argument format.
const DefaultMaxFunctionArgs = 128

var (
	ErrDuplicateName = errors.New("duplicate name")
	ErrBadSignature  = errors.New("bad function signature")
)

// Declarer builds a schema tree. Methods record the first error and become
// no-ops afterwards, so declaration blocks read as a flat list.
//
//	root, err := object.Declare("pe", func(d *object.Declarer) {
//		d.Integer("machine")
//		d.StructArray("sections", func(d *object.Declarer) {
//			d.String("name")
//		})
//		d.Function("exports", "s", object.TypeInteger, exports)
//	})
type Declarer struct {
	cur     *Object
	maxArgs int
	err     error
}

// DeclareOption adjusts declaration limits.
type DeclareOption func(*Declarer)

// WithMaxFunctionArgs overrides DefaultMaxFunctionArgs.
func WithMaxFunctionArgs(n int) DeclareOption {
	return func(d *Declarer) { d.maxArgs = n }
}

// Declare builds the schema of a module rooted at a struct called name.
func Declare(name string, fn func(d *Declarer), opts ...DeclareOption) (*Object, error) {
	root := New(TypeStruct, name)
	d := &Declarer{cur: root, maxArgs: DefaultMaxFunctionArgs}
	for _, opt := range opts {
		opt(d)
	}
	fn(d)
	if d.err != nil {
		return nil, fmt.Errorf("declare %s: %w", name, d.err)
	}
	return root, nil
}

func (d *Declarer) add(o *Object) {
	if d.err != nil {
		return
	}
	if existing := d.cur.Field(o.Identifier); existing != nil {
		d.err = fmt.Errorf("%s: %w: %q", d.cur.Path(), ErrDuplicateName, o.Identifier)
		return
	}
	d.err = d.cur.AddField(o)
}

func (d *Declarer) nested(o *Object, fn func(d *Declarer)) {
	if d.err != nil {
		return
	}
	saved := d.cur
	d.cur = o
	fn(d)
	d.cur = saved
}

// Integer declares an integer field.
func (d *Declarer) Integer(name string) { d.add(New(TypeInteger, name)) }

// Float declares a float field.
func (d *Declarer) Float(name string) { d.add(New(TypeFloat, name)) }

// String declares a string field.
func (d *Declarer) String(name string) { d.add(New(TypeString, name)) }

func (d *Declarer) collection(t Type, name string, item *Object) {
	c := New(t, name)
	c.prototype = item
	d.add(c)
}

func (d *Declarer) IntegerArray(name string) {
	d.collection(TypeArray, name, New(TypeInteger, name))
}

func (d *Declarer) FloatArray(name string) {
	d.collection(TypeArray, name, New(TypeFloat, name))
}

func (d *Declarer) StringArray(name string) {
	d.collection(TypeArray, name, New(TypeString, name))
}

func (d *Declarer) IntegerDictionary(name string) {
	d.collection(TypeDictionary, name, New(TypeInteger, name))
}

func (d *Declarer) FloatDictionary(name string) {
	d.collection(TypeDictionary, name, New(TypeFloat, name))
}

func (d *Declarer) StringDictionary(name string) {
	d.collection(TypeDictionary, name, New(TypeString, name))
}

// Struct declares a nested struct whose members are declared by fn.
func (d *Declarer) Struct(name string, fn func(d *Declarer)) {
	s := New(TypeStruct, name)
	d.add(s)
	d.nested(s, fn)
}

// StructArray declares an array whose items are structs declared by fn.
func (d *Declarer) StructArray(name string, fn func(d *Declarer)) {
	item := New(TypeStruct, name)
	d.collection(TypeArray, name, item)
	d.nested(item, fn)
}

// StructDictionary declares a dictionary whose entries are structs declared by fn.
func (d *Declarer) StructDictionary(name string, fn func(d *Declarer)) {
	item := New(TypeStruct, name)
	d.collection(TypeDictionary, name, item)
	d.nested(item, fn)
}

// Function declares a function overload. Declaring the same name again with
// a different argument format adds an overload.
func (d *Declarer) Function(name, argFormat string, ret Type, fn Func) {
	if d.err != nil {
		return
	}
	switch {
	case !validFormat(argFormat):
		d.err = fmt.Errorf("%s.%s(%s): %w: unknown type code", d.cur.Path(), name, argFormat, ErrBadSignature)
		return
	case len(argFormat) > d.maxArgs:
		d.err = fmt.Errorf("%s.%s: %w: %d arguments exceed limit %d", d.cur.Path(), name, ErrBadSignature, len(argFormat), d.maxArgs)
		return
	case !ret.IsScalar():
		d.err = fmt.Errorf("%s.%s: %w: return type %s", d.cur.Path(), name, ErrBadSignature, ret)
		return
	case fn == nil:
		d.err = fmt.Errorf("%s.%s: %w: nil implementation", d.cur.Path(), name, ErrBadSignature)
		return
	}

	proto := Prototype{ArgFormat: argFormat, Return: ret, Fn: fn}
	if existing := d.cur.Field(name); existing != nil {
		if existing.Type != TypeFunction {
			d.err = fmt.Errorf("%s: %w: %q", d.cur.Path(), ErrDuplicateName, name)
			return
		}
		if _, dup := existing.Prototype(argFormat); dup {
			d.err = fmt.Errorf("%s: %w: %s(%s)", d.cur.Path(), ErrDuplicateName, name, argFormat)
			return
		}
		existing.prototypes = append(existing.prototypes, proto)
		return
	}

	f := New(TypeFunction, name)
	f.prototypes = []Prototype{proto}
	d.add(f)
}
