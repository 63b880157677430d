// Package object implements the typed object tree that modules and external
// variables expose to rule conditions.
//
// A module declares its schema once with Declare. Every scan works on a Clone
// of that schema, so per-scan values never leak between concurrent scans.
// All descent operations (Field, Index, Lookup) are miss-tolerant: a missing
// name, key or index yields nil, which the interpreter turns into undefined.
package object

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Type tags the variant of an object node.
type Type uint8

const (
	TypeInteger Type = iota + 1
	TypeFloat
	TypeString
	TypeStruct
	TypeArray
	TypeDictionary
	TypeFunction
)

var typeNames = [...]string{
	TypeInteger:    "integer",
	TypeFloat:      "float",
	TypeString:     "string",
	TypeStruct:     "struct",
	TypeArray:      "array",
	TypeDictionary: "dictionary",
	TypeFunction:   "function",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// IsScalar reports whether nodes of type t carry a Value.
func (t Type) IsScalar() bool {
	return t == TypeInteger || t == TypeFloat || t == TypeString
}

// valueKind maps a scalar type to the Value variant it stores.
func (t Type) valueKind() ValueKind {
	switch t {
	case TypeInteger:
		return KindInteger
	case TypeFloat:
		return KindDouble
	case TypeString:
		return KindString
	}
	return KindUndefined
}

// ErrContract is wrapped by every error that signals a caller broke the
// object model's typing rules. The interpreter treats these as fatal.
var ErrContract = errors.New("object contract violation")

var (
	ErrNotScalar    = fmt.Errorf("%w: node has no scalar value", ErrContract)
	ErrNotFunction  = fmt.Errorf("%w: node is not a function", ErrContract)
	ErrNoPrototype  = fmt.Errorf("%w: no prototype for argument format", ErrContract)
	ErrArgumentType = fmt.Errorf("%w: argument does not match format", ErrContract)
	ErrReturnType   = fmt.Errorf("%w: return value does not match declaration", ErrContract)
	ErrTypeMismatch = fmt.Errorf("%w: value does not match node type", ErrContract)
)

// Object is one node of the typed tree.
type Object struct {
	Type       Type
	Identifier string
	Parent     *Object

	// Data is private per-scan state attached by the module that owns the
	// tree. Functions reach it through Call.Root.
	Data any

	value Value // scalar types

	fields []*Object // struct members in declaration order

	items     []*Object // array items, may contain nil holes
	entries   map[string]*Object
	keys      []string // dictionary keys in insertion order
	prototype *Object  // template for array items and dictionary entries

	prototypes []Prototype // function overloads
}

// New creates an empty node.
func New(t Type, identifier string) *Object {
	o := &Object{Type: t, Identifier: identifier}
	if t == TypeDictionary {
		o.entries = make(map[string]*Object)
	}
	return o
}

// NewScalar creates a scalar node holding v. The node type follows v's kind;
// undefined values produce an integer node that is still undefined.
func NewScalar(identifier string, v Value) *Object {
	t := TypeInteger
	switch v.Kind() {
	case KindDouble:
		t = TypeFloat
	case KindString:
		t = TypeString
	}
	o := New(t, identifier)
	o.value = v
	return o
}

// ---------------------------------------------------------------------------
// Descent: every miss returns nil
// ---------------------------------------------------------------------------

// Field returns the struct member called name.
func (o *Object) Field(name string) *Object {
	if o == nil || o.Type != TypeStruct {
		return nil
	}
	for _, f := range o.fields {
		if f.Identifier == name {
			return f
		}
	}
	return nil
}

// Index returns the array item at i.
func (o *Object) Index(i int64) *Object {
	if o == nil || o.Type != TypeArray || i < 0 || i >= int64(len(o.items)) {
		return nil
	}
	return o.items[i]
}

// Lookup returns the dictionary entry for key.
func (o *Object) Lookup(key string) *Object {
	if o == nil || o.Type != TypeDictionary {
		return nil
	}
	return o.entries[key]
}

// Len returns the number of array slots or dictionary entries.
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	switch o.Type {
	case TypeArray:
		return len(o.items)
	case TypeDictionary:
		return len(o.keys)
	case TypeStruct:
		return len(o.fields)
	}
	return 0
}

// Keys returns dictionary keys in insertion order.
func (o *Object) Keys() []string {
	if o == nil || o.Type != TypeDictionary {
		return nil
	}
	return o.keys
}

// Fields returns struct members in declaration order.
func (o *Object) Fields() []*Object {
	if o == nil || o.Type != TypeStruct {
		return nil
	}
	return o.fields
}

// Prototypes returns the overloads of a function node.
func (o *Object) Prototypes() []Prototype {
	if o == nil {
		return nil
	}
	return o.prototypes
}

// Value materializes a scalar node. A nil node is undefined.
func (o *Object) Value() (Value, error) {
	if o == nil {
		return Undefined, nil
	}
	if !o.Type.IsScalar() {
		return Undefined, fmt.Errorf("%s (%s): %w", o.Path(), o.Type, ErrNotScalar)
	}
	return o.value, nil
}

// Root returns the top of the tree containing o.
func (o *Object) Root() *Object {
	for o != nil && o.Parent != nil {
		o = o.Parent
	}
	return o
}

// Path returns the dotted path from the root to o.
func (o *Object) Path() string {
	if o == nil {
		return "<nil>"
	}
	if o.Parent == nil {
		return o.Identifier
	}
	parent := o.Parent.Path()
	switch o.Parent.Type {
	case TypeArray:
		for i, item := range o.Parent.items {
			if item == o {
				return parent + "[" + strconv.Itoa(i) + "]"
			}
		}
		return parent + "[]"
	case TypeDictionary:
		for k, e := range o.Parent.entries {
			if e == o {
				return parent + "[" + strconv.Quote(k) + "]"
			}
		}
		return parent + "[]"
	}
	return parent + "." + o.Identifier
}

// ---------------------------------------------------------------------------
// Mutation
// ---------------------------------------------------------------------------

// Set stores v into a scalar node. Undefined clears the node; any other
// variant must match the node type.
func (o *Object) Set(v Value) error {
	if !o.Type.IsScalar() {
		return fmt.Errorf("%s (%s): %w", o.Path(), o.Type, ErrNotScalar)
	}
	if v.IsDefined() && v.Kind() != o.Type.valueKind() {
		return fmt.Errorf("%s: cannot store %s in %s: %w", o.Path(), v.Kind(), o.Type, ErrTypeMismatch)
	}
	o.value = v
	return nil
}

// AddField attaches child to a struct node.
func (o *Object) AddField(child *Object) error {
	if o.Type != TypeStruct {
		return fmt.Errorf("%s is a %s, not a struct", o.Path(), o.Type)
	}
	if o.Field(child.Identifier) != nil {
		return fmt.Errorf("%s: %w: %q", o.Path(), ErrDuplicateName, child.Identifier)
	}
	child.Parent = o
	o.fields = append(o.fields, child)
	return nil
}

// SetItem stores child at index i, growing the array with holes as needed.
func (o *Object) SetItem(i int, child *Object) error {
	if o.Type != TypeArray {
		return fmt.Errorf("%s is a %s, not an array", o.Path(), o.Type)
	}
	if i < 0 {
		return fmt.Errorf("%s: negative index %d", o.Path(), i)
	}
	for len(o.items) <= i {
		o.items = append(o.items, nil)
	}
	child.Parent = o
	o.items[i] = child
	return nil
}

// SetEntry stores child under key.
func (o *Object) SetEntry(key string, child *Object) error {
	if o.Type != TypeDictionary {
		return fmt.Errorf("%s is a %s, not a dictionary", o.Path(), o.Type)
	}
	if _, ok := o.entries[key]; !ok {
		o.keys = append(o.keys, key)
	}
	child.Parent = o
	o.entries[key] = child
	return nil
}

// item returns the array item at i, creating it from the prototype.
func (o *Object) item(i int) (*Object, error) {
	if it := o.Index(int64(i)); it != nil {
		return it, nil
	}
	if o.prototype == nil {
		return nil, fmt.Errorf("%s: array has no item prototype", o.Path())
	}
	it := o.prototype.Clone()
	if err := o.SetItem(i, it); err != nil {
		return nil, err
	}
	return it, nil
}

// entry returns the dictionary entry for key, creating it from the prototype.
func (o *Object) entry(key string) (*Object, error) {
	if e := o.Lookup(key); e != nil {
		return e, nil
	}
	if o.prototype == nil {
		return nil, fmt.Errorf("%s: dictionary has no entry prototype", o.Path())
	}
	e := o.prototype.Clone()
	e.Identifier = key
	if err := o.SetEntry(key, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Clone deep-copies o. Function prototypes and item templates are shared,
// since they are read-only after declaration. Data is not copied.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	c := &Object{
		Type:       o.Type,
		Identifier: o.Identifier,
		value:      o.value,
		prototype:  o.prototype,
		prototypes: o.prototypes,
	}
	if len(o.fields) > 0 {
		c.fields = make([]*Object, len(o.fields))
		for i, f := range o.fields {
			c.fields[i] = f.Clone()
			c.fields[i].Parent = c
		}
	}
	if len(o.items) > 0 {
		c.items = make([]*Object, len(o.items))
		for i, it := range o.items {
			if it != nil {
				c.items[i] = it.Clone()
				c.items[i].Parent = c
			}
		}
	}
	if o.Type == TypeDictionary {
		c.entries = make(map[string]*Object, len(o.entries))
		c.keys = append([]string(nil), o.keys...)
		for k, e := range o.entries {
			ce := e.Clone()
			ce.Parent = c
			c.entries[k] = ce
		}
	}
	return c
}

// Reset clears every per-scan value under o: scalars become undefined,
// arrays and dictionaries become empty. The schema is kept.
func (o *Object) Reset() {
	if o == nil {
		return
	}
	switch o.Type {
	case TypeInteger, TypeFloat, TypeString:
		o.value = Undefined
	case TypeStruct:
		for _, f := range o.fields {
			f.Reset()
		}
	case TypeArray:
		o.items = nil
	case TypeDictionary:
		o.entries = make(map[string]*Object)
		o.keys = nil
	}
	o.Data = nil
}

// String renders the tree for debugging, one node per line.
func (o *Object) String() string {
	var sb strings.Builder
	o.dump(&sb, 0)
	return sb.String()
}

func (o *Object) dump(sb *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	switch o.Type {
	case TypeStruct:
		fmt.Fprintf(sb, "%s%s\n", indent, o.Identifier)
		for _, f := range o.fields {
			f.dump(sb, depth+1)
		}
	case TypeArray:
		fmt.Fprintf(sb, "%s%s[%d]\n", indent, o.Identifier, len(o.items))
		for i, it := range o.items {
			if it != nil {
				fmt.Fprintf(sb, "%s  [%d]\n", indent, i)
				it.dump(sb, depth+2)
			}
		}
	case TypeDictionary:
		fmt.Fprintf(sb, "%s%s{%d}\n", indent, o.Identifier, len(o.keys))
		for _, k := range o.keys {
			fmt.Fprintf(sb, "%s  [%q]\n", indent, k)
			o.entries[k].dump(sb, depth+2)
		}
	case TypeFunction:
		for _, p := range o.prototypes {
			fmt.Fprintf(sb, "%s%s(%s) -> %s\n", indent, o.Identifier, p.ArgFormat, p.Return)
		}
	default:
		fmt.Fprintf(sb, "%s%s = %s\n", indent, o.Identifier, o.value)
	}
}
