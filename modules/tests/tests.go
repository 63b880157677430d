// Package tests is a module with fixed contents that covers every node type
// and function shape the object model supports. Rule and interpreter tests
// import it to exercise structures without a real file parser.
package tests

import (
	"context"
	"errors"

	"github.com/chazu/verdict/module"
	"github.com/chazu/verdict/object"
)

// Name is the identifier rules import this module by.
const Name = "tests"

// FailLoad, passed as module data, makes Load fail.
const FailLoad = "fail"

// Module implements module.Module.
type Module struct {
	module.Base
}

// New returns the tests module.
func New() *Module { return &Module{} }

func (*Module) Name() string { return Name }

func (*Module) Declare(d *object.Declarer) {
	d.Struct("constants", func(d *object.Declarer) {
		d.Integer("one")
		d.Integer("two")
		d.String("foo")
		d.String("empty")
		d.Float("half")
	})
	d.Struct("undefined", func(d *object.Declarer) {
		d.Integer("i")
		d.Float("f")
	})
	d.String("module_data")
	d.Integer("datasize")
	d.IntegerArray("integer_array")
	d.StringArray("string_array")
	d.IntegerDictionary("integer_dict")
	d.StringDictionary("string_dict")
	d.StructArray("struct_array", func(d *object.Declarer) {
		d.Integer("i")
		d.String("s")
	})
	d.StructDictionary("struct_dict", func(d *object.Declarer) {
		d.Integer("i")
		d.String("s")
	})

	d.Function("fsum", "ff", object.TypeFloat, func(c *object.Call) (object.Value, error) {
		return object.FromFloat64(c.Float64(0) + c.Float64(1)), nil
	})
	d.Function("fsum", "fff", object.TypeFloat, func(c *object.Call) (object.Value, error) {
		return object.FromFloat64(c.Float64(0) + c.Float64(1) + c.Float64(2)), nil
	})
	d.Function("isum", "ii", object.TypeInteger, func(c *object.Call) (object.Value, error) {
		return object.FromInt(c.Int(0) + c.Int(1)), nil
	})
	d.Function("isum", "iii", object.TypeInteger, func(c *object.Call) (object.Value, error) {
		return object.FromInt(c.Int(0) + c.Int(1) + c.Int(2)), nil
	})
	d.Function("length", "s", object.TypeInteger, func(c *object.Call) (object.Value, error) {
		return object.FromInt(int64(len(c.Str(0)))), nil
	})
	d.Function("match", "rs", object.TypeInteger, func(c *object.Call) (object.Value, error) {
		re := c.Args[0].Regexp()
		loc := re.FindStringIndex(c.Str(1))
		if loc == nil {
			return object.FromInt(-1), nil
		}
		return object.FromInt(int64(loc[1] - loc[0])), nil
	})
	d.Function("foobar", "i", object.TypeString, func(c *object.Call) (object.Value, error) {
		switch c.Int(0) {
		case 1:
			return object.FromString("foo"), nil
		case 2:
			return object.FromString("bar"), nil
		}
		return object.FromString("oops"), nil
	})
	d.Function("fail", "", object.TypeInteger, func(c *object.Call) (object.Value, error) {
		return object.Undefined, errors.New("tests.fail always fails")
	})
}

func (*Module) Load(ctx context.Context, root *object.Object, in module.Input) error {
	if string(in.ModuleData) == FailLoad {
		return errors.New("load failure requested")
	}

	sets := []error{
		root.SetInteger(1, "constants.one"),
		root.SetInteger(2, "constants.two"),
		root.SetString("foo", "constants.foo"),
		root.SetString("", "constants.empty"),
		root.SetFloat(0.5, "constants.half"),
		root.SetInteger(int64(len(in.Data)), "datasize"),

		root.SetInteger(0, "integer_array[%d]", 0),
		root.SetInteger(1, "integer_array[%d]", 1),
		root.SetInteger(2, "integer_array[%d]", 2),
		root.SetInteger(256, "integer_array[%d]", 4),

		root.SetString("foo", "string_array[%d]", 0),
		root.SetString("bar", "string_array[%d]", 1),
		root.SetString("baz", "string_array[%d]", 2),
		root.SetString("foo\x00bar", "string_array[%d]", 3),

		root.SetInteger(1, `integer_dict["foo"]`),
		root.SetInteger(2, `integer_dict["bar"]`),

		root.SetString("foo", `string_dict["foo"]`),
		root.SetString("bar", `string_dict["bar"]`),

		root.SetString("foo", "struct_array[1].s"),
		root.SetInteger(1, "struct_array[1].i"),

		root.SetString("foo", `struct_dict["foo"].s`),
		root.SetInteger(1, `struct_dict["foo"].i`),
	}
	if in.ModuleData != nil {
		sets = append(sets, root.SetString(string(in.ModuleData), "module_data"))
	}
	return errors.Join(sets...)
}
