// Package nu1l is a minimal module: it declares a handful of fields and
// functions and populates nothing. It exercises the module lifecycle and
// function dispatch without any parsing logic.
package nu1l

import (
	"context"

	"github.com/chazu/verdict/module"
	"github.com/chazu/verdict/object"
)

// Name is the identifier rules import this module by.
const Name = "nu1l"

// Module implements module.Module.
type Module struct {
	module.Base
}

// New returns the nu1l module.
func New() *Module { return &Module{} }

func (*Module) Name() string { return Name }

func one(*object.Call) (object.Value, error) {
	return object.FromInt(1), nil
}

func (*Module) Declare(d *object.Declarer) {
	d.Integer("_len")
	d.Integer("fmt")
	d.IntegerArray("IN")
	d.IntegerArray("buf")
	d.Function("do1", "sii", object.TypeInteger, one)
	d.Function("do2", "ii", object.TypeInteger, one)
	d.Function("key", "", object.TypeInteger, one)
}

func (*Module) Load(ctx context.Context, root *object.Object, in module.Input) error {
	return nil
}
