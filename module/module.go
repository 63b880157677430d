// Package module defines the lifecycle contract for modules that expose
// structured data to rule conditions, and the Registry that owns them.
//
// A module declares its schema once. Initialize and Finalize bracket the
// module's process-wide life; Load and Unload bracket each scan that imports
// it. Load fills a private clone of the schema, so concurrent scans never
// share per-scan values.
package module

import (
	"context"

	"github.com/tliron/commonlog"

	"github.com/chazu/verdict/object"
)

var log = commonlog.GetLogger("verdict.module")

// Input is the scan-context data handed to Load.
type Input struct {
	// Data is the buffer being scanned.
	Data []byte

	// ModuleData is an optional blob supplied by the caller for this module,
	// such as a pre-parsed report the module decodes instead of the buffer.
	ModuleData []byte
}

// Module is implemented by every module.
type Module interface {
	// Name is the identifier rules import the module by.
	Name() string

	// Declare describes the module's fields and functions.
	Declare(d *object.Declarer)

	Initialize() error
	Finalize() error

	// Load populates root, a fresh clone of the declared schema, for one scan.
	Load(ctx context.Context, root *object.Object, in Input) error

	// Unload releases per-scan resources attached to root.
	Unload(root *object.Object) error
}

// Base provides no-op lifecycle hooks for modules that only declare data.
type Base struct{}

func (Base) Initialize() error { return nil }
func (Base) Finalize() error { return nil }
func (Base) Unload(root *object.Object) error { return nil }
