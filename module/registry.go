package module

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chazu/verdict/object"
)

var (
	ErrUnknownModule   = errors.New("unknown module")
	ErrDuplicateModule = errors.New("module already registered")
	ErrNotInitialized  = errors.New("module registry not initialized")
)

type entry struct {
	mod         Module
	schema      *object.Object
	initialized bool
}

// Registry owns a set of modules and their schemas. Registration and the
// process-wide lifecycle happen once at startup; Instantiate is safe to call
// from concurrent scans afterwards.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	maxArgs     int
	initialized bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		maxArgs: object.DefaultMaxFunctionArgs,
	}
}

// SetMaxFunctionArgs bounds function signatures declared by modules
// registered afterwards.
func (r *Registry) SetMaxFunctionArgs(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > 0 {
		r.maxArgs = n
	}
}

// Register declares m's schema and adds it to the registry. A schema that
// fails validation is rejected.
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := m.Name()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, name)
	}
	schema, err := object.Declare(name, m.Declare, object.WithMaxFunctionArgs(r.maxArgs))
	if err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}
	r.entries[name] = &entry{mod: m, schema: schema}
	log.Debugf("registered module %s (%d fields)", name, schema.Len())
	return nil
}

// Initialize runs every module's Initialize hook in name order. On failure
// the modules already initialized are finalized again.
func (r *Registry) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return nil
	}
	for _, name := range r.namesLocked() {
		e := r.entries[name]
		if err := e.mod.Initialize(); err != nil {
			r.finalizeLocked()
			return fmt.Errorf("initialize module %s: %w", name, err)
		}
		e.initialized = true
		log.Debugf("initialized module %s", name)
	}
	r.initialized = true
	return nil
}

// Finalize runs the Finalize hook of every initialized module.
func (r *Registry) Finalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.finalizeLocked()
	r.initialized = false
	return err
}

func (r *Registry) finalizeLocked() error {
	var errs []error
	for _, name := range r.namesLocked() {
		e := r.entries[name]
		if !e.initialized {
			continue
		}
		if err := e.mod.Finalize(); err != nil {
			errs = append(errs, fmt.Errorf("finalize module %s: %w", name, err))
		}
		e.initialized = false
		log.Debugf("finalized module %s", name)
	}
	return errors.Join(errs...)
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Names returns the registered module names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

// Schema returns the declared schema of a module. Callers must not mutate it.
func (r *Registry) Schema(name string) (*object.Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.schema, true
}

// Instance is one module's state for one scan.
type Instance struct {
	Module Module
	Root   *object.Object
	loaded bool
}

// Loaded reports whether the module's Load hook succeeded.
func (i *Instance) Loaded() bool { return i.loaded }

// Unload runs the module's Unload hook if Load succeeded.
func (i *Instance) Unload() error {
	if !i.loaded {
		return nil
	}
	i.loaded = false
	if err := i.Module.Unload(i.Root); err != nil {
		return fmt.Errorf("unload module %s: %w", i.Module.Name(), err)
	}
	return nil
}

// Instantiate clones a module's schema and loads it for one scan.
//
// A failing Load does not fail the scan: the error is logged and the
// instance carries a fresh clone whose fields are all undefined.
func (r *Registry) Instantiate(ctx context.Context, name string, in Input) (*Instance, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	initialized := ok && e.initialized
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, name)
	}
	if !initialized {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, name)
	}

	root := e.schema.Clone()
	if err := e.mod.Load(ctx, root, in); err != nil {
		log.Warningf("module %s failed to load, its fields stay undefined: %v", name, err)
		return &Instance{Module: e.mod, Root: e.schema.Clone()}, nil
	}
	return &Instance{Module: e.mod, Root: root, loaded: true}, nil
}
