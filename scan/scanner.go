// Package scan runs compiled programs against input data.
//
// A Scanner holds what every scan of one program shares: the program, the
// module registry, external variables, disabled rules and module data. Each
// scan runs in a Session, which owns all per-scan state (interpreter, match
// table, module instances) and implements vm.ScanContext. Sessions from one
// Scanner may run concurrently; a single Session may not.
package scan

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/verdict/match"
	"github.com/chazu/verdict/module"
	"github.com/chazu/verdict/object"
	"github.com/chazu/verdict/pkg/bytecode"
	"github.com/chazu/verdict/vm"
)

var log = commonlog.GetLogger("verdict.scan")

var (
	ErrUnknownRule = errors.New("unknown rule")
	ErrBadDefine   = errors.New("bad external variable")
)

// Options tune every session a Scanner creates.
type Options struct {
	StackSize int

	// MaxMatchesPerPattern caps recorded occurrences per pattern. Zero
	// means match.DefaultMaxMatches.
	MaxMatchesPerPattern int

	// Timeout bounds one scan. Zero means no limit.
	Timeout time.Duration

	// Trace logs every executed instruction.
	Trace bool
}

// Scanner prepares sessions for one program.
type Scanner struct {
	program  *bytecode.Program
	registry *module.Registry
	opts     Options

	mu         sync.RWMutex
	externals  map[string]object.Value
	disabled   map[int]bool
	moduleData map[string][]byte
}

// NewScanner validates p and returns a scanner for it. registry may be nil
// when the program imports no modules.
func NewScanner(p *bytecode.Program, registry *module.Registry, opts Options) (*Scanner, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("scan: invalid program: %w", err)
	}
	if registry == nil {
		registry = module.NewRegistry()
	}
	return &Scanner{
		program:    p,
		registry:   registry,
		opts:       opts,
		externals:  make(map[string]object.Value),
		disabled:   make(map[int]bool),
		moduleData: make(map[string][]byte),
	}, nil
}

// Program returns the scanner's program.
func (s *Scanner) Program() *bytecode.Program {
	return s.program
}

// Define sets an external variable visible to rules as a root object.
func (s *Scanner) Define(name string, v object.Value) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrBadDefine)
	}
	if !v.IsScalar() {
		return fmt.Errorf("%w: %s is a %s", ErrBadDefine, name, v.Kind())
	}
	s.mu.Lock()
	s.externals[name] = v
	s.mu.Unlock()
	return nil
}

// DisableRule stops a rule from being evaluated in later sessions.
func (s *Scanner) DisableRule(identifier string) error {
	idx := s.program.RuleIndex(identifier)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRule, identifier)
	}
	s.mu.Lock()
	s.disabled[idx] = true
	s.mu.Unlock()
	return nil
}

// SetModuleData attaches a blob handed to the named module's Load hook.
func (s *Scanner) SetModuleData(name string, data []byte) error {
	if _, ok := s.registry.Schema(name); !ok {
		return fmt.Errorf("%w: %s", module.ErrUnknownModule, name)
	}
	s.mu.Lock()
	s.moduleData[name] = data
	s.mu.Unlock()
	return nil
}

// NewSession creates a session with a snapshot of the scanner's current
// externals and disabled rules.
func (s *Scanner) NewSession() (*Session, error) {
	interp, err := vm.New(s.program, vm.Options{StackSize: s.opts.StackSize, Trace: s.opts.Trace})
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	externals := make(map[string]*object.Object, len(s.externals))
	for name, v := range s.externals {
		externals[name] = object.NewScalar(name, v)
	}
	disabled := make(map[int]bool, len(s.disabled))
	for idx := range s.disabled {
		disabled[idx] = true
	}
	moduleData := make(map[string][]byte, len(s.moduleData))
	for name, data := range s.moduleData {
		moduleData[name] = data
	}

	matches := match.NewTable(len(s.program.Patterns))
	matches.SetMaxMatches(s.opts.MaxMatchesPerPattern)

	return newSession(s, interp, matches, externals, disabled, moduleData), nil
}
