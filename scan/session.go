package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/verdict/match"
	"github.com/chazu/verdict/module"
	"github.com/chazu/verdict/object"
	"github.com/chazu/verdict/pkg/bytecode"
	"github.com/chazu/verdict/vm"
)

// Session is the state of one scan at a time. It implements vm.ScanContext.
type Session struct {
	ID string

	scanner *Scanner
	interp  *vm.Interpreter
	matches *match.Table

	externals  map[string]*object.Object
	disabled   map[int]bool
	moduleData map[string][]byte

	// per scan
	data      []byte
	entry     int64
	hasEntry  bool
	instances map[string]*module.Instance
}

func newSession(s *Scanner, interp *vm.Interpreter, matches *match.Table,
	externals map[string]*object.Object, disabled map[int]bool, moduleData map[string][]byte) *Session {
	return &Session{
		ID:         uuid.New().String(),
		scanner:    s,
		interp:     interp,
		matches:    matches,
		externals:  externals,
		disabled:   disabled,
		moduleData: moduleData,
		instances:  make(map[string]*module.Instance),
	}
}

// ---------------------------------------------------------------------------
// vm.ScanContext
// ---------------------------------------------------------------------------

// Data returns the buffer being scanned.
func (s *Session) Data() []byte { return s.data }

// EntryPoint returns the entry point set with SetEntryPoint.
func (s *Session) EntryPoint() (int64, bool) { return s.entry, s.hasEntry }

// Matches returns the session's match table.
func (s *Session) Matches() *match.Table { return s.matches }

// Object resolves an imported module first, then an external variable.
func (s *Session) Object(name string) *object.Object {
	if inst, ok := s.instances[name]; ok {
		return inst.Root
	}
	return s.externals[name]
}

// Import instantiates a module for the current scan. Importing the same
// module twice is a no-op.
func (s *Session) Import(ctx context.Context, name string) error {
	if _, ok := s.instances[name]; ok {
		return nil
	}
	inst, err := s.scanner.registry.Instantiate(ctx, name, module.Input{
		Data:       s.data,
		ModuleData: s.moduleData[name],
	})
	if err != nil {
		return err
	}
	log.Debugf("session %s: imported %s (loaded=%v)", s.ID, name, inst.Loaded())
	s.instances[name] = inst
	return nil
}

// RuleDisabled reports whether rule was disabled when the session was
// created or through DisableRule.
func (s *Session) RuleDisabled(rule int) bool { return s.disabled[rule] }

// ---------------------------------------------------------------------------
// Scan control
// ---------------------------------------------------------------------------

// SetEntryPoint records the input's entry point offset for ENTRYPOINT.
func (s *Session) SetEntryPoint(offset int64) {
	s.entry, s.hasEntry = offset, true
}

// DisableRule disables a rule for this session only.
func (s *Session) DisableRule(identifier string) error {
	idx := s.scanner.program.RuleIndex(identifier)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRule, identifier)
	}
	s.disabled[idx] = true
	return nil
}

// Record adds a pattern occurrence found by an external scanner. It is used
// for patterns the session cannot search itself, before calling Evaluate.
func (s *Session) Record(pattern int, offset int64, length int) error {
	if pattern < 0 || pattern >= len(s.scanner.program.Patterns) {
		return fmt.Errorf("record: pattern %d out of range", pattern)
	}
	return s.matches.Record(pattern, offset, length)
}

// Abort asks the running scan to stop; it ends with status aborted. A request
// made between scans stops the next one. It is safe to call from another
// goroutine.
func (s *Session) Abort() {
	s.interp.Abort()
}

// Reset clears the match table and input so the session can be reused.
func (s *Session) Reset() {
	s.matches.Reset()
	s.data = nil
	s.entry, s.hasEntry = 0, false
}

// Scan searches data for the program's literal patterns and evaluates every
// rule against it.
func (s *Session) Scan(ctx context.Context, data []byte) (*Report, error) {
	s.Reset()
	s.data = data
	if err := findLiterals(s.scanner.program.Patterns, data, s.matches); err != nil {
		report := s.newReport(time.Now())
		report.fail(StatusError, err)
		return report, fmt.Errorf("scan %s: %w", s.ID, err)
	}
	return s.Evaluate(ctx)
}

// Evaluate runs the program over the current data and recorded matches.
// Modules imported during the run are unloaded before it returns.
func (s *Session) Evaluate(ctx context.Context) (*Report, error) {
	if s.scanner.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.scanner.opts.Timeout)
		defer cancel()
	}

	started := time.Now()
	result, err := s.interp.Run(ctx, s)
	unloadErr := s.unloadModules()

	report := s.newReport(started)
	if err != nil {
		status := StatusError
		if errors.Is(err, vm.ErrAborted) {
			status = StatusAborted
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				status = StatusTimeout
			}
		}
		log.Errorf("session %s: %v", s.ID, err)
		report.fail(status, err)
		return report, fmt.Errorf("scan %s: %w", s.ID, err)
	}

	report.Rules = result.Rules
	report.Stack = result.Stack
	report.Patterns = s.patternMatches()
	if unloadErr != nil {
		log.Warningf("session %s: %v", s.ID, unloadErr)
	}
	return report, nil
}

func (s *Session) unloadModules() error {
	var errs []error
	for name, inst := range s.instances {
		if err := inst.Unload(); err != nil {
			errs = append(errs, err)
		}
		delete(s.instances, name)
	}
	return errors.Join(errs...)
}

func (s *Session) newReport(started time.Time) *Report {
	return &Report{
		SessionID: s.ID,
		Started:   started,
		Duration:  time.Since(started),
		DataSize:  len(s.data),
		Status:    StatusOK,
	}
}

// patternMatches lists the occurrences of every non-private pattern that
// matched.
func (s *Session) patternMatches() []PatternMatches {
	p := s.scanner.program
	var out []PatternMatches
	for idx := range p.Patterns {
		pat := &p.Patterns[idx]
		if pat.Flags&bytecode.PatternPrivate != 0 {
			continue
		}
		ms := s.matches.Matches(idx)
		if len(ms) == 0 {
			continue
		}
		out = append(out, PatternMatches{
			Index:      idx,
			Identifier: pat.Identifier,
			Rule:       p.Rules[pat.Rule].Identifier,
			Matches:    append([]match.Match(nil), ms...),
		})
	}
	return out
}
