package scan

import (
	"time"

	"github.com/chazu/verdict/match"
	"github.com/chazu/verdict/object"
	"github.com/chazu/verdict/vm"
)

// Status is how a scan ended.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusAborted Status = "aborted"
	StatusTimeout Status = "timeout"
)

// PatternMatches are the recorded occurrences of one pattern.
type PatternMatches struct {
	Index      int
	Identifier string
	Rule       string
	Matches    []match.Match
}

// Report is the outcome of one scan.
type Report struct {
	SessionID string

	// Source names the scanned input, for example a file path. Set by
	// the caller.
	Source string

	Started  time.Time
	Duration time.Duration
	DataSize int
	Status   Status
	Error    string

	Rules    []vm.RuleResult
	Patterns []PatternMatches

	// Stack is what the program left on the evaluation stack.
	Stack []object.Value
}

func (r *Report) fail(status Status, err error) {
	r.Status = status
	r.Error = err.Error()
	r.Duration = time.Since(r.Started)
}

// Matching returns the reported matching rules.
func (r *Report) Matching() []vm.RuleResult {
	var out []vm.RuleResult
	for _, rr := range r.Rules {
		if rr.Matched && !rr.Private {
			out = append(out, rr)
		}
	}
	return out
}

// OK reports whether the scan ran to completion.
func (r *Report) OK() bool {
	return r.Status == StatusOK
}
