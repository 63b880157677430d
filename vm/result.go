package vm

import (
	"github.com/chazu/verdict/object"
)

// RuleResult is the outcome of one rule after a scan.
type RuleResult struct {
	Index      int
	Identifier string
	Namespace  string
	Tags       []string

	// Matched is the final verdict, after global rules of the namespace
	// have been applied.
	Matched   bool
	Private   bool
	Evaluated bool
}

// Result is everything a completed run produced.
type Result struct {
	Rules []RuleResult

	// Stack holds whatever the program left on the evaluation stack,
	// bottom first.
	Stack []object.Value
}

// Matching returns the matched rules that are not private, in rule order.
func (r *Result) Matching() []RuleResult {
	var out []RuleResult
	for _, rr := range r.Rules {
		if rr.Matched && !rr.Private {
			out = append(out, rr)
		}
	}
	return out
}

// Rule finds a rule's result by identifier.
func (r *Result) Rule(identifier string) (RuleResult, bool) {
	for _, rr := range r.Rules {
		if rr.Identifier == identifier {
			return rr, true
		}
	}
	return RuleResult{}, false
}

func (i *Interpreter) result() *Result {
	p := i.program
	res := &Result{
		Rules: make([]RuleResult, len(p.Rules)),
		Stack: i.stack.snapshot(),
	}
	for n := range p.Rules {
		rule := &p.Rules[n]
		ns := ""
		unsatisfied := false
		if rule.Namespace >= 0 && rule.Namespace < len(p.Namespaces) {
			ns = p.Namespaces[rule.Namespace]
			unsatisfied = i.unsatisfied[rule.Namespace]
		}
		res.Rules[n] = RuleResult{
			Index:      n,
			Identifier: rule.Identifier,
			Namespace:  ns,
			Tags:       rule.Tags,
			Matched:    i.verdicts[n] && !unsatisfied,
			Private:    rule.Private(),
			Evaluated:  i.evaluated[n],
		}
	}
	return res
}
