package bytecode

import (
	"fmt"
	"math"
	"strings"
)

// Disassemble returns a human-readable bytecode listing for the program.
func (p *Program) Disassemble() string {
	return p.DisassembleWithName("")
}

// DisassembleWithName returns a human-readable bytecode listing with a name header.
func (p *Program) DisassembleWithName(name string) string {
	var sb strings.Builder

	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; Verdict Bytecode v%d\n", p.Version))
	sb.WriteString(fmt.Sprintf("; Limits: nesting=%d vars=%d internal=%d args=%d\n",
		p.Limits.MaxLoopNesting, p.Limits.MaxLoopVars, p.Limits.InternalLoopVars, p.Limits.MaxFunctionArgs))

	if len(p.Rules) > 0 {
		sb.WriteString("; Rules:\n")
		for i, r := range p.Rules {
			ns := ""
			if r.Namespace >= 0 && r.Namespace < len(p.Namespaces) {
				ns = p.Namespaces[r.Namespace]
			}
			sb.WriteString(fmt.Sprintf(";   [%3d] %s:%s%s\n", i, ns, r.Identifier, ruleFlagSuffix(r.Flags)))
		}
	}

	if len(p.Patterns) > 0 {
		sb.WriteString("; Patterns:\n")
		for i, pat := range p.Patterns {
			sb.WriteString(fmt.Sprintf(";   [%3d] %s (rule %d)\n", i, pat.Identifier, pat.Rule))
		}
	}

	if len(p.Strings) > 0 {
		sb.WriteString("; Strings:\n")
		for i, s := range p.Strings {
			sb.WriteString(fmt.Sprintf(";   [%3d] %q\n", i, truncate(s, 40)))
		}
	}

	sb.WriteString("\n; Code:\n")
	for _, line := range p.DisassembleToLines() {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// DisassembleToLines returns the code section as a slice of lines.
// Decoding stops at the first malformed instruction, which is reported inline.
func (p *Program) DisassembleToLines() []string {
	var lines []string
	offset := 0
	for offset < len(p.Code) {
		in, err := Decode(p.Code, offset)
		if err != nil {
			lines = append(lines, fmt.Sprintf("%04X  <%v>", offset, err))
			break
		}
		lines = append(lines, fmt.Sprintf("%04X  %s", offset, p.DisassembleInstruction(in)))
		offset = in.Next()
	}
	return lines
}

// DisassembleInstruction formats a single decoded instruction.
func (p *Program) DisassembleInstruction(in Instruction) string {
	name := in.Op.String()

	switch {
	case in.Op == OpInitRule:
		rule := in.RuleIndex()
		ident := ""
		if int(rule) < len(p.Rules) {
			ident = p.Rules[rule].Identifier
		}
		return fmt.Sprintf("%s %+d (-> %04X) rule=%d ; %s", name, in.JumpOffset(), in.JumpTarget(), rule, ident)

	case in.Op.IsJump():
		return fmt.Sprintf("%s %+d (-> %04X)", name, in.JumpOffset(), in.JumpTarget())

	case in.Op.TakesString():
		s, _ := p.StringAt(in.Uint64())
		return fmt.Sprintf("%s %d ; %q", name, in.Uint64(), truncate(s, 20))

	case in.Op == OpPushDbl:
		return fmt.Sprintf("%s %g", name, math.Float64frombits(in.Uint64()))

	case in.Op == OpPushPattern:
		idx := in.Uint64()
		if idx < uint64(len(p.Patterns)) {
			return fmt.Sprintf("%s %d ; %s", name, idx, p.Patterns[idx].Identifier)
		}
		return fmt.Sprintf("%s %d", name, idx)

	case in.Op == OpPushRule || in.Op == OpMatchRule:
		idx := in.Uint64()
		if idx < uint64(len(p.Rules)) {
			return fmt.Sprintf("%s %d ; %s", name, idx, p.Rules[idx].Identifier)
		}
		return fmt.Sprintf("%s %d", name, idx)

	case len(in.Operand) > 0:
		return fmt.Sprintf("%s %d", name, in.Uint64())
	}
	return name
}

func ruleFlagSuffix(f RuleFlags) string {
	var parts []string
	if f&RuleGlobal != 0 {
		parts = append(parts, "global")
	}
	if f&RulePrivate != 0 {
		parts = append(parts, "private")
	}
	if f&RuleDisabled != 0 {
		parts = append(parts, "disabled")
	}
	if len(parts) == 0 {
		return ""
	}
	return " [" + strings.Join(parts, ",") + "]"
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

// InstructionCount returns the number of instructions in the program.
// Note: This iterates through all code, so it's O(n).
func (p *Program) InstructionCount() int {
	count := 0
	offset := 0
	for offset < len(p.Code) {
		in, err := Decode(p.Code, offset)
		if err != nil {
			break
		}
		offset = in.Next()
		count++
	}
	return count
}
