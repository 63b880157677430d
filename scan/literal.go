package scan

import (
	"bytes"

	"github.com/chazu/verdict/match"
	"github.com/chazu/verdict/pkg/bytecode"
)

// findLiterals records every occurrence of each literal pattern in data.
// Occurrences may overlap. Patterns without text are left to an external
// scanner feeding Session.Record.
func findLiterals(patterns []bytecode.Pattern, data []byte, t *match.Table) error {
	var folded []byte
	for idx := range patterns {
		p := &patterns[idx]
		if len(p.Text) == 0 {
			continue
		}

		haystack, needle := data, p.Text
		if p.Flags&bytecode.PatternNoCase != 0 {
			if folded == nil {
				folded = lowerASCII(data)
			}
			haystack, needle = folded, lowerASCII(p.Text)
		}

		for off := 0; off <= len(haystack)-len(needle); {
			i := bytes.Index(haystack[off:], needle)
			if i < 0 {
				break
			}
			if err := t.Record(idx, int64(off+i), len(needle)); err != nil {
				return err
			}
			off += i + 1
		}
	}
	return nil
}

func lowerASCII(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}
