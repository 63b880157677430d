// Package match records pattern occurrences found while scanning and answers
// the queries rule conditions make about them.
//
// Each pattern keeps its occurrences sorted by offset. Records with equal
// offsets keep their insertion order and are never merged, so Count always
// equals the number of Record calls for the pattern.
package match

import (
	"errors"
	"fmt"
	"sort"
)

// DefaultMaxMatches caps the occurrences kept per pattern.
const DefaultMaxMatches = 1000000

// ErrTooManyMatches is returned by Record once a pattern reaches the cap.
var ErrTooManyMatches = errors.New("too many matches")

// Match is one occurrence of a pattern in the scanned data.
type Match struct {
	Offset int64
	Length int
}

// Table holds the occurrences of every pattern for one scan. It is not safe
// for concurrent use; each scan owns its own Table. The query methods treat
// a nil Table as empty.
type Table struct {
	patterns   [][]Match
	maxMatches int
}

// NewTable creates a table sized for n patterns.
func NewTable(n int) *Table {
	return &Table{
		patterns:   make([][]Match, n),
		maxMatches: DefaultMaxMatches,
	}
}

// SetMaxMatches changes the per-pattern cap. Values <= 0 restore the default.
func (t *Table) SetMaxMatches(n int) {
	if n <= 0 {
		n = DefaultMaxMatches
	}
	t.maxMatches = n
}

func (t *Table) list(pattern int) []Match {
	if t == nil || pattern < 0 || pattern >= len(t.patterns) {
		return nil
	}
	return t.patterns[pattern]
}

// Record adds an occurrence of pattern.
func (t *Table) Record(pattern int, offset int64, length int) error {
	if pattern < 0 {
		return fmt.Errorf("record: negative pattern index %d", pattern)
	}
	if offset < 0 || length < 0 {
		return fmt.Errorf("record pattern %d: invalid match at %d+%d", pattern, offset, length)
	}
	for pattern >= len(t.patterns) {
		t.patterns = append(t.patterns, nil)
	}
	ms := t.patterns[pattern]
	if len(ms) >= t.maxMatches {
		return fmt.Errorf("pattern %d: %w (limit %d)", pattern, ErrTooManyMatches, t.maxMatches)
	}

	// Upper bound keeps equal offsets in discovery order.
	i := sort.Search(len(ms), func(i int) bool { return ms[i].Offset > offset })
	ms = append(ms, Match{})
	copy(ms[i+1:], ms[i:])
	ms[i] = Match{Offset: offset, Length: length}
	t.patterns[pattern] = ms
	return nil
}

// Count returns the number of occurrences of pattern.
func (t *Table) Count(pattern int) int {
	return len(t.list(pattern))
}

// Found reports whether pattern occurred at all.
func (t *Table) Found(pattern int) bool {
	return t.Count(pattern) > 0
}

// FoundAt reports whether pattern occurred exactly at offset.
func (t *Table) FoundAt(pattern int, offset int64) bool {
	ms := t.list(pattern)
	i := sort.Search(len(ms), func(i int) bool { return ms[i].Offset >= offset })
	return i < len(ms) && ms[i].Offset == offset
}

// CountIn returns the number of occurrences with lo <= offset <= hi.
func (t *Table) CountIn(pattern int, lo, hi int64) int {
	if lo > hi {
		return 0
	}
	ms := t.list(pattern)
	first := sort.Search(len(ms), func(i int) bool { return ms[i].Offset >= lo })
	last := sort.Search(len(ms), func(i int) bool { return ms[i].Offset > hi })
	return last - first
}

// FoundIn reports whether pattern occurred with lo <= offset <= hi.
func (t *Table) FoundIn(pattern int, lo, hi int64) bool {
	return t.CountIn(pattern, lo, hi) > 0
}

// Offset returns the offset of the k-th occurrence, counting from 1.
func (t *Table) Offset(pattern int, k int64) (int64, bool) {
	ms := t.list(pattern)
	if k < 1 || k > int64(len(ms)) {
		return 0, false
	}
	return ms[k-1].Offset, true
}

// Length returns the length of the k-th occurrence, counting from 1.
func (t *Table) Length(pattern int, k int64) (int, bool) {
	ms := t.list(pattern)
	if k < 1 || k > int64(len(ms)) {
		return 0, false
	}
	return ms[k-1].Length, true
}

// Matches returns the occurrences of pattern in offset order. The slice is
// owned by the table.
func (t *Table) Matches(pattern int) []Match {
	return t.list(pattern)
}

// Patterns returns the number of pattern slots.
func (t *Table) Patterns() int {
	if t == nil {
		return 0
	}
	return len(t.patterns)
}

// Reset drops every occurrence, keeping the slots.
func (t *Table) Reset() {
	for i := range t.patterns {
		t.patterns[i] = nil
	}
}
