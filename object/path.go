package object

import (
	"fmt"
	"strconv"
	"strings"
)

// Paths address nodes below a struct using the notation rules use:
//
//	machine
//	sections[2].name
//	version_info["CompanyName"]
//
// Path arguments are formatted with fmt.Sprintf before parsing, so module
// code can write o.SetInteger(v, "sections[%d].size", i).

type stepKind uint8

const (
	stepField stepKind = iota
	stepIndex
	stepKey
)

type step struct {
	kind  stepKind
	name  string
	index int
}

func parsePath(path string) ([]step, error) {
	var steps []step
	rest := path
	for rest != "" {
		end := strings.IndexAny(rest, ".[")
		if end < 0 {
			end = len(rest)
		}
		if end == 0 {
			return nil, fmt.Errorf("path %q: empty field name", path)
		}
		steps = append(steps, step{kind: stepField, name: rest[:end]})
		rest = rest[end:]

		for strings.HasPrefix(rest, "[") {
			closing := strings.IndexByte(rest, ']')
			if strings.HasPrefix(rest, `["`) {
				closing = closingQuote(rest)
			}
			if closing < 0 {
				return nil, fmt.Errorf("path %q: unterminated subscript", path)
			}
			inner := rest[1:closing]
			rest = rest[closing+1:]

			if strings.HasPrefix(inner, `"`) {
				key, err := strconv.Unquote(inner)
				if err != nil {
					return nil, fmt.Errorf("path %q: bad key %s: %w", path, inner, err)
				}
				steps = append(steps, step{kind: stepKey, name: key})
				continue
			}
			n, err := strconv.Atoi(inner)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("path %q: bad index %q", path, inner)
			}
			steps = append(steps, step{kind: stepIndex, index: n})
		}

		switch {
		case rest == "":
		case strings.HasPrefix(rest, "."):
			rest = rest[1:]
			if rest == "" {
				return nil, fmt.Errorf("path %q: trailing dot", path)
			}
		default:
			return nil, fmt.Errorf("path %q: unexpected %q", path, rest)
		}
	}
	return steps, nil
}

// closingQuote finds the ']' that ends a ["..."] subscript starting at s[0].
func closingQuote(s string) int {
	for i := 2; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			if i+1 < len(s) && s[i+1] == ']' {
				return i + 1
			}
			return -1
		}
	}
	return -1
}

func formatPath(path string, args []any) string {
	if len(args) == 0 {
		return path
	}
	return fmt.Sprintf(path, args...)
}

// Resolve walks path from o. Any miss yields nil.
func (o *Object) Resolve(path string, args ...any) *Object {
	steps, err := parsePath(formatPath(path, args))
	if err != nil {
		return nil
	}
	cur := o
	for _, s := range steps {
		switch s.kind {
		case stepField:
			cur = cur.Field(s.name)
		case stepIndex:
			cur = cur.Index(int64(s.index))
		case stepKey:
			cur = cur.Lookup(s.name)
		}
		if cur == nil {
			return nil
		}
	}
	return cur
}

// resolveCreate walks path from o, materializing missing array items and
// dictionary entries from their prototypes.
func (o *Object) resolveCreate(path string) (*Object, error) {
	steps, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	cur := o
	for _, s := range steps {
		var next *Object
		switch s.kind {
		case stepField:
			next = cur.Field(s.name)
			if next == nil {
				return nil, fmt.Errorf("%s has no field %q", cur.Path(), s.name)
			}
		case stepIndex:
			if cur.Type != TypeArray {
				return nil, fmt.Errorf("%s is a %s, not an array", cur.Path(), cur.Type)
			}
			if next, err = cur.item(s.index); err != nil {
				return nil, err
			}
		case stepKey:
			if cur.Type != TypeDictionary {
				return nil, fmt.Errorf("%s is a %s, not a dictionary", cur.Path(), cur.Type)
			}
			if next, err = cur.entry(s.name); err != nil {
				return nil, err
			}
		}
		cur = next
	}
	return cur, nil
}

// SetValue stores v at path, creating array items and dictionary entries on
// the way.
func (o *Object) SetValue(v Value, path string, args ...any) error {
	target, err := o.resolveCreate(formatPath(path, args))
	if err != nil {
		return err
	}
	return target.Set(v)
}

// SetInteger stores an integer at path.
func (o *Object) SetInteger(v int64, path string, args ...any) error {
	return o.SetValue(FromInt(v), path, args...)
}

// SetFloat stores a float at path.
func (o *Object) SetFloat(v float64, path string, args ...any) error {
	return o.SetValue(FromFloat64(v), path, args...)
}

// SetString stores a string at path.
func (o *Object) SetString(v string, path string, args ...any) error {
	return o.SetValue(FromString(v), path, args...)
}

// Get returns the scalar at path, or Undefined when the path misses or does
// not end at a scalar.
func (o *Object) Get(path string, args ...any) Value {
	target := o.Resolve(path, args...)
	if target == nil || !target.Type.IsScalar() {
		return Undefined
	}
	return target.value
}
