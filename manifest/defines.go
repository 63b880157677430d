package manifest

import (
	"fmt"
	"sort"

	"github.com/chazu/verdict/object"
	"github.com/chazu/verdict/scan"
)

// Externals converts the [defines] table into external variable values.
// Booleans become 1 or 0; tables and arrays are rejected.
func (c *Config) Externals() (map[string]object.Value, error) {
	out := make(map[string]object.Value, len(c.Defines))
	for name, raw := range c.Defines {
		switch v := raw.(type) {
		case int64:
			out[name] = object.FromInt(v)
		case float64:
			out[name] = object.FromFloat64(v)
		case string:
			out[name] = object.FromString(v)
		case bool:
			out[name] = object.FromBool(v)
		default:
			return nil, fmt.Errorf("defines.%s: unsupported type %T", name, raw)
		}
	}
	return out, nil
}

// Apply defines every external variable on s, in name order.
func (c *Config) Apply(s *scan.Scanner) error {
	externals, err := c.Externals()
	if err != nil {
		return err
	}
	names := make([]string, 0, len(externals))
	for name := range externals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.Define(name, externals[name]); err != nil {
			return err
		}
	}
	return nil
}
