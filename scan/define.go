package scan

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/verdict/object"
)

// ParseDefine parses a "name=value" external variable definition. The value
// is an integer if it parses as one (decimal or 0x hex), then a float, then
// true or false (as 1 and 0); anything else is a string. Surrounding double
// quotes force a string.
func ParseDefine(def string) (string, object.Value, error) {
	name, raw, ok := strings.Cut(def, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", object.Undefined, fmt.Errorf("%w: %q, want name=value", ErrBadDefine, def)
	}

	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		return name, object.FromString(raw[1 : len(raw)-1]), nil
	}
	if n, err := strconv.ParseInt(raw, 0, 64); err == nil {
		return name, object.FromInt(n), nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return name, object.FromFloat64(f), nil
	}
	switch raw {
	case "true":
		return name, object.FromBool(true), nil
	case "false":
		return name, object.FromBool(false), nil
	}
	return name, object.FromString(raw), nil
}
