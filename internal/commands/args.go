package commands

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidArgument is wrapped by every argument validation failure.
var ErrInvalidArgument = errors.New("invalid argument")

// InvalidArgumentError names the first argument that failed validation.
type InvalidArgumentError struct {
	Name   string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Name, e.Reason)
}

func (e *InvalidArgumentError) Unwrap() error { return ErrInvalidArgument }

func invalid(name, format string, args ...any) error {
	return &InvalidArgumentError{Name: name, Reason: fmt.Sprintf(format, args...)}
}

// Args holds validated, typed argument values.
type Args struct {
	values map[string]any
	given  map[string]bool
}

// Has reports whether the argument was supplied by the caller rather than
// taken from its default.
func (a Args) Has(name string) bool { return a.given[name] }

// String returns a string or path argument.
func (a Args) String(name string) string {
	v, _ := a.values[name].(string)
	return v
}

// Path returns a path argument, tilde-expanded and cleaned. Empty when unset.
func (a Args) Path(name string) string { return a.String(name) }

// Bool returns a bool argument.
func (a Args) Bool(name string) bool {
	v, _ := a.values[name].(bool)
	return v
}

// Int returns an int argument.
func (a Args) Int(name string) int {
	v, _ := a.values[name].(int)
	return v
}

// Duration returns a duration argument.
func (a Args) Duration(name string) time.Duration {
	v, _ := a.values[name].(time.Duration)
	return v
}

// Names returns the argument names in sorted order.
func (a Args) Names() []string {
	return slices.Sorted(maps.Keys(a.values))
}

// Validate coerces raw into typed arguments for spec. It stops at the first
// failure: unknown names are checked first (in sorted order), then each
// declared argument in schema order.
func Validate(spec Spec, raw map[string]string) (Args, error) {
	for _, name := range slices.Sorted(maps.Keys(raw)) {
		if _, ok := spec.Arg(name); !ok {
			return Args{}, invalid(name, "unknown argument for %s", spec.Name)
		}
	}

	args := Args{
		values: make(map[string]any, len(spec.Args)),
		given:  make(map[string]bool, len(raw)),
	}
	for _, a := range spec.Args {
		value, given := raw[a.Name]
		switch {
		case given:
			args.given[a.Name] = true
		case a.Default != "":
			value = a.Default
		case a.Required:
			return Args{}, invalid(a.Name, "required")
		}
		typed, err := coerce(a, value)
		if err != nil {
			return Args{}, err
		}
		args.values[a.Name] = typed
	}
	return args, nil
}

// coerce converts one raw value. An empty value yields the type's zero
// value, except for required arguments given explicitly as empty.
func coerce(a ArgSpec, value string) (any, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		if a.Required {
			return nil, invalid(a.Name, "must not be empty")
		}
		return zeroValue(a.Type), nil
	}
	switch a.Type {
	case ArgString:
		return value, nil
	case ArgBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, invalid(a.Name, "%q is not a boolean", value)
		}
		return b, nil
	case ArgInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, invalid(a.Name, "%q is not an integer", value)
		}
		return n, nil
	case ArgDuration:
		d, err := time.ParseDuration(value)
		if err != nil {
			// Bare numbers are seconds.
			secs, errNum := strconv.ParseFloat(value, 64)
			if errNum != nil {
				return nil, invalid(a.Name, "%q is not a duration", value)
			}
			d = time.Duration(secs * float64(time.Second))
		}
		if d < 0 {
			return nil, invalid(a.Name, "must not be negative")
		}
		return d, nil
	case ArgPath:
		return expandPath(value)
	default:
		return nil, invalid(a.Name, "unsupported argument type %s", a.Type)
	}
}

func zeroValue(t ArgType) any {
	switch t {
	case ArgBool:
		return false
	case ArgInt:
		return 0
	case ArgDuration:
		return time.Duration(0)
	default:
		return ""
	}
}

func expandPath(value string) (string, error) {
	if value == "~" || strings.HasPrefix(value, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand %q: %w", value, err)
		}
		value = filepath.Join(home, strings.TrimPrefix(value, "~"))
	}
	return filepath.Clean(value), nil
}
