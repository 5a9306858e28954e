package commands

import (
	"errors"
	"fmt"
	"sync"

	"motorctl/internal/textutil"
)

var (
	// ErrUnknownCommand reports a name outside the registered commands.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrDuplicateCommand reports a second registration of one name.
	ErrDuplicateCommand = errors.New("command already registered")
	// ErrSealed reports registration after the registry was sealed.
	ErrSealed = errors.New("command registry is sealed")
)

// Registry maps command names to specs.
type Registry struct {
	mu     sync.RWMutex
	specs  map[Name]Spec
	sealed bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[Name]Spec, len(allNames))}
}

// Register adds spec. Argument defaults are validated here so a bad schema
// fails at startup rather than on first use.
func (r *Registry) Register(spec Spec) error {
	if !spec.Name.Valid() {
		return fmt.Errorf("register %q: %w", spec.Name, ErrUnknownCommand)
	}
	if spec.Handler == nil {
		return fmt.Errorf("register %s: nil handler", spec.Name)
	}
	seen := make(map[string]bool, len(spec.Args))
	positional := 0
	for _, a := range spec.Args {
		if a.Name == "" {
			return fmt.Errorf("register %s: argument without a name", spec.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("register %s: argument %q declared twice", spec.Name, a.Name)
		}
		seen[a.Name] = true
		if a.Positional {
			positional++
		}
		if a.Default != "" {
			if _, err := coerce(a, a.Default); err != nil {
				return fmt.Errorf("register %s: default: %w", spec.Name, err)
			}
		}
	}
	if positional > 1 {
		return fmt.Errorf("register %s: at most one positional argument", spec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("register %s: %w", spec.Name, ErrSealed)
	}
	if _, dup := r.specs[spec.Name]; dup {
		return fmt.Errorf("register %s: %w", spec.Name, ErrDuplicateCommand)
	}
	r.specs[spec.Name] = spec
	return nil
}

// Seal stops further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Resolve looks up a command by name.
func (r *Registry) Resolve(name string) (Spec, error) {
	r.mu.RLock()
	spec, ok := r.specs[Name(name)]
	r.mu.RUnlock()
	if ok {
		return spec, nil
	}
	if hint := textutil.Suggest(name, r.names(), 2); hint != "" {
		return Spec{}, fmt.Errorf("%w %q (did you mean %q?)", ErrUnknownCommand, name, hint)
	}
	return Spec{}, fmt.Errorf("%w %q", ErrUnknownCommand, name)
}

// Validate coerces raw arguments against spec. It does not modify the registry.
func (r *Registry) Validate(spec Spec, raw map[string]string) (Args, error) {
	return Validate(spec, raw)
}

// Specs returns the registered specs in help order.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.specs))
	for _, name := range allNames {
		if spec, ok := r.specs[name]; ok {
			out = append(out, spec)
		}
	}
	return out
}

func (r *Registry) names() []string {
	specs := r.Specs()
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = string(s.Name)
	}
	return out
}
