package commands

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

var noop = HandlerFunc(func(context.Context, Invocation) error { return nil })

func dfuSpec() Spec {
	return Spec{
		Name:           DFU,
		Summary:        "flash firmware",
		RequiresDevice: true,
		Handler:        noop,
		Args: []ArgSpec{
			{Name: "file", Type: ArgPath, Positional: true},
			{Name: "chunk-size", Type: ArgInt, Default: "256"},
			{Name: "verify", Type: ArgBool, Default: "true"},
			{Name: "timeout", Type: ArgDuration},
			{Name: "channel", Type: ArgString, Required: true},
		},
	}
}

func TestRegisterRejectsBadSpecs(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		want error
	}{
		{"outside enumeration", Spec{Name: "frobnicate", Handler: noop}, ErrUnknownCommand},
		{"nil handler", Spec{Name: Shell}, nil},
		{"duplicate arg", Spec{Name: Shell, Handler: noop, Args: []ArgSpec{{Name: "a"}, {Name: "a"}}}, nil},
		{"bad default", Spec{Name: Shell, Handler: noop, Args: []ArgSpec{{Name: "n", Type: ArgInt, Default: "x"}}}, ErrInvalidArgument},
		{"two positionals", Spec{Name: Shell, Handler: noop, Args: []ArgSpec{{Name: "a", Positional: true}, {Name: "b", Positional: true}}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry().Register(tt.spec)
			if err == nil {
				t.Fatal("expected registration error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(dfuSpec()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(dfuSpec()); !errors.Is(err, ErrDuplicateCommand) {
		t.Fatalf("duplicate Register error = %v", err)
	}
	reg.Seal()
	if err := reg.Register(Spec{Name: Shell, Handler: noop}); !errors.Is(err, ErrSealed) {
		t.Fatalf("Register after Seal error = %v", err)
	}

	spec, err := reg.Resolve("dfu")
	if err != nil || spec.Name != DFU {
		t.Fatalf("Resolve(dfu) = %v, %v", spec.Name, err)
	}
	_, err = reg.Resolve("frobnicate")
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("Resolve(frobnicate) error = %v", err)
	}
	_, err = reg.Resolve("dfuu")
	if err == nil || !strings.Contains(err.Error(), `did you mean "dfu"`) {
		t.Fatalf("Resolve(dfuu) error = %v, want a suggestion", err)
	}
	if got := reg.Specs(); len(got) != 1 || got[0].Name != DFU {
		t.Fatalf("Specs = %+v", got)
	}
}

func TestValidateCoercesAndDefaults(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	args, err := Validate(dfuSpec(), map[string]string{
		"file":    "~/fw/firmware.hex",
		"timeout": "1.5",
		"channel": "stable",
		"verify":  "false",
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := args.Path("file"); got != "/home/tester/fw/firmware.hex" {
		t.Errorf("file = %q", got)
	}
	if got := args.Int("chunk-size"); got != 256 {
		t.Errorf("chunk-size = %d", got)
	}
	if args.Has("chunk-size") {
		t.Error("defaulted argument reported as given")
	}
	if args.Bool("verify") || !args.Has("verify") {
		t.Error("explicit verify=false was not honoured")
	}
	if got := args.Duration("timeout"); got != 1500*time.Millisecond {
		t.Errorf("timeout = %s", got)
	}
	if got := args.String("channel"); got != "stable" {
		t.Errorf("channel = %q", got)
	}
}

func TestValidateFailsFast(t *testing.T) {
	tests := []struct {
		name    string
		raw     map[string]string
		wantArg string
	}{
		{"unknown first in sorted order", map[string]string{"zeta": "1", "alpha": "1", "chunk-size": "x"}, "alpha"},
		{"missing required", map[string]string{}, "channel"},
		{"first bad in schema order", map[string]string{"chunk-size": "big", "verify": "maybe", "channel": "x"}, "chunk-size"},
		{"bad bool", map[string]string{"verify": "maybe", "channel": "x"}, "verify"},
		{"negative duration", map[string]string{"timeout": "-1s", "channel": "x"}, "timeout"},
		{"empty required", map[string]string{"channel": " "}, "channel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(dfuSpec(), tt.raw)
			var argErr *InvalidArgumentError
			if !errors.As(err, &argErr) {
				t.Fatalf("error = %v, want InvalidArgumentError", err)
			}
			if argErr.Name != tt.wantArg {
				t.Fatalf("failed on %q, want %q", argErr.Name, tt.wantArg)
			}
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatal("error should wrap ErrInvalidArgument")
			}
		})
	}
}

func TestValidateDoesNotMutateInput(t *testing.T) {
	raw := map[string]string{"channel": "beta"}
	if _, err := Validate(dfuSpec(), raw); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(raw) != 1 || raw["channel"] != "beta" {
		t.Fatalf("raw args modified: %v", raw)
	}
}

func TestNames(t *testing.T) {
	names := Names()
	if len(names) != 9 || names[0] != Shell {
		t.Fatalf("Names = %v", names)
	}
	names[0] = "mutated"
	if Names()[0] != Shell {
		t.Fatal("Names must return a copy")
	}
	if Name("frobnicate").Valid() {
		t.Fatal("frobnicate should not be a valid name")
	}
}
