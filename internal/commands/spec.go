package commands

import (
	"context"
	"log/slog"

	"motorctl/internal/device"
	"motorctl/internal/shutdown"
)

// ArgType selects how a raw argument value is coerced.
type ArgType int

const (
	ArgString ArgType = iota
	ArgBool
	ArgInt
	ArgDuration
	ArgPath
)

func (t ArgType) String() string {
	switch t {
	case ArgString:
		return "string"
	case ArgBool:
		return "bool"
	case ArgInt:
		return "int"
	case ArgDuration:
		return "duration"
	case ArgPath:
		return "path"
	default:
		return "unknown"
	}
}

// ArgSpec describes one argument of a command.
type ArgSpec struct {
	Name     string
	Type     ArgType
	Required bool
	// Default is the raw value used when the argument is absent. It goes
	// through the same coercion as user input.
	Default string
	// Positional arguments are given without a flag on the command line.
	Positional bool
	Usage      string
}

// Spec binds a command name to its arguments and handler.
type Spec struct {
	Name           Name
	Summary        string
	Args           []ArgSpec
	RequiresDevice bool
	// DiscoversDevices marks commands that run their own discovery. The
	// path spec is still checked before they start.
	DiscoversDevices bool
	Handler          Handler
}

// Arg returns the argument schema named name.
func (s Spec) Arg(name string) (ArgSpec, bool) {
	for _, a := range s.Args {
		if a.Name == name {
			return a, true
		}
	}
	return ArgSpec{}, false
}

// Invocation is everything a handler receives.
type Invocation struct {
	Command Name
	Args    Args
	// Device is nil for commands that do not require one. The dispatcher
	// closes it after the handler returns.
	Device *device.Handle
	Token  *shutdown.Token
	Logger *slog.Logger
}

// Handler runs a command. Returning an error wrapping
// shutdown.ErrOperationAborted ends the run cleanly.
type Handler interface {
	Invoke(ctx context.Context, inv Invocation) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, inv Invocation) error

func (f HandlerFunc) Invoke(ctx context.Context, inv Invocation) error {
	return f(ctx, inv)
}
