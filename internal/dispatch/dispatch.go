// Package dispatch runs one motorctl command: it resolves and validates the
// command, waits for the device when the command needs one, invokes the
// handler, and turns cancellation into a clean exit. The shutdown token is
// set on every way out.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"motorctl/internal/commands"
	"motorctl/internal/config"
	"motorctl/internal/device"
	"motorctl/internal/locator"
	"motorctl/internal/logging"
	"motorctl/internal/pathspec"
	"motorctl/internal/shutdown"
)

// ErrAlreadyRun reports a second Dispatch on the same dispatcher.
var ErrAlreadyRun = errors.New("dispatcher already ran")

// DeviceFinder is the part of the locator the dispatcher needs.
type DeviceFinder interface {
	Find(ctx context.Context, q locator.Query) (*device.Handle, error)
}

// Options configures a Dispatcher.
type Options struct {
	Registry *commands.Registry
	Locator  DeviceFinder
	// PathSpec is the transport path spec used for device discovery.
	PathSpec string
	// SerialNumber optionally restricts discovery to one device.
	SerialNumber string
	// Timeout bounds discovery; zero waits until cancelled.
	Timeout time.Duration
	// DefaultCommand runs when the request names none.
	DefaultCommand commands.Name
	Logger         *slog.Logger
	Token          *shutdown.Token
}

// Request is a parsed command line.
type Request struct {
	Command string
	Args    map[string]string
}

// Dispatcher executes a single request.
type Dispatcher struct {
	opts  Options
	state atomic.Int32
	ran   atomic.Bool
}

// New validates opts and returns a dispatcher in the Idle state.
func New(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, errors.New("dispatcher requires a command registry")
	}
	if opts.Token == nil {
		opts.Token = shutdown.New()
	}
	if opts.DefaultCommand == "" {
		opts.DefaultCommand = commands.Shell
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	opts.Logger = logging.NewComponentLogger(opts.Logger, "dispatch")
	return &Dispatcher{opts: opts}, nil
}

// State returns the current run state.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Token returns the run's shutdown token.
func (d *Dispatcher) Token() *shutdown.Token {
	return d.opts.Token
}

func (d *Dispatcher) setState(s State) {
	d.state.Store(int32(s))
	d.opts.Logger.Debug("dispatch state", logging.String("state", s.String()))
}

// Dispatch runs req to completion. It returns nil when the command completes
// or is aborted, and the command's error otherwise.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (err error) {
	if !d.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}
	defer d.opts.Token.SetWithReason("run finished")

	ctx, cancel := d.opts.Token.Context(ctx)
	defer cancel()

	d.setState(ParsingArgs)
	name := strings.TrimSpace(req.Command)
	raw := req.Args
	if name == "" {
		name = string(d.opts.DefaultCommand)
		raw = nil
	}

	d.setState(ResolvingCommand)
	spec, err := d.opts.Registry.Resolve(name)
	if err != nil {
		return d.fail(name, err)
	}
	serial := strings.ToUpper(strings.TrimSpace(d.opts.SerialNumber))
	if serial != "" && !config.IsSerialNumber(serial) {
		return d.fail(name, &commands.InvalidArgumentError{Name: "serial-number", Reason: fmt.Sprintf("%q is not 12 hex digits", d.opts.SerialNumber)})
	}
	var filters pathspec.Spec
	if spec.RequiresDevice || spec.DiscoversDevices {
		if filters, err = pathspec.Parse(d.opts.PathSpec); err != nil {
			return d.fail(name, fmt.Errorf("--path: %w", err))
		}
	}
	args, err := d.opts.Registry.Validate(spec, raw)
	if err != nil {
		return d.fail(name, err)
	}
	ctx = logging.WithCommand(ctx, string(spec.Name))

	var handle *device.Handle
	if spec.RequiresDevice {
		if d.opts.Locator == nil {
			return d.fail(name, fmt.Errorf("%s needs a device but no locator is configured", spec.Name))
		}
		d.setState(AwaitingDevice)
		handle, err = d.opts.Locator.Find(ctx, locator.Query{Filters: filters, SerialNumber: serial, Timeout: d.opts.Timeout})
		if err != nil {
			return d.finish(ctx, spec.Name, err)
		}
		defer func() {
			if cerr := handle.Close(); cerr != nil {
				d.opts.Logger.Debug("device release failed", logging.Error(cerr))
			}
		}()
		ctx = logging.WithDeviceSerial(ctx, handle.SerialNumber)
	}

	d.setState(Executing)
	err = spec.Handler.Invoke(ctx, commands.Invocation{
		Command: spec.Name,
		Args:    args,
		Device:  handle,
		Token:   d.opts.Token,
		Logger:  logging.WithContext(ctx, d.opts.Logger),
	})
	return d.finish(ctx, spec.Name, err)
}

func (d *Dispatcher) finish(ctx context.Context, name commands.Name, err error) error {
	switch {
	case err == nil:
		d.setState(Completed)
		return nil
	case shutdown.Aborted(err):
		d.setState(Aborted)
		reason := d.opts.Token.Reason()
		if reason == "" {
			reason = "cancelled"
		}
		logging.WithContext(ctx, d.opts.Logger).Info("operation aborted",
			logging.String("reason", reason),
			logging.String(logging.FieldEventType, "command_aborted"),
		)
		return nil
	default:
		return d.fail(string(name), err)
	}
}

func (d *Dispatcher) fail(name string, err error) error {
	d.setState(Failed)
	d.opts.Logger.Debug("command failed", logging.String(logging.FieldCommand, name), logging.Error(err))
	return err
}
