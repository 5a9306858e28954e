// Package handlers implements the motorctl subcommands. Each handler gets its
// typed arguments, the connected device when it needs one, and the shutdown
// token it must watch in every loop.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/mattn/go-isatty"

	"motorctl/internal/commands"
	"motorctl/internal/config"
	"motorctl/internal/device"
	"motorctl/internal/inventory"
	"motorctl/internal/locator"
	"motorctl/internal/logging"
	"motorctl/internal/shutdown"
)

// DeviceStream yields devices as they connect; the shell uses it to follow
// reconnects.
type DeviceStream interface {
	FindAnyMatching(ctx context.Context, q locator.Query) iter.Seq2[*device.Handle, error]
}

// Deps are the collaborators shared by the handlers.
type Deps struct {
	Config *config.Config
	// Stream and Query back the shell's background discovery.
	Stream DeviceStream
	Query  locator.Query
	// Inventory is optional; without it nothing is recorded.
	Inventory *inventory.Store
	Runner    CommandRunner
	HTTP      *http.Client
	Stdin     io.Reader
	Stdout    io.Writer
	Stderr    io.Writer
}

func (d Deps) withDefaults() Deps {
	if d.Config == nil {
		cfg := config.Default()
		d.Config = &cfg
	}
	if d.Runner == nil {
		d.Runner = execRunner{}
	}
	if d.HTTP == nil {
		d.HTTP = &http.Client{Timeout: time.Duration(d.Config.DFU.DownloadTimeout) * time.Second}
	}
	if d.Stdin == nil {
		d.Stdin = os.Stdin
	}
	if d.Stdout == nil {
		d.Stdout = os.Stdout
	}
	if d.Stderr == nil {
		d.Stderr = os.Stderr
	}
	return d
}

// Specs returns the command table.
func Specs(deps Deps) []commands.Spec {
	deps = deps.withDefaults()
	cfg := deps.Config
	return []commands.Spec{
		{
			Name:             commands.Shell,
			Summary:          "Interactive shell with automatic device discovery",
			DiscoversDevices: true,
			Handler:          &shellHandler{deps: deps},
			Args: []commands.ArgSpec{
				{Name: "no-ipython", Type: commands.ArgBool, Default: "false", Usage: "use a plain line reader instead of the interactive editor"},
			},
		},
		{
			Name:           commands.DFU,
			Summary:        "Flash new firmware to the device",
			RequiresDevice: true,
			Handler:        &dfuHandler{deps: deps},
			Args: []commands.ArgSpec{
				{Name: "file", Type: commands.ArgPath, Positional: true, Usage: "firmware image (.bin or Intel .hex); downloaded when omitted"},
				{Name: "chunk-size", Type: commands.ArgInt, Default: strconv.Itoa(cfg.DFU.ChunkSize), Usage: "bytes per write request"},
			},
		},
		{
			Name:           commands.Unlock,
			Summary:        "Remove flash read-out protection (erases the device)",
			RequiresDevice: true,
			Handler:        &unlockHandler{deps: deps},
		},
		{
			Name:           commands.BackupConfig,
			Summary:        "Save the device configuration to a JSON file",
			RequiresDevice: true,
			Handler:        &backupHandler{deps: deps},
			Args: []commands.ArgSpec{
				{Name: "file", Type: commands.ArgPath, Positional: true, Usage: "output file (default <backup_dir>/<serial>.json)"},
			},
		},
		{
			Name:           commands.RestoreConfig,
			Summary:        "Restore the device configuration from a JSON file",
			RequiresDevice: true,
			Handler:        &restoreHandler{deps: deps},
			Args: []commands.ArgSpec{
				{Name: "file", Type: commands.ArgPath, Positional: true, Usage: "input file (default: latest backup of this device)"},
			},
		},
		{
			Name:           commands.LivePlotter,
			Summary:        "Stream property values until interrupted",
			RequiresDevice: true,
			Handler:        &livePlotterHandler{deps: deps},
			Args: []commands.ArgSpec{
				{Name: "interval", Type: commands.ArgDuration, Default: (time.Duration(cfg.LivePlotter.IntervalMS) * time.Millisecond).String(), Usage: "sampling interval"},
				{Name: "samples", Type: commands.ArgInt, Usage: "stop after this many samples (0 = until interrupted)"},
			},
		},
		{
			Name:           commands.DRVStatus,
			Summary:        "Show gate driver registers for each axis",
			RequiresDevice: true,
			Handler:        &drvStatusHandler{deps: deps},
		},
		{
			Name:           commands.RateTest,
			Summary:        "Measure property read throughput",
			RequiresDevice: true,
			Handler:        &rateTestHandler{deps: deps},
			Args: []commands.ArgSpec{
				{Name: "property", Type: commands.ArgString, Default: cfg.RateTest.Property, Usage: "property to read"},
				{Name: "duration", Type: commands.ArgDuration, Default: (time.Duration(cfg.RateTest.DurationSeconds) * time.Second).String(), Usage: "how long to measure"},
			},
		},
		{
			Name:    commands.UdevSetup,
			Summary: "Install udev rules granting access to controllers",
			Handler: &udevHandler{deps: deps},
			Args: []commands.ArgSpec{
				{Name: "rules-path", Type: commands.ArgPath, Default: cfg.Udev.RulesPath, Usage: "rules file to write"},
				{Name: "dry-run", Type: commands.ArgBool, Default: "false", Usage: "print the rules instead of installing them"},
			},
		},
	}
}

// Register adds every handler to reg.
func Register(reg *commands.Registry, deps Deps) error {
	for _, spec := range Specs(deps) {
		if err := reg.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

// TrackDevices returns a locator hook that records each connected device in
// the inventory.
func TrackDevices(store *inventory.Store, logger *slog.Logger) func(context.Context, *device.Handle) {
	return func(ctx context.Context, h *device.Handle) {
		if store == nil || h == nil || h.SerialNumber == "" {
			return
		}
		rec := inventory.DeviceRecord{
			SerialNumber: h.SerialNumber,
			Transport:    h.Kind,
			Location:     h.ID,
			HWVersion:    readString(ctx, h.Device(), device.PropHWVersion),
			FWVersion:    readString(ctx, h.Device(), device.PropFWVersion),
		}
		if err := store.RecordDevice(ctx, rec); err != nil {
			logging.WarnWithContext(logger, "could not record device in inventory", "inventory_write_failed",
				logging.String(logging.FieldDeviceSerial, h.SerialNumber),
				logging.Error(err),
				logging.String(logging.FieldImpact, "device history is incomplete"),
			)
		}
	}
}

func readString(ctx context.Context, dev device.Device, path string) string {
	v, err := dev.Get(ctx, path)
	if err != nil || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// requireDevice returns the invocation's device or an error for handlers
// registered without RequiresDevice by mistake.
func requireDevice(inv commands.Invocation) (*device.Handle, error) {
	if inv.Device == nil {
		return nil, fmt.Errorf("%s: no device", inv.Command)
	}
	return inv.Device, nil
}

// checkToken returns ErrOperationAborted once the token is set.
func checkToken(token *shutdown.Token) error {
	if token != nil && token.IsSet() {
		return shutdown.ErrOperationAborted
	}
	return nil
}

// abortOr maps a context cancellation caused by the token to
// ErrOperationAborted and returns other errors unchanged.
func abortOr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && errors.Is(context.Cause(ctx), shutdown.ErrOperationAborted) {
		return fmt.Errorf("%w: %w", shutdown.ErrOperationAborted, err)
	}
	return err
}

func isTerminal(w any) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func invocationLogger(inv commands.Invocation) *slog.Logger {
	if inv.Logger != nil {
		return inv.Logger
	}
	return logging.NewNop()
}
