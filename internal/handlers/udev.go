package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"text/template"

	"motorctl/internal/commands"
	"motorctl/internal/fileutil"
	"motorctl/internal/logging"
)

// CommandRunner runs an external program and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

var udevRules = template.Must(template.New("rules").Parse(`# Installed by motorctl udev-setup.
# Controller in application mode
SUBSYSTEM=="usb", ATTR{idVendor}=="1209", ATTR{idProduct}=="0d3[0-9]", MODE="{{.Mode}}", GROUP="{{.Group}}"
# Controller CDC serial port
SUBSYSTEM=="tty", ATTRS{idVendor}=="1209", ATTRS{idProduct}=="0d3[0-9]", MODE="{{.Mode}}", GROUP="{{.Group}}", ENV{ID_MM_DEVICE_IGNORE}="1"
# STM32 DFU bootloader
SUBSYSTEM=="usb", ATTR{idVendor}=="0483", ATTR{idProduct}=="df11", MODE="{{.Mode}}", GROUP="{{.Group}}"
`))

type udevHandler struct {
	deps Deps
}

func (h *udevHandler) Invoke(ctx context.Context, inv commands.Invocation) error {
	logger := invocationLogger(inv)
	rules, err := renderUdevRules(h.deps.Config.Udev.Mode, h.deps.Config.Udev.Group)
	if err != nil {
		return err
	}
	if inv.Args.Bool("dry-run") {
		_, err := h.deps.Stdout.Write(rules)
		return err
	}

	path := inv.Args.Path("rules-path")
	existing, err := os.ReadFile(path)
	switch {
	case err == nil && bytes.Equal(existing, rules):
		fmt.Fprintf(h.deps.Stdout, "%s is up to date\n", path)
		return nil
	case err == nil:
		backup := path + ".bak"
		if err := fileutil.CopyFileMode(path, backup, 0o644); err != nil {
			return fmt.Errorf("back up existing rules: %w", err)
		}
		logger.Info("existing rules backed up", logging.String("path", backup))
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("read existing rules: %w", err)
	}

	if err := fileutil.WriteFileAtomic(path, rules, 0o644); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("write %s: %w (run with sudo)", path, err)
		}
		return fmt.Errorf("write %s: %w", path, err)
	}
	logger.Info("udev rules installed",
		logging.String(logging.FieldEventType, "udev_rules_installed"),
		logging.String("path", path),
	)

	udevadm := h.deps.Config.UdevadmBinary()
	for _, args := range [][]string{
		{"control", "--reload-rules"},
		{"trigger"},
	} {
		if err := checkToken(inv.Token); err != nil {
			return err
		}
		if out, err := h.deps.Runner.Run(ctx, udevadm, args...); err != nil {
			logging.WarnWithContext(logger, "udevadm failed", "udevadm_failed",
				logging.String("args", strings.Join(args, " ")),
				logging.String("output", strings.TrimSpace(string(out))),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "replug the controller to apply the new rules"),
			)
			break
		}
	}
	fmt.Fprintf(h.deps.Stdout, "Installed %s\n", path)
	return nil
}

func renderUdevRules(mode, group string) ([]byte, error) {
	var buf bytes.Buffer
	if err := udevRules.Execute(&buf, struct{ Mode, Group string }{mode, group}); err != nil {
		return nil, fmt.Errorf("render udev rules: %w", err)
	}
	return buf.Bytes(), nil
}
