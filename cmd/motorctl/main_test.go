package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"motorctl/internal/shutdown"
)

type cliEnv struct {
	base       string
	configPath string
	rulesPath  string
}

func setupCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	base := t.TempDir()
	t.Setenv("HOME", filepath.Join(base, "home"))
	t.Setenv("MOTORCTL_PATH", "")
	t.Setenv("MOTORCTL_SERIAL_NUMBER", "")

	env := &cliEnv{
		base:       base,
		configPath: filepath.Join(base, "config.toml"),
		rulesPath:  filepath.Join(base, "rules.d", "91-motorctl.rules"),
	}
	content := fmt.Sprintf(`[device]
poll_interval_ms = 20
lock_dir = %q
hotplug = false

[paths]
state_dir = %q
backup_dir = %q
log_dir = %q

[logging]
level = "warn"

[udev]
rules_path = %q
`,
		filepath.Join(base, "locks"),
		filepath.Join(base, "state"),
		filepath.Join(base, "state", "backups"),
		filepath.Join(base, "state", "logs"),
		env.rulesPath,
	)
	if err := os.WriteFile(env.configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return env
}

func (e *cliEnv) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	argv := append([]string{"--config", e.configPath}, args...)
	code := run(argv, strings.NewReader(""), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunVersion(t *testing.T) {
	env := setupCLIEnv(t)
	code, out, _ := env.run(t, "--version")
	if code != 0 || !strings.Contains(out, version) {
		t.Fatalf("exit %d, output %q", code, out)
	}
}

func TestRunHelpListsEveryCommand(t *testing.T) {
	env := setupCLIEnv(t)
	code, out, _ := env.run(t, "--help")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	for _, name := range []string{"shell", "dfu", "unlock", "backup-config", "restore-config", "liveplotter", "drv-status", "rate-test", "udev-setup", "--serial-number", "--path", "--timeout"} {
		if !strings.Contains(out, name) {
			t.Errorf("help missing %q", name)
		}
	}
}

func TestRunUdevSetupDryRun(t *testing.T) {
	env := setupCLIEnv(t)
	code, out, errOut := env.run(t, "udev-setup", "--dry-run")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, `ATTR{idVendor}=="1209"`) {
		t.Fatalf("output = %q", out)
	}
	if _, err := os.Stat(env.rulesPath); !os.IsNotExist(err) {
		t.Fatalf("dry run created %s", env.rulesPath)
	}
}

func TestRunFailsBeforeDiscovery(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"shel"}, `did you mean "shell"`},
		{"bad serial", []string{"--serial-number", "xyz", "drv-status"}, "serial-number"},
		{"bad argument", []string{"dfu", "--chunk-size", "many"}, "chunk-size"},
		{"bad path", []string{"--path", "bluetooth:foo", "drv-status"}, "unknown transport"},
		{"extra positional", []string{"unlock", "now"}, "unknown command"},
		{"bad path without command", []string{"--path", "foo:x=1"}, "unknown transport"},
		{"bad path for shell", []string{"--path", "usb:idVendor", "shell"}, "missing '='"},
		{"unknown command before bad serial", []string{"--serial-number", "xyz", "frobnicate"}, "unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupCLIEnv(t)
			code, _, errOut := env.run(t, append(tt.args, "--timeout", "50ms")...)
			if code != 1 {
				t.Fatalf("exit %d, want 1", code)
			}
			if !strings.Contains(errOut, tt.want) {
				t.Fatalf("stderr %q missing %q", errOut, tt.want)
			}
		})
	}
}

func TestRunUdevSetupIgnoresPath(t *testing.T) {
	env := setupCLIEnv(t)
	code, _, errOut := env.run(t, "--path", "foo:x=1", "udev-setup", "--dry-run")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
}

func TestDiscoveryTimeout(t *testing.T) {
	env := setupCLIEnv(t)
	tests := []struct {
		name string
		args []string
		want time.Duration
	}{
		{"config value", nil, 30 * time.Second},
		{"flag overrides", []string{"--timeout", "2s"}, 2 * time.Second},
		{"explicit zero waits forever", []string{"--timeout", "0"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := newCommandContext(shutdown.New(), strings.NewReader(""), io.Discard, io.Discard)
			cmd := newRootCommand(ctx)
			cmd.SetArgs(append(append([]string{"--config", env.configPath}, tt.args...), "udev-setup", "--dry-run"))
			cmd.SetOut(io.Discard)
			if err := cmd.Execute(); err != nil {
				t.Fatalf("Execute: %v", err)
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				t.Fatalf("ensureConfig: %v", err)
			}
			cfg.Device.TimeoutSeconds = 30
			if got := ctx.discoveryTimeout(cfg); got != tt.want {
				t.Fatalf("discoveryTimeout = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunDeviceNotFound(t *testing.T) {
	env := setupCLIEnv(t)
	missing := filepath.Join(env.base, "no-such-tty")
	code, _, errOut := env.run(t, "--path", "serial:"+missing, "--timeout", "100ms", "drv-status")
	if code != 1 {
		t.Fatalf("exit %d, want 1", code)
	}
	if !strings.Contains(errOut, "device not found") {
		t.Fatalf("stderr = %q", errOut)
	}
}

func TestRunConfigCommands(t *testing.T) {
	env := setupCLIEnv(t)
	target := filepath.Join(env.base, "new", "config.toml")

	code, out, errOut := env.run(t, "config", "init", "--output", target)
	if code != 0 {
		t.Fatalf("init exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, target) {
		t.Fatalf("init output = %q", out)
	}
	if code, _, errOut := env.run(t, "config", "init", "--output", target); code != 1 || !strings.Contains(errOut, "already exists") {
		t.Fatalf("second init exit %d: %s", code, errOut)
	}

	code, out, errOut = env.run(t, "config", "validate")
	if code != 0 || !strings.Contains(out, "Configuration valid") {
		t.Fatalf("validate exit %d, output %q, stderr %q", code, out, errOut)
	}
}
