package testsupport

import (
	"path/filepath"
	"testing"

	"motorctl/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.BackupDir = filepath.Join(base, "state", "backups")
	cfgVal.Paths.LogDir = filepath.Join(base, "state", "logs")
	cfgVal.Device.LockDir = filepath.Join(base, "locks")
	cfgVal.Device.PollIntervalMS = 20
	cfgVal.Device.Hotplug = false
	cfgVal.Shell.HistoryFile = filepath.Join(base, "state", "shell_history")
	cfgVal.Udev.RulesPath = filepath.Join(base, "rules.d", "91-motorctl.rules")

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}
