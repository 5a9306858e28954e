package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Device contains transport discovery settings.
type Device struct {
	Path           string `toml:"path"`
	SerialNumber   string `toml:"serial_number"`
	PollIntervalMS int    `toml:"poll_interval_ms"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	BaudRate       int    `toml:"baud_rate"`
	LockDir        string `toml:"lock_dir"`
	Hotplug        bool   `toml:"hotplug"`
}

// Paths contains directory configuration.
type Paths struct {
	StateDir  string `toml:"state_dir"`
	BackupDir string `toml:"backup_dir"`
	LogDir    string `toml:"log_dir"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	File          bool   `toml:"file"`
	RetentionDays int    `toml:"retention_days"`
}

// Shell contains configuration for the interactive shell.
type Shell struct {
	Prompt      string `toml:"prompt"`
	HistoryFile string `toml:"history_file"`
}

// DFU contains firmware update settings.
type DFU struct {
	FirmwareURL     string `toml:"firmware_url"`
	ChunkSize       int    `toml:"chunk_size"`
	DownloadTimeout int    `toml:"download_timeout"`

	// AppAddress is the flash address of the application. dfu.write offsets
	// are relative to it and Intel HEX images must start there.
	AppAddress int64 `toml:"app_address"`
}

// LivePlotter contains sampling settings for the live plotter.
type LivePlotter struct {
	Properties []string `toml:"properties"`
	IntervalMS int      `toml:"interval_ms"`
}

// RateTest contains settings for the property read throughput test.
type RateTest struct {
	Property        string `toml:"property"`
	DurationSeconds int    `toml:"duration_seconds"`
}

// Udev contains settings for udev rule installation.
type Udev struct {
	RulesPath string `toml:"rules_path"`
	Group     string `toml:"group"`
	Mode      string `toml:"mode"`
}

// Config encapsulates all configuration values for motorctl.
//
// Configuration sections by subsystem:
//   - Device: transport path spec, serial filter, discovery polling
//   - Paths: state, backup, and log directories
//   - Logging: log format and level
//   - Shell: interactive shell prompt and history
//   - DFU: firmware download and flashing
//   - LivePlotter: sampled properties and refresh rate
//   - RateTest: throughput test property and duration
//   - Udev: rules file location and permissions
type Config struct {
	Device      Device      `toml:"device"`
	Paths       Paths       `toml:"paths"`
	Logging     Logging     `toml:"logging"`
	Shell       Shell       `toml:"shell"`
	DFU         DFU         `toml:"dfu"`
	LivePlotter LivePlotter `toml:"liveplotter"`
	RateTest    RateTest    `toml:"rate_test"`
	Udev        Udev        `toml:"udev"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("motorctl.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the state, backup, log, and lock directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.BackupDir, c.Paths.LogDir, c.Device.LockDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// InventoryPath returns the location of the device inventory database.
func (c *Config) InventoryPath() string {
	return filepath.Join(c.Paths.StateDir, "inventory.db")
}

// UdevadmBinary returns the udevadm executable name.
func (c *Config) UdevadmBinary() string {
	return "udevadm"
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func defaultLockDir() string {
	if base, ok := os.LookupEnv("XDG_RUNTIME_DIR"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "motorctl", "locks")
	}
	return filepath.Join(os.TempDir(), "motorctl-locks")
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
