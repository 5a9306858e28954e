package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeDevice()
	c.normalizeLogging()
	c.normalizeLivePlotter()
	c.Shell.Prompt = strings.TrimRight(c.Shell.Prompt, "\n")
	if c.Shell.Prompt == "" {
		c.Shell.Prompt = defaultShellPrompt
	}
	c.DFU.FirmwareURL = strings.TrimSpace(c.DFU.FirmwareURL)
	c.RateTest.Property = strings.TrimSpace(c.RateTest.Property)
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.BackupDir, err = expandPath(c.Paths.BackupDir); err != nil {
		return fmt.Errorf("paths.backup_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Device.LockDir) == "" {
		c.Device.LockDir = defaultLockDir()
	}
	if c.Device.LockDir, err = expandPath(c.Device.LockDir); err != nil {
		return fmt.Errorf("device.lock_dir: %w", err)
	}
	if c.Shell.HistoryFile, err = expandPath(strings.TrimSpace(c.Shell.HistoryFile)); err != nil {
		return fmt.Errorf("shell.history_file: %w", err)
	}
	return nil
}

func (c *Config) normalizeDevice() {
	if value, ok := os.LookupEnv("MOTORCTL_PATH"); ok && strings.TrimSpace(value) != "" {
		c.Device.Path = value
	}
	if value, ok := os.LookupEnv("MOTORCTL_SERIAL_NUMBER"); ok && strings.TrimSpace(value) != "" {
		c.Device.SerialNumber = value
	}
	c.Device.Path = strings.TrimSpace(c.Device.Path)
	if c.Device.Path == "" {
		c.Device.Path = defaultDevicePath
	}
	c.Device.SerialNumber = strings.ToUpper(strings.TrimSpace(c.Device.SerialNumber))
	if c.Device.PollIntervalMS == 0 {
		c.Device.PollIntervalMS = defaultPollIntervalMS
	}
	if c.Device.BaudRate == 0 {
		c.Device.BaudRate = defaultBaudRate
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeLivePlotter() {
	props := make([]string, 0, len(c.LivePlotter.Properties))
	seen := make(map[string]struct{}, len(c.LivePlotter.Properties))
	for _, prop := range c.LivePlotter.Properties {
		prop = strings.TrimSpace(prop)
		if prop == "" {
			continue
		}
		if _, ok := seen[prop]; ok {
			continue
		}
		seen[prop] = struct{}{}
		props = append(props, prop)
	}
	c.LivePlotter.Properties = props
}
