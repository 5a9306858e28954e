package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDevice(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateCommands(); err != nil {
		return err
	}
	return c.validateUdev()
}

func (c *Config) validateDevice() error {
	if c.Device.SerialNumber != "" && !IsSerialNumber(c.Device.SerialNumber) {
		return fmt.Errorf("device.serial_number %q must be 12 hexadecimal digits", c.Device.SerialNumber)
	}
	if err := ensurePositiveMap(map[string]int{
		"device.poll_interval_ms": c.Device.PollIntervalMS,
		"device.baud_rate":        c.Device.BaudRate,
	}); err != nil {
		return err
	}
	if c.Device.PollIntervalMS > 1000 {
		return errors.New("device.poll_interval_ms must not exceed 1000")
	}
	if c.Device.TimeoutSeconds < 0 {
		return errors.New("device.timeout_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q must be console or json", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn, or error", c.Logging.Level)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must not be negative")
	}
	return nil
}

func (c *Config) validateCommands() error {
	if err := ensurePositiveMap(map[string]int{
		"dfu.chunk_size":             c.DFU.ChunkSize,
		"dfu.download_timeout":       c.DFU.DownloadTimeout,
		"liveplotter.interval_ms":    c.LivePlotter.IntervalMS,
		"rate_test.duration_seconds": c.RateTest.DurationSeconds,
	}); err != nil {
		return err
	}
	if c.DFU.AppAddress < 0 || c.DFU.AppAddress > math.MaxUint32 {
		return fmt.Errorf("dfu.app_address 0x%x is outside the 32-bit address space", c.DFU.AppAddress)
	}
	if len(c.LivePlotter.Properties) == 0 {
		return errors.New("liveplotter.properties must list at least one property")
	}
	if c.RateTest.Property == "" {
		return errors.New("rate_test.property must be set")
	}
	return nil
}

func (c *Config) validateUdev() error {
	if strings.TrimSpace(c.Udev.RulesPath) == "" {
		return errors.New("udev.rules_path must be set")
	}
	if _, err := strconv.ParseUint(c.Udev.Mode, 8, 32); err != nil || len(c.Udev.Mode) != 4 {
		return fmt.Errorf("udev.mode %q must be a four digit octal mode", c.Udev.Mode)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}

// IsSerialNumber reports whether value is a 12 digit hexadecimal device serial.
func IsSerialNumber(value string) bool {
	if len(value) != 12 {
		return false
	}
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
