// Package device defines the RPC surface of a connected motor controller and
// the handle that scopes exclusive ownership of one connection.
package device

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Well-known property paths and remote functions.
const (
	PropSerialNumber = "serial_number"
	PropHWVersion    = "hw_version"
	PropFWVersion    = "fw_version"
	PropVBusVoltage  = "vbus_voltage"

	FnSaveConfiguration  = "save_configuration"
	FnEraseConfiguration = "erase_configuration"
	FnReboot             = "reboot"
	FnEnterDFU           = "enter_dfu_mode"

	// Bootloader functions, available after FnEnterDFU.
	FnDFUErase  = "dfu.erase"
	FnDFUWrite  = "dfu.write"
	FnDFUCRC32  = "dfu.crc32"
	FnDFUUnlock = "dfu.unlock"
)

var (
	// ErrClosed is returned by calls on a released device.
	ErrClosed = errors.New("device closed")
	// ErrNoSuchProperty reports a property or function the firmware does not expose.
	ErrNoSuchProperty = errors.New("no such property")
	// ErrReadOnly reports a write to a read-only property.
	ErrReadOnly = errors.New("property is read-only")
)

// Property describes one entry of the device's property tree.
type Property struct {
	Path     string `cbor:"1,keyasint"`
	Type     string `cbor:"2,keyasint"`
	Writable bool   `cbor:"3,keyasint"`
}

// Device is the remote object exposed by controller firmware.
type Device interface {
	Get(ctx context.Context, path string) (any, error)
	Set(ctx context.Context, path string, value any) error
	Call(ctx context.Context, method string, args ...any) (any, error)
	List(ctx context.Context, prefix string) ([]Property, error)
}

// FormatSerial renders a serial number the way it is printed on the board:
// twelve upper-case hex digits.
func FormatSerial(value any) (string, error) {
	switch v := value.(type) {
	case string:
		s := strings.ToUpper(strings.TrimSpace(v))
		if _, err := strconv.ParseUint(s, 16, 64); err != nil || len(s) > 12 {
			return "", fmt.Errorf("invalid serial number %q", v)
		}
		return strings.Repeat("0", 12-len(s)) + s, nil
	default:
		n, ok := AsUint(value)
		if !ok {
			return "", fmt.Errorf("invalid serial number %v (%T)", value, value)
		}
		return fmt.Sprintf("%012X", n), nil
	}
}

// ReadSerialNumber fetches and formats the serial_number property.
func ReadSerialNumber(ctx context.Context, dev Device) (string, error) {
	raw, err := dev.Get(ctx, PropSerialNumber)
	if err != nil {
		return "", fmt.Errorf("read serial number: %w", err)
	}
	return FormatSerial(raw)
}

// AsFloat converts a decoded property value to float64.
func AsFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case uint32:
		return float64(v), true
	case int32:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// AsUint converts a decoded property value to uint64.
func AsUint(value any) (uint64, bool) {
	switch v := value.(type) {
	case uint64:
		return v, true
	case uint32:
		return uint64(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return 0, false
		}
		return uint64(v), true
	default:
		return 0, false
	}
}
