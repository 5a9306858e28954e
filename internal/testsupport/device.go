package testsupport

import (
	"context"
	"fmt"
	"hash/crc32"
	"maps"
	"slices"
	"strings"
	"sync"

	"motorctl/internal/device"
)

// Call records one remote function invocation on a FakeDevice.
type Call struct {
	Method string
	Args   []any
}

// FakeDevice is an in-memory controller with a small property tree, the
// standard functions, and an emulated bootloader flash.
type FakeDevice struct {
	mu        sync.Mutex
	values    map[string]any
	readOnly  map[string]bool
	calls     []Call
	funcs     map[string]func(args []any) (any, error)
	flash     []byte
	protected bool
}

// NewFakeDevice returns a two-axis controller reporting serial.
func NewFakeDevice(serial uint64) *FakeDevice {
	d := &FakeDevice{
		values: map[string]any{
			device.PropSerialNumber:     serial,
			device.PropHWVersion:        "3.6-56V",
			device.PropFWVersion:        "0.5.6",
			device.PropVBusVoltage:      24.0,
			"config.brake_resistance":   2.0,
			"config.enable_uart":        true,
			"config.dc_max_neg_current": -0.01,
		},
		readOnly: map[string]bool{
			device.PropSerialNumber: true,
			device.PropHWVersion:    true,
			device.PropFWVersion:    true,
			device.PropVBusVoltage:  true,
		},
		funcs:     make(map[string]func([]any) (any, error)),
		protected: true,
	}
	for _, axis := range []string{"axis0", "axis1"} {
		d.values[axis+".encoder.pos_estimate"] = 0.0
		d.values[axis+".config.startup_closed_loop_control"] = false
		d.values[axis+".motor.config.current_lim"] = 10.0
		d.values[axis+".controller.config.vel_limit"] = 2.0
		d.readOnly[axis+".encoder.pos_estimate"] = true
		for _, reg := range []string{"drv_fault", "status_reg_1", "status_reg_2", "ctrl_reg_1", "ctrl_reg_2"} {
			path := axis + ".motor.gate_driver." + reg
			d.values[path] = uint64(0)
			d.readOnly[path] = true
		}
	}
	return d
}

// SetValue sets a property without the read-only check.
func (d *FakeDevice) SetValue(path string, value any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[path] = value
}

// Value returns the current value of a property.
func (d *FakeDevice) Value(path string) any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.values[path]
}

// HandleFunc overrides the behaviour of a remote function.
func (d *FakeDevice) HandleFunc(method string, fn func(args []any) (any, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.funcs[method] = fn
}

// Calls returns the functions invoked so far.
func (d *FakeDevice) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.calls)
}

// CallCount counts invocations of method.
func (d *FakeDevice) CallCount(method string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Flash returns the bootloader flash contents.
func (d *FakeDevice) Flash() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.flash)
}

// Protected reports whether flash read-out protection is still enabled.
func (d *FakeDevice) Protected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.protected
}

func (d *FakeDevice) Get(ctx context.Context, path string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.values[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, device.ErrNoSuchProperty)
	}
	return v, nil
}

func (d *FakeDevice) Set(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.values[path]; !ok {
		return fmt.Errorf("%s: %w", path, device.ErrNoSuchProperty)
	}
	if d.readOnly[path] {
		return fmt.Errorf("%s: %w", path, device.ErrReadOnly)
	}
	d.values[path] = value
	return nil
}

func (d *FakeDevice) Call(ctx context.Context, method string, args ...any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.calls = append(d.calls, Call{Method: method, Args: args})
	fn := d.funcs[method]
	d.mu.Unlock()
	if fn != nil {
		return fn(args)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	switch method {
	case device.FnSaveConfiguration, device.FnEraseConfiguration, device.FnReboot, device.FnEnterDFU:
		return true, nil
	case device.FnDFUErase:
		d.flash = d.flash[:0]
		return true, nil
	case device.FnDFUUnlock:
		d.protected = false
		d.flash = d.flash[:0]
		return true, nil
	case device.FnDFUWrite:
		if len(args) != 2 {
			return nil, fmt.Errorf("dfu.write expects offset and data")
		}
		offset, ok := device.AsUint(args[0])
		data, okData := args[1].([]byte)
		if !ok || !okData {
			return nil, fmt.Errorf("dfu.write: bad arguments %T, %T", args[0], args[1])
		}
		if end := int(offset) + len(data); end > len(d.flash) {
			d.flash = append(d.flash, make([]byte, end-len(d.flash))...)
		}
		copy(d.flash[offset:], data)
		return uint64(len(data)), nil
	case device.FnDFUCRC32:
		if len(args) != 1 {
			return nil, fmt.Errorf("dfu.crc32 expects a length")
		}
		length, ok := device.AsUint(args[0])
		if !ok || int(length) > len(d.flash) {
			return nil, fmt.Errorf("dfu.crc32: bad length")
		}
		return uint64(crc32.ChecksumIEEE(d.flash[:length])), nil
	}
	return nil, fmt.Errorf("%s: %w", method, device.ErrNoSuchProperty)
}

func (d *FakeDevice) List(ctx context.Context, prefix string) ([]device.Property, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []device.Property
	for _, path := range slices.Sorted(maps.Keys(d.values)) {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		out = append(out, device.Property{
			Path:     path,
			Type:     typeName(d.values[path]),
			Writable: !d.readOnly[path],
		})
	}
	return out, nil
}

func typeName(v any) string {
	switch v.(type) {
	case bool:
		return "bool"
	case float32, float64:
		return "float"
	case string:
		return "string"
	case int, int64, uint64, uint32:
		return "int"
	default:
		return fmt.Sprintf("%T", v)
	}
}
