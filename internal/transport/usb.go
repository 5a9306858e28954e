package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pilebones/go-udev/crawler"
	"github.com/pilebones/go-udev/netlink"

	"motorctl/internal/logging"
	"motorctl/internal/pathspec"
)

const (
	sysfsRoot      = "/sys"
	usbDevfsRoot   = "/dev/bus/usb"
	usbInterfaceRe = "^usb_interface$"
)

// USB discovers controllers by crawling sysfs for USB interfaces and talks
// to them through usbfs bulk transfers.
type USB struct {
	logger  *slog.Logger
	devRoot string
}

// NewUSB returns the USB transport.
func NewUSB(logger *slog.Logger) *USB {
	return &USB{
		logger:  logging.NewComponentLogger(logger, "usb"),
		devRoot: usbDevfsRoot,
	}
}

func (u *USB) Kind() pathspec.Kind { return pathspec.KindUSB }

// Enumerate walks sysfs for USB interfaces.
func (u *USB) Enumerate(ctx context.Context, _ []pathspec.Filter) ([]Candidate, error) {
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Env: map[string]string{"DEVTYPE": usbInterfaceRe},
	})

	queue := make(chan crawler.Device)
	errs := make(chan error, 1)
	quit := crawler.ExistingDevices(queue, errs, rules)

	var out []Candidate
	for {
		select {
		case <-ctx.Done():
			close(quit)
			return nil, context.Cause(ctx)
		case err := <-errs:
			return nil, fmt.Errorf("crawl usb devices: %w", err)
		case dev, ok := <-queue:
			if !ok {
				return out, nil
			}
			candidate, err := u.candidateFromDevice(dev)
			if err != nil {
				u.logger.Debug("skipping usb interface", logging.String("kobj", dev.KObj), logging.Error(err))
				continue
			}
			out = append(out, candidate)
		}
	}
}

func (u *USB) candidateFromDevice(dev crawler.Device) (Candidate, error) {
	ifaceDir := dev.KObj
	if strings.HasPrefix(ifaceDir, "/devices/") {
		ifaceDir = filepath.Join(sysfsRoot, ifaceDir)
	}
	deviceDir := filepath.Dir(ifaceDir)

	vendor, product, err := parseProduct(dev.Env["PRODUCT"])
	if err != nil {
		return Candidate{}, err
	}
	class, subclass, protocol, err := parseInterface(dev.Env["INTERFACE"])
	if err != nil {
		return Candidate{}, err
	}
	bus, err := readSysfsInt(deviceDir, "busnum", 10)
	if err != nil {
		return Candidate{}, err
	}
	address, err := readSysfsInt(deviceDir, "devnum", 10)
	if err != nil {
		return Candidate{}, err
	}

	attrs := map[string]string{
		pathspec.KeyVendor:   fmt.Sprintf("0x%04x", vendor),
		pathspec.KeyProduct:  fmt.Sprintf("0x%04x", product),
		pathspec.KeyClass:    strconv.FormatUint(class, 10),
		pathspec.KeySubClass: strconv.FormatUint(subclass, 10),
		pathspec.KeyProtocol: strconv.FormatUint(protocol, 10),
		pathspec.KeyBus:      strconv.FormatUint(bus, 10),
		pathspec.KeyAddress:  strconv.FormatUint(address, 10),
	}
	if serial := readSysfsString(deviceDir, "serial"); serial != "" {
		attrs[pathspec.KeySerial] = strings.ToUpper(serial)
	}

	return Candidate{
		Kind:       pathspec.KindUSB,
		ID:         filepath.Base(ifaceDir),
		Location:   filepath.Join(u.devRoot, fmt.Sprintf("%03d", bus), fmt.Sprintf("%03d", address)),
		Attributes: attrs,
		Options:    map[string]int{},
	}, nil
}

// Connect claims the interface and opens its bulk endpoints.
func (u *USB) Connect(ctx context.Context, c Candidate) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ifaceDir, err := findInterfaceDir(c.ID)
	if err != nil {
		return nil, err
	}
	number, err := readSysfsInt(ifaceDir, "bInterfaceNumber", 16)
	if err != nil {
		return nil, err
	}
	in, out, err := bulkEndpoints(ifaceDir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.ID, err)
	}
	conn, err := openUSB(c.Location, uint32(number), in, out)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", c.Location, err)
	}
	u.logger.Debug("usb interface claimed",
		logging.String("interface", c.ID),
		logging.String("node", c.Location),
		logging.Int("endpoint_in", int(in)),
		logging.Int("endpoint_out", int(out)),
	)
	return conn, nil
}

func findInterfaceDir(id string) (string, error) {
	path := filepath.Join(sysfsRoot, "bus", "usb", "devices", id)
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("usb interface %s is gone: %w", id, err)
	}
	return resolved, nil
}

// bulkEndpoints returns the first bulk IN and OUT endpoint addresses.
func bulkEndpoints(ifaceDir string) (in, out uint8, err error) {
	entries, err := os.ReadDir(ifaceDir)
	if err != nil {
		return 0, 0, err
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "ep_") {
			continue
		}
		epDir := filepath.Join(ifaceDir, entry.Name())
		if !strings.EqualFold(readSysfsString(epDir, "type"), "bulk") {
			continue
		}
		addr, err := readSysfsInt(epDir, "bEndpointAddress", 16)
		if err != nil {
			continue
		}
		switch {
		case addr&0x80 != 0 && in == 0:
			in = uint8(addr)
		case addr&0x80 == 0 && out == 0:
			out = uint8(addr)
		}
	}
	if in == 0 || out == 0 {
		return 0, 0, errors.New("interface has no bulk endpoint pair")
	}
	return in, out, nil
}

// parseProduct decodes PRODUCT=vid/pid/bcdDevice (unpadded hex).
func parseProduct(value string) (vendor, product uint64, err error) {
	parts := strings.Split(value, "/")
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected PRODUCT %q", value)
	}
	if vendor, err = strconv.ParseUint(parts[0], 16, 16); err != nil {
		return 0, 0, fmt.Errorf("PRODUCT vendor %q: %w", parts[0], err)
	}
	if product, err = strconv.ParseUint(parts[1], 16, 16); err != nil {
		return 0, 0, fmt.Errorf("PRODUCT product %q: %w", parts[1], err)
	}
	return vendor, product, nil
}

// parseInterface decodes INTERFACE=class/subclass/protocol (decimal).
func parseInterface(value string) (class, subclass, protocol uint64, err error) {
	parts := strings.Split(value, "/")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("unexpected INTERFACE %q", value)
	}
	var out [3]uint64
	for i, part := range parts {
		if out[i], err = strconv.ParseUint(part, 10, 8); err != nil {
			return 0, 0, 0, fmt.Errorf("INTERFACE field %q: %w", part, err)
		}
	}
	return out[0], out[1], out[2], nil
}

func readSysfsString(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readSysfsInt(dir, name string, base int) (uint64, error) {
	raw := readSysfsString(dir, name)
	if raw == "" {
		return 0, fmt.Errorf("missing sysfs attribute %s/%s", dir, name)
	}
	n, err := strconv.ParseUint(raw, base, 32)
	if err != nil {
		return 0, fmt.Errorf("sysfs attribute %s/%s: %w", dir, name, err)
	}
	return n, nil
}
