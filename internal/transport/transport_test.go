package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pilebones/go-udev/crawler"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"motorctl/internal/logging"
	"motorctl/internal/pathspec"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents+"\n"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func fakeUSBDevice(t *testing.T) crawler.Device {
	t.Helper()
	deviceDir := filepath.Join(t.TempDir(), "usb1", "1-2")
	ifaceDir := filepath.Join(deviceDir, "1-2:1.0")
	writeFile(t, filepath.Join(deviceDir, "busnum"), "1")
	writeFile(t, filepath.Join(deviceDir, "devnum"), "7")
	writeFile(t, filepath.Join(deviceDir, "serial"), "385f324d3037")
	writeFile(t, filepath.Join(ifaceDir, "bInterfaceNumber"), "00")
	writeFile(t, filepath.Join(ifaceDir, "ep_81", "bEndpointAddress"), "81")
	writeFile(t, filepath.Join(ifaceDir, "ep_81", "type"), "Bulk")
	writeFile(t, filepath.Join(ifaceDir, "ep_01", "bEndpointAddress"), "01")
	writeFile(t, filepath.Join(ifaceDir, "ep_01", "type"), "Bulk")
	writeFile(t, filepath.Join(ifaceDir, "ep_82", "bEndpointAddress"), "82")
	writeFile(t, filepath.Join(ifaceDir, "ep_82", "type"), "Interrupt")
	return crawler.Device{
		KObj: ifaceDir,
		Env: map[string]string{
			"DEVTYPE":   "usb_interface",
			"PRODUCT":   "1209/d32/100",
			"INTERFACE": "0/1/0",
		},
	}
}

func TestUSBCandidateFromDevice(t *testing.T) {
	u := NewUSB(logging.NewNop())
	dev := fakeUSBDevice(t)

	c, err := u.candidateFromDevice(dev)
	if err != nil {
		t.Fatalf("candidateFromDevice: %v", err)
	}
	if c.ID != "1-2:1.0" || c.Location != "/dev/bus/usb/001/007" {
		t.Fatalf("unexpected identity %q at %q", c.ID, c.Location)
	}
	if c.SerialNumber() != "385F324D3037" {
		t.Fatalf("serial = %q", c.SerialNumber())
	}
	if !pathspec.MustParse(pathspec.Default)[0].Match(c.Attributes) {
		t.Fatalf("default path does not match %v", c.Attributes)
	}
	if pathspec.MustParse("usb:bus=1:address=8")[0].Match(c.Attributes) {
		t.Fatal("wrong address should not match")
	}

	in, out, err := bulkEndpoints(dev.KObj)
	if err != nil || in != 0x81 || out != 0x01 {
		t.Fatalf("bulkEndpoints = %#x, %#x, %v", in, out, err)
	}
}

func TestUSBCandidateRejectsBadUevent(t *testing.T) {
	u := NewUSB(logging.NewNop())
	dev := fakeUSBDevice(t)
	dev.Env["INTERFACE"] = "ff/1"
	if _, err := u.candidateFromDevice(dev); err == nil {
		t.Fatal("expected error for malformed INTERFACE")
	}
	dev = fakeUSBDevice(t)
	dev.Env["PRODUCT"] = ""
	if _, err := u.candidateFromDevice(dev); err == nil {
		t.Fatal("expected error for missing PRODUCT")
	}
}

func TestSerialEnumerate(t *testing.T) {
	literal := filepath.Join(t.TempDir(), "ttyFAKE")
	writeFile(t, literal, "")

	s := NewSerial(logging.NewNop(), 115200)
	s.list = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "/dev/ttyACM0", IsUSB: true, VID: "1209", PID: "0D32", SerialNumber: "385f324d3037"},
			{Name: "/dev/ttyS0"},
			nil,
		}, nil
	}
	filters := pathspec.MustParse("serial:" + literal + ",serial:/dev/ttyACM0,serial:/does/not/exist,serial:path=/dev/ttyUSB*")
	got, err := s.Enumerate(context.Background(), filters)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Enumerate returned %d candidates: %+v", len(got), got)
	}
	acm := got[0]
	if acm.Attributes[pathspec.KeyVendor] != "0x1209" || acm.SerialNumber() != "385F324D3037" {
		t.Fatalf("unexpected usb serial attributes: %v", acm.Attributes)
	}
	if !pathspec.MustParse("serial:idVendor=0x1209:idProduct=0x0d32")[0].Match(acm.Attributes) {
		t.Fatal("vendor/product filter should match enumerated CDC port")
	}
	if got[2].Location != literal {
		t.Fatalf("literal path candidate = %+v", got[2])
	}
}

type fakePort struct {
	serial.Port
	reads   chan []byte
	timeout time.Duration
	closed  chan struct{}
	mode    *serial.Mode
}

func (p *fakePort) SetReadTimeout(d time.Duration) error {
	p.timeout = d
	return nil
}

func (p *fakePort) Read(buf []byte) (int, error) {
	select {
	case data := <-p.reads:
		return copy(buf, data), nil
	case <-p.closed:
		return 0, errors.New("port closed")
	case <-time.After(p.timeout):
		return 0, nil
	}
}

func (p *fakePort) Write(buf []byte) (int, error) { return len(buf), nil }

func (p *fakePort) Close() error {
	close(p.closed)
	return nil
}

func TestSerialConnectUsesFilterBaud(t *testing.T) {
	port := &fakePort{reads: make(chan []byte, 1), closed: make(chan struct{})}
	s := NewSerial(logging.NewNop(), 115200)
	s.open = func(_ string, mode *serial.Mode) (serial.Port, error) {
		port.mode = mode
		return port, nil
	}

	c := Candidate{Kind: pathspec.KindSerial, ID: "/dev/ttyACM0", Location: "/dev/ttyACM0"}
	c = c.WithOptions(pathspec.MustParse("serial:path=/dev/ttyACM0:baud=921600")[0].ConnectionOptions())
	conn, err := s.Connect(context.Background(), c)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if port.mode.BaudRate != 921600 || port.timeout != serialReadPoll {
		t.Fatalf("mode = %+v, timeout = %s", port.mode, port.timeout)
	}

	// Reads block across timeouts until data arrives.
	go func() {
		time.Sleep(2 * serialReadPoll)
		port.reads <- []byte("ok")
	}()
	buf := make([]byte, 8)
	n, err := conn.Read(buf)
	if err != nil || string(buf[:n]) != "ok" {
		t.Fatalf("Read = %q, %v", buf[:n], err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := conn.Read(buf)
		done <- err
	}()
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("Read after Close = %v, want EOF", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not return after Close")
	}
}

func TestLocksAreExclusive(t *testing.T) {
	locks := NewLocks(t.TempDir())
	release, err := locks.Acquire("1-2:1.0")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := locks.Acquire("1-2:1.0"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Acquire error = %v, want ErrBusy", err)
	}
	other, err := locks.Acquire("1-3:1.0")
	if err != nil {
		t.Fatalf("Acquire other device: %v", err)
	}
	defer other()
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := locks.Acquire("1-2:1.0")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = again()
}

func TestHotplugNotifyCoalesces(t *testing.T) {
	h := NewHotplug(logging.NewNop())
	h.notify()
	h.notify()
	select {
	case <-h.Wake():
	default:
		t.Fatal("expected a wake signal")
	}
	select {
	case <-h.Wake():
		t.Fatal("wake signals should coalesce")
	default:
	}
	var nilMonitor *Hotplug
	if nilMonitor.Wake() != nil || nilMonitor.Start(context.Background()) != nil {
		t.Fatal("nil monitor should be inert")
	}
	nilMonitor.Stop()
}
