package testsupport

import (
	"context"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"motorctl/internal/device"
	"motorctl/internal/pathspec"
	"motorctl/internal/remote"
	"motorctl/internal/transport"
)

// FakeTransport simulates one transport kind. Attached devices are served
// over in-memory pipes with the real wire protocol.
type FakeTransport struct {
	kind pathspec.Kind

	mu       sync.Mutex
	attached []fakeAttachment
	connects map[string]int

	enumerations atomic.Int64
	open         atomic.Int64
	enumerateErr error
}

type fakeAttachment struct {
	candidate transport.Candidate
	dev       device.Device
}

// NewFakeTransport returns an empty transport of kind.
func NewFakeTransport(kind pathspec.Kind) *FakeTransport {
	return &FakeTransport{kind: kind, connects: make(map[string]int)}
}

// Attach makes dev visible as c. Kind defaults to the transport's kind.
func (f *FakeTransport) Attach(c transport.Candidate, dev device.Device) {
	if c.Kind == "" {
		c.Kind = f.kind
	}
	if c.Location == "" {
		c.Location = "fake://" + c.ID
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, fakeAttachment{candidate: c, dev: dev})
}

// AttachUSB attaches dev with the default controller USB attributes. An
// empty serial leaves the attribute out, as for devices whose descriptor
// lacks one.
func (f *FakeTransport) AttachUSB(id, serial string, dev device.Device) {
	f.mu.Lock()
	address := len(f.attached) + 2
	f.mu.Unlock()
	attrs := map[string]string{
		pathspec.KeyVendor:   "0x1209",
		pathspec.KeyProduct:  "0x0d32",
		pathspec.KeyClass:    "0",
		pathspec.KeySubClass: "1",
		pathspec.KeyProtocol: "0",
		pathspec.KeyBus:      "1",
		pathspec.KeyAddress:  fmt.Sprint(address),
	}
	if serial != "" {
		attrs[pathspec.KeySerial] = serial
	}
	f.Attach(transport.Candidate{ID: id, Attributes: attrs}, dev)
}

// FailEnumerate makes every subsequent Enumerate return err.
func (f *FakeTransport) FailEnumerate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enumerateErr = err
}

// Enumerations counts Enumerate calls.
func (f *FakeTransport) Enumerations() int { return int(f.enumerations.Load()) }

// OpenConnections counts connections not yet closed.
func (f *FakeTransport) OpenConnections() int { return int(f.open.Load()) }

// Connects counts Connect calls for id.
func (f *FakeTransport) Connects(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects[id]
}

func (f *FakeTransport) Kind() pathspec.Kind { return f.kind }

func (f *FakeTransport) Enumerate(ctx context.Context, _ []pathspec.Filter) ([]transport.Candidate, error) {
	f.enumerations.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enumerateErr != nil {
		return nil, f.enumerateErr
	}
	out := make([]transport.Candidate, len(f.attached))
	for i, a := range f.attached {
		out[i] = a.candidate
	}
	return out, nil
}

func (f *FakeTransport) Connect(ctx context.Context, c transport.Candidate) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	idx := slices.IndexFunc(f.attached, func(a fakeAttachment) bool { return a.candidate.ID == c.ID })
	if idx < 0 {
		f.mu.Unlock()
		return nil, fmt.Errorf("%s is gone", c.ID)
	}
	dev := f.attached[idx].dev
	f.connects[c.ID]++
	f.mu.Unlock()

	client, server := net.Pipe()
	go func() {
		_ = remote.Serve(context.Background(), server, dev)
		_ = server.Close()
	}()
	f.open.Add(1)
	return &fakeConn{Conn: client, onClose: func() { f.open.Add(-1) }}, nil
}

type fakeConn struct {
	net.Conn
	once    sync.Once
	onClose func()
}

func (c *fakeConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.onClose)
	return err
}
