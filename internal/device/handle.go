package device

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
)

// Handle is an exclusively owned connection to one device. The handler that
// receives it is its only user; Close releases the transport and the
// ownership lock and is safe to call more than once.
type Handle struct {
	Kind         string
	ID           string
	SerialNumber string
	Attributes   map[string]string

	dev     Device
	release func() error

	once     sync.Once
	closeErr error
	done     chan struct{}
}

// NewHandle wraps a connected device. release runs once on Close.
func NewHandle(kind, id, serial string, attrs map[string]string, dev Device, release func() error) *Handle {
	return &Handle{
		Kind:         kind,
		ID:           id,
		SerialNumber: serial,
		Attributes:   maps.Clone(attrs),
		dev:          &guarded{next: dev},
		release:      release,
		done:         make(chan struct{}),
	}
}

// Device returns the RPC surface. Calls fail with ErrClosed after Close.
func (h *Handle) Device() Device {
	return h.dev
}

// Close releases the device.
func (h *Handle) Close() error {
	h.once.Do(func() {
		if g, ok := h.dev.(*guarded); ok {
			g.close()
		}
		if h.release != nil {
			h.closeErr = h.release()
		}
		close(h.done)
	})
	return h.closeErr
}

// Done is closed once the handle has been released.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) String() string {
	if h.SerialNumber != "" {
		return fmt.Sprintf("%s %s (%s)", h.Kind, h.SerialNumber, h.ID)
	}
	return fmt.Sprintf("%s %s", h.Kind, h.ID)
}

// guarded rejects calls once the handle is closed. In-flight calls are not
// waited for; releasing the transport fails them.
type guarded struct {
	next   Device
	closed atomic.Bool
}

func (g *guarded) close() { g.closed.Store(true) }

func (g *guarded) Get(ctx context.Context, path string) (any, error) {
	if g.closed.Load() {
		return nil, ErrClosed
	}
	return g.next.Get(ctx, path)
}

func (g *guarded) Set(ctx context.Context, path string, value any) error {
	if g.closed.Load() {
		return ErrClosed
	}
	return g.next.Set(ctx, path, value)
}

func (g *guarded) Call(ctx context.Context, method string, args ...any) (any, error) {
	if g.closed.Load() {
		return nil, ErrClosed
	}
	return g.next.Call(ctx, method, args...)
}

func (g *guarded) List(ctx context.Context, prefix string) ([]Property, error) {
	if g.closed.Load() {
		return nil, ErrClosed
	}
	return g.next.List(ctx, prefix)
}
