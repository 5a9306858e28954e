// Package remote speaks the controller's request/response protocol: CBOR
// messages in length-prefixed frames over any byte stream (USB bulk
// endpoints, a serial port, or an in-memory pipe in tests).
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"motorctl/internal/device"
	"motorctl/internal/logging"
)

// Client implements device.Device over a connection. Requests may be issued
// concurrently; a single reader goroutine routes responses by sequence number.
type Client struct {
	conn   io.ReadWriteCloser
	framer *framer
	logger *slog.Logger
	seq    atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]chan *response
	err     error

	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient starts a client on conn. The client owns conn and closes it on Close.
func NewClient(conn io.ReadWriteCloser, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		framer:  newFramer(conn),
		logger:  logging.NewNop(),
		pending: make(map[uint32]chan *response),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// Close shuts the connection and fails outstanding requests.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		c.fail(device.ErrClosed)
		<-c.done
	})
	return err
}

func (c *Client) Get(ctx context.Context, path string) (any, error) {
	resp, err := c.roundTrip(ctx, &request{Op: opGet, Path: path})
	if err != nil {
		return nil, err
	}
	return decodeValue(resp.Value)
}

func (c *Client) Set(ctx context.Context, path string, value any) error {
	_, err := c.roundTrip(ctx, &request{Op: opSet, Path: path, Args: []any{value}})
	return err
}

func (c *Client) Call(ctx context.Context, method string, args ...any) (any, error) {
	resp, err := c.roundTrip(ctx, &request{Op: opCall, Path: method, Args: args})
	if err != nil {
		return nil, err
	}
	return decodeValue(resp.Value)
}

func (c *Client) List(ctx context.Context, prefix string) ([]device.Property, error) {
	resp, err := c.roundTrip(ctx, &request{Op: opList, Path: prefix})
	if err != nil {
		return nil, err
	}
	var props []device.Property
	if len(resp.Value) == 0 {
		return props, nil
	}
	if err := decMode.Unmarshal(resp.Value, &props); err != nil {
		return nil, fmt.Errorf("decode property list: %w", err)
	}
	return props, nil
}

func (c *Client) roundTrip(ctx context.Context, req *request) (*response, error) {
	req.Seq = c.seq.Add(1)
	ch := make(chan *response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[req.Seq] = ch
	c.mu.Unlock()
	defer c.forget(req.Seq)

	payload, err := encMode.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", req.Op, err)
	}
	if err := c.framer.writeFrame(payload); err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Op, req.Path, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, c.closedErr()
		}
		if resp.Status != statusOK {
			return nil, &RemoteError{Op: req.Op, Path: req.Path, Message: resp.Error, status: resp.Status}
		}
		return resp, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (c *Client) forget(seq uint32) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return device.ErrClosed
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		frame, err := c.framer.readFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				err = device.ErrClosed
			}
			c.fail(err)
			return
		}
		var resp response
		if err := decMode.Unmarshal(frame, &resp); err != nil {
			c.logger.Debug("dropping undecodable frame", logging.Error(err), logging.Int("bytes", len(frame)))
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.Seq]
		if ok {
			delete(c.pending, resp.Seq)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("dropping response for unknown request", logging.Int64("seq", int64(resp.Seq)))
			continue
		}
		ch <- &resp
	}
}

// fail records the first terminal error and wakes every waiter.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
}
