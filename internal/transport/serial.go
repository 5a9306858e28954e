package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"motorctl/internal/logging"
	"motorctl/internal/pathspec"
)

const serialReadPoll = 100 * time.Millisecond

// Serial discovers controllers on UART and CDC-ACM ports.
type Serial struct {
	logger      *slog.Logger
	defaultBaud int
	list        func() ([]*enumerator.PortDetails, error)
	open        func(path string, mode *serial.Mode) (serial.Port, error)
}

// NewSerial returns the serial transport. defaultBaud applies when the path
// spec does not name one.
func NewSerial(logger *slog.Logger, defaultBaud int) *Serial {
	return &Serial{
		logger:      logging.NewComponentLogger(logger, "serial"),
		defaultBaud: defaultBaud,
		list:        enumerator.GetDetailedPortsList,
		open:        serial.Open,
	}
}

func (s *Serial) Kind() pathspec.Kind { return pathspec.KindSerial }

// Enumerate lists ports known to the OS plus literal paths named by filters
// that exist but are not enumerable (ptys, symlinks under /dev/serial).
func (s *Serial) Enumerate(ctx context.Context, filters []pathspec.Filter) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ports, err := s.list()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	seen := make(map[string]struct{}, len(ports))
	out := make([]Candidate, 0, len(ports))
	for _, port := range ports {
		if port == nil || port.Name == "" {
			continue
		}
		seen[port.Name] = struct{}{}
		attrs := map[string]string{pathspec.KeyPath: port.Name}
		if port.IsUSB {
			if port.VID != "" {
				attrs[pathspec.KeyVendor] = "0x" + strings.ToLower(port.VID)
			}
			if port.PID != "" {
				attrs[pathspec.KeyProduct] = "0x" + strings.ToLower(port.PID)
			}
			if port.SerialNumber != "" {
				attrs[pathspec.KeySerial] = strings.ToUpper(port.SerialNumber)
			}
		}
		out = append(out, Candidate{Kind: pathspec.KindSerial, ID: port.Name, Location: port.Name, Attributes: attrs})
	}

	for _, f := range filters {
		literal := f.Attributes[pathspec.KeyPath]
		if literal == "" || strings.ContainsAny(literal, "*?[") {
			continue
		}
		if _, ok := seen[literal]; ok {
			continue
		}
		if _, err := os.Stat(literal); err != nil {
			continue
		}
		seen[literal] = struct{}{}
		out = append(out, Candidate{
			Kind:       pathspec.KindSerial,
			ID:         literal,
			Location:   literal,
			Attributes: map[string]string{pathspec.KeyPath: literal},
		})
	}
	return out, nil
}

// Connect opens the port at the candidate's baud rate.
func (s *Serial) Connect(ctx context.Context, c Candidate) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	baud := s.defaultBaud
	if v, ok := c.Options[pathspec.KeyBaud]; ok && v > 0 {
		baud = v
	}
	port, err := s.open(c.Location, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", c.Location, err)
	}
	if err := port.SetReadTimeout(serialReadPoll); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("configure %s: %w", c.Location, err)
	}
	s.logger.Debug("serial port opened", logging.String("path", c.Location), logging.Int("baud", baud))
	return &serialConn{port: port}, nil
}

// serialConn turns read timeouts into a blocking Read that ends on Close.
type serialConn struct {
	port   serial.Port
	closed atomic.Bool
}

func (c *serialConn) Read(p []byte) (int, error) {
	for {
		if c.closed.Load() {
			return 0, io.EOF
		}
		n, err := c.port.Read(p)
		if err != nil {
			if c.closed.Load() {
				return 0, io.EOF
			}
			return n, err
		}
		if n > 0 {
			return n, nil
		}
	}
}

func (c *serialConn) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	return c.port.Write(p)
}

func (c *serialConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.port.Close()
}
