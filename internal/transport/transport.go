// Package transport enumerates and opens motor controllers over USB and
// serial links. Each transport reports candidates with the attributes path
// spec filters are matched against; choosing among them is the locator's job.
package transport

import (
	"context"
	"io"
	"maps"

	"motorctl/internal/pathspec"
)

// Candidate is one device visible on a transport.
type Candidate struct {
	Kind pathspec.Kind
	// ID is stable for as long as the device stays attached.
	ID string
	// Location is the device node opened by Connect.
	Location   string
	Attributes map[string]string
	// Options carries connection settings taken from the matching filter,
	// such as the serial baud rate.
	Options map[string]int
}

// SerialNumber returns the serial reported by the transport, if any.
func (c Candidate) SerialNumber() string {
	return c.Attributes[pathspec.KeySerial]
}

// WithOptions returns a copy of c carrying opts.
func (c Candidate) WithOptions(opts map[string]int) Candidate {
	c.Options = maps.Clone(opts)
	return c
}

// Transport enumerates candidates of one kind and opens byte streams to them.
type Transport interface {
	Kind() pathspec.Kind
	// Enumerate lists attached devices. filters are the path spec filters
	// for this kind; transports may use them to probe explicit locations
	// that are not discoverable by scanning.
	Enumerate(ctx context.Context, filters []pathspec.Filter) ([]Candidate, error)
	Connect(ctx context.Context, c Candidate) (io.ReadWriteCloser, error)
}
