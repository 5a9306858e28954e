// Package locator finds motor controllers matching a path spec across the
// available transports and hands out exclusively owned device handles.
package locator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"motorctl/internal/device"
	"motorctl/internal/logging"
	"motorctl/internal/pathspec"
	"motorctl/internal/remote"
	"motorctl/internal/shutdown"
	"motorctl/internal/transport"
)

// DefaultPollInterval bounds how long a newly attached device goes unnoticed
// when no hotplug events arrive.
const DefaultPollInterval = time.Second

var (
	// ErrDeviceNotFound reports an elapsed discovery timeout with no match.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrAmbiguousDevice reports more than one distinct matching device.
	ErrAmbiguousDevice = errors.New("more than one device matches")
	// ErrNoTransport reports a path spec naming a transport that is not available.
	ErrNoTransport = errors.New("transport not available")
)

// Query describes the device to look for.
type Query struct {
	Filters pathspec.Spec
	// SerialNumber, when set, must equal the device serial (case-insensitive).
	SerialNumber string
	// Timeout bounds Find. Zero waits until the device appears or the
	// search is cancelled.
	Timeout time.Duration
}

// Option configures a Locator.
type Option func(*Locator)

// WithPollInterval sets the delay between discovery cycles.
func WithPollInterval(d time.Duration) Option {
	return func(l *Locator) {
		if d > 0 {
			l.poll = d
		}
	}
}

// WithWake sets a channel that triggers an immediate rescan, typically fed
// by the hotplug monitor.
func WithWake(wake <-chan struct{}) Option {
	return func(l *Locator) { l.wake = wake }
}

// WithLocks enables cross-process device ownership locks.
func WithLocks(locks *transport.Locks) Option {
	return func(l *Locator) { l.locks = locks }
}

// WithLogger sets the locator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locator) {
		if logger != nil {
			l.logger = logging.NewComponentLogger(logger, "locator")
		}
	}
}

// WithToken makes every search end with ErrOperationAborted once token is set.
func WithToken(token *shutdown.Token) Option {
	return func(l *Locator) { l.token = token }
}

// WithOnConnect registers a callback run for each handle before it is returned.
func WithOnConnect(fn func(context.Context, *device.Handle)) Option {
	return func(l *Locator) { l.onConnect = fn }
}

// Locator searches transports for devices.
type Locator struct {
	transports map[pathspec.Kind]transport.Transport
	poll       time.Duration
	wake       <-chan struct{}
	locks      *transport.Locks
	logger     *slog.Logger
	token      *shutdown.Token
	onConnect  func(context.Context, *device.Handle)
}

// New builds a locator over transports. A later transport of the same kind
// replaces an earlier one.
func New(transports []transport.Transport, opts ...Option) *Locator {
	l := &Locator{
		transports: make(map[pathspec.Kind]transport.Transport, len(transports)),
		poll:       DefaultPollInterval,
		logger:     logging.NewComponentLogger(logging.NewNop(), "locator"),
	}
	for _, t := range transports {
		if t != nil {
			l.transports[t.Kind()] = t
		}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// match is a candidate that satisfied the query, possibly already connected
// because its serial number had to be read from the device.
type match struct {
	candidate transport.Candidate
	serial    string
	client    *remote.Client
	unlock    func() error
}

func (m *match) key() string { return candidateKey(m.candidate) }

func (m *match) release() {
	if m.client != nil {
		_ = m.client.Close()
		m.client = nil
	}
	if m.unlock != nil {
		_ = m.unlock()
		m.unlock = nil
	}
}

func candidateKey(c transport.Candidate) string {
	return string(c.Kind) + ":" + c.ID
}

func serialKey(serial string) string {
	serial = strings.ToUpper(strings.TrimSpace(serial))
	if serial == "" {
		return ""
	}
	return "serial:" + serial
}

// Find blocks until exactly one device matches q and returns its handle.
func (l *Locator) Find(ctx context.Context, q Query) (*device.Handle, error) {
	if err := l.check(q); err != nil {
		return nil, err
	}
	ctx, cancel := l.scope(ctx)
	defer cancel()

	var deadline time.Time
	if q.Timeout > 0 {
		deadline = time.Now().Add(q.Timeout)
	}
	waiting := false
	for {
		matches, err := l.scan(ctx, q, nil)
		if err != nil {
			return nil, err
		}
		switch len(matches) {
		case 0:
		case 1:
			return l.open(ctx, matches[0])
		default:
			names := make([]string, 0, len(matches))
			for _, m := range matches {
				names = append(names, describe(m))
				m.release()
			}
			return nil, fmt.Errorf("%w: %s; narrow --path or pass --serial-number", ErrAmbiguousDevice, strings.Join(names, ", "))
		}

		wait := l.poll
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, fmt.Errorf("%w after %s (path %s)", ErrDeviceNotFound, q.Timeout, q.Filters)
			}
			wait = min(wait, remaining)
		}
		if !waiting {
			waiting = true
			l.logger.Info("waiting for device",
				logging.String("path", q.Filters.String()),
				logging.String(logging.FieldDeviceSerial, q.SerialNumber),
				logging.String(logging.FieldEventType, "device_wait"),
			)
		}
		if err := l.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// FindAnyMatching yields each matching device as it is found. A device is
// yielded once while its handle is open and may be yielded again after the
// handle is closed. The sequence ends when the consumer stops or the search
// is cancelled, which yields a final ErrOperationAborted. Open failures are
// yielded and the search continues.
func (l *Locator) FindAnyMatching(ctx context.Context, q Query) iter.Seq2[*device.Handle, error] {
	return func(yield func(*device.Handle, error) bool) {
		if err := l.check(q); err != nil {
			yield(nil, err)
			return
		}
		ctx, cancel := l.scope(ctx)
		defer cancel()

		active := make(map[string]*device.Handle)
		for {
			for key, h := range active {
				select {
				case <-h.Done():
					delete(active, key)
				default:
				}
			}

			matches, err := l.scan(ctx, q, active)
			if err != nil {
				yield(nil, err)
				return
			}
			for i, m := range matches {
				h, err := l.open(ctx, m)
				if err != nil {
					if errors.Is(err, transport.ErrBusy) {
						l.logger.Debug("skipping busy device", logging.String("candidate", describe(m)))
						continue
					}
					if !yield(nil, err) {
						releaseAll(matches[i+1:])
						return
					}
					continue
				}
				active[m.key()] = h
				if !yield(h, nil) {
					releaseAll(matches[i+1:])
					return
				}
			}

			if err := l.sleep(ctx, l.poll); err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

func releaseAll(matches []*match) {
	for _, m := range matches {
		m.release()
	}
}

func (l *Locator) check(q Query) error {
	if len(q.Filters) == 0 {
		return fmt.Errorf("empty path spec: %w", pathspec.ErrMalformed)
	}
	for _, kind := range q.Filters.Kinds() {
		if _, ok := l.transports[kind]; !ok {
			return fmt.Errorf("%w: %s", ErrNoTransport, kind)
		}
	}
	return nil
}

func (l *Locator) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.token != nil {
		return l.token.Context(ctx)
	}
	return context.WithCancel(ctx)
}

func (l *Locator) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return abortError(ctx)
	case <-timer.C:
	case <-l.wake:
		l.logger.Debug("hotplug wakeup; rescanning")
	}
	return nil
}

func abortError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, shutdown.ErrOperationAborted) {
		return fmt.Errorf("device discovery: %w", cause)
	}
	return fmt.Errorf("device discovery: %w: %w", shutdown.ErrOperationAborted, cause)
}

// scan runs one discovery cycle. Transports are enumerated concurrently;
// matches keep filter priority order and are deduplicated by serial number.
// Devices in active are left out, whichever transport reports them.
func (l *Locator) scan(ctx context.Context, q Query, active map[string]*device.Handle) ([]*match, error) {
	kinds := q.Filters.Kinds()
	found := make([][]transport.Candidate, len(kinds))
	var wg sync.WaitGroup
	for i, kind := range kinds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			candidates, err := l.transports[kind].Enumerate(ctx, q.Filters.ForKind(kind))
			if err != nil {
				if ctx.Err() == nil {
					logging.WarnWithContext(l.logger, "transport enumeration failed", "enumerate_failed",
						logging.String(logging.FieldTransport, string(kind)),
						logging.Error(err),
						logging.String(logging.FieldErrorHint, "check permissions on the device nodes (motorctl udev-setup)"),
						logging.String(logging.FieldImpact, "devices on this transport are not visible this cycle"),
					)
				}
				return
			}
			found[i] = candidates
		}()
	}
	wg.Wait()
	if ctx.Err() != nil {
		return nil, abortError(ctx)
	}

	wantSerial := strings.ToUpper(strings.TrimSpace(q.SerialNumber))
	seen := make(map[string]struct{})
	for key, h := range active {
		seen[key] = struct{}{}
		if serial := serialKey(h.SerialNumber); serial != "" {
			seen[serial] = struct{}{}
		}
	}
	var out []*match
	for _, filter := range q.Filters {
		candidates := found[slices.Index(kinds, filter.Kind)]
		for _, c := range candidates {
			if !filter.Match(c.Attributes) {
				continue
			}
			if _, dup := seen[candidateKey(c)]; dup {
				continue
			}
			m := &match{candidate: c.WithOptions(filter.ConnectionOptions()), serial: c.SerialNumber()}
			if _, dup := seen[serialKey(m.serial)]; dup && m.serial != "" {
				seen[candidateKey(c)] = struct{}{}
				continue
			}
			if wantSerial != "" && m.serial == "" {
				if err := l.probeSerial(ctx, m); err != nil {
					if ctx.Err() != nil {
						releaseAll(out)
						return nil, abortError(ctx)
					}
					l.logger.Debug("could not read serial number",
						logging.String("candidate", describe(m)),
						logging.Error(err),
					)
					seen[candidateKey(c)] = struct{}{}
					continue
				}
			}
			seen[candidateKey(c)] = struct{}{}
			if wantSerial != "" && !strings.EqualFold(m.serial, wantSerial) {
				m.release()
				continue
			}
			if m.serial != "" {
				if _, dup := seen[serialKey(m.serial)]; dup {
					m.release()
					continue
				}
				seen[serialKey(m.serial)] = struct{}{}
			}
			out = append(out, m)
		}
	}
	return out, nil
}

// probeSerial connects to a candidate whose transport does not report a
// serial number and reads it from the device. The connection stays open on
// the match; the caller releases it on mismatch.
func (l *Locator) probeSerial(ctx context.Context, m *match) error {
	unlock, err := l.locks.Acquire(candidateKey(m.candidate))
	if err != nil {
		return err
	}
	conn, err := l.transports[m.candidate.Kind].Connect(ctx, m.candidate)
	if err != nil {
		_ = unlock()
		return err
	}
	m.unlock = unlock
	m.client = remote.NewClient(conn, remote.WithLogger(l.logger))
	serial, err := device.ReadSerialNumber(ctx, m.client)
	if err != nil {
		m.release()
		return err
	}
	m.serial = serial
	return nil
}

// open turns a match into a handle, connecting and locking if the scan did
// not already.
func (l *Locator) open(ctx context.Context, m *match) (*device.Handle, error) {
	if m.client == nil {
		unlock, err := l.locks.Acquire(candidateKey(m.candidate))
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", describe(m), err)
		}
		m.unlock = unlock
		conn, err := l.transports[m.candidate.Kind].Connect(ctx, m.candidate)
		if err != nil {
			m.release()
			return nil, fmt.Errorf("connect %s: %w", describe(m), err)
		}
		m.client = remote.NewClient(conn, remote.WithLogger(l.logger))
	}
	if m.serial == "" {
		serial, err := device.ReadSerialNumber(ctx, m.client)
		if err != nil {
			l.logger.Debug("device did not report a serial number", logging.Error(err))
		}
		m.serial = serial
	}

	client, unlock := m.client, m.unlock
	release := func() error {
		err := client.Close()
		if unlock != nil {
			err = errors.Join(err, unlock())
		}
		return err
	}
	h := device.NewHandle(string(m.candidate.Kind), m.candidate.ID, m.serial, m.candidate.Attributes, client, release)
	m.client, m.unlock = nil, nil

	l.logger.Info("device connected",
		logging.String(logging.FieldDeviceSerial, h.SerialNumber),
		logging.String(logging.FieldTransport, h.Kind),
		logging.String("location", m.candidate.Location),
		logging.String(logging.FieldEventType, "device_connected"),
	)
	if l.onConnect != nil {
		l.onConnect(ctx, h)
	}
	return h, nil
}

func describe(m *match) string {
	if m.serial != "" {
		return fmt.Sprintf("%s %s (%s)", m.candidate.Kind, m.serial, m.candidate.ID)
	}
	return fmt.Sprintf("%s %s", m.candidate.Kind, m.candidate.ID)
}
