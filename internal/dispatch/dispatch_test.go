package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"motorctl/internal/commands"
	"motorctl/internal/locator"
	"motorctl/internal/pathspec"
	"motorctl/internal/shutdown"
	"motorctl/internal/testsupport"
	"motorctl/internal/transport"
)

// recordingHandler captures log records for assertions.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) atLeast(level slog.Level) []slog.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []slog.Record
	for _, r := range h.records {
		if r.Level >= level {
			out = append(out, r)
		}
	}
	return out
}

// spy records handler invocations.
type spy struct {
	mu    sync.Mutex
	calls []commands.Invocation
	err   error
	block bool
}

func (s *spy) Invoke(ctx context.Context, inv commands.Invocation) error {
	s.mu.Lock()
	s.calls = append(s.calls, inv)
	s.mu.Unlock()
	if s.block {
		<-inv.Token.Done()
		return shutdown.ErrOperationAborted
	}
	return s.err
}

func (s *spy) invocations() []commands.Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]commands.Invocation(nil), s.calls...)
}

type fixture struct {
	registry *commands.Registry
	usb      *testsupport.FakeTransport
	token    *shutdown.Token
	logs     *recordingHandler
	shell    *spy
	drv      *spy
	udev     *spy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry: commands.NewRegistry(),
		usb:      testsupport.NewFakeTransport(pathspec.KindUSB),
		token:    shutdown.New(),
		logs:     &recordingHandler{},
		shell:    &spy{},
		drv:      &spy{},
		udev:     &spy{},
	}
	specs := []commands.Spec{
		{Name: commands.Shell, Handler: f.shell, DiscoversDevices: true, Args: []commands.ArgSpec{{Name: "no-ipython", Type: commands.ArgBool, Default: "false"}}},
		{Name: commands.DRVStatus, Handler: f.drv, RequiresDevice: true},
		{Name: commands.UdevSetup, Handler: f.udev, Args: []commands.ArgSpec{{Name: "dry-run", Type: commands.ArgBool}}},
	}
	for _, spec := range specs {
		if err := f.registry.Register(spec); err != nil {
			t.Fatalf("Register %s: %v", spec.Name, err)
		}
	}
	f.registry.Seal()
	return f
}

func (f *fixture) dispatcher(t *testing.T, mutate func(*Options)) *Dispatcher {
	t.Helper()
	loc := locator.New([]transport.Transport{f.usb},
		locator.WithPollInterval(20*time.Millisecond),
		locator.WithToken(f.token),
	)
	opts := Options{
		Registry: f.registry,
		Locator:  loc,
		PathSpec: pathspec.Default,
		Logger:   slog.New(f.logs),
		Token:    f.token,
	}
	if mutate != nil {
		mutate(&opts)
	}
	d, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestDispatchDefaultsToShell(t *testing.T) {
	implicit := newFixture(t)
	if err := implicit.dispatcher(t, nil).Dispatch(context.Background(), Request{}); err != nil {
		t.Fatalf("Dispatch(no command): %v", err)
	}
	explicit := newFixture(t)
	if err := explicit.dispatcher(t, nil).Dispatch(context.Background(), Request{Command: "shell"}); err != nil {
		t.Fatalf("Dispatch(shell): %v", err)
	}

	a, b := implicit.shell.invocations(), explicit.shell.invocations()
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("shell invoked %d and %d times, want once each", len(a), len(b))
	}
	if a[0].Command != b[0].Command || a[0].Args.Bool("no-ipython") != b[0].Args.Bool("no-ipython") {
		t.Fatalf("implicit shell %+v differs from explicit %+v", a[0], b[0])
	}
	if a[0].Device != nil {
		t.Fatal("shell should not receive a pre-resolved device")
	}
	if !implicit.token.IsSet() || !explicit.token.IsSet() {
		t.Fatal("token must be set after the run")
	}
}

func TestDispatchIgnoresPathForLocalCommands(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(t, func(o *Options) { o.PathSpec = "foo:x=1" })
	if err := d.Dispatch(context.Background(), Request{Command: "udev-setup"}); err != nil {
		t.Fatalf("Dispatch(udev-setup): %v", err)
	}
	if len(f.udev.invocations()) != 1 {
		t.Fatal("udev-setup did not run")
	}
}

func TestDispatchUnknownCommandSkipsDiscovery(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(t, nil)
	err := d.Dispatch(context.Background(), Request{Command: "frobnicate"})
	if !errors.Is(err, commands.ErrUnknownCommand) {
		t.Fatalf("Dispatch error = %v, want ErrUnknownCommand", err)
	}
	if f.usb.Enumerations() != 0 {
		t.Fatal("discovery ran for an unknown command")
	}
	if d.State() != Failed || !f.token.IsSet() {
		t.Fatalf("state = %s, token set = %v", d.State(), f.token.IsSet())
	}
}

func TestDispatchRejectsBadInputBeforeDiscovery(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		req    Request
		want   error
	}{
		{"malformed path", func(o *Options) { o.PathSpec = "usb:idVendor" }, Request{Command: "drv-status"}, pathspec.ErrMalformed},
		{"unknown kind", func(o *Options) { o.PathSpec = "foo:x=1" }, Request{Command: "drv-status"}, pathspec.ErrMalformed},
		{"bad serial", func(o *Options) { o.SerialNumber = "xyz" }, Request{Command: "drv-status"}, commands.ErrInvalidArgument},
		{"malformed path for shell", func(o *Options) { o.PathSpec = "usb:idVendor" }, Request{Command: "shell"}, pathspec.ErrMalformed},
		{"malformed path for default command", func(o *Options) { o.PathSpec = "foo:x=1" }, Request{}, pathspec.ErrMalformed},
		{"unknown command wins over bad serial", func(o *Options) { o.SerialNumber = "xyz" }, Request{Command: "frobnicate"}, commands.ErrUnknownCommand},
		{"unknown argument", nil, Request{Command: "udev-setup", Args: map[string]string{"force": "true"}}, commands.ErrInvalidArgument},
		{"bad bool", nil, Request{Command: "udev-setup", Args: map[string]string{"dry-run": "perhaps"}}, commands.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			err := f.dispatcher(t, tt.mutate).Dispatch(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Dispatch error = %v, want %v", err, tt.want)
			}
			if f.usb.Enumerations() != 0 {
				t.Fatal("discovery ran despite invalid input")
			}
			if len(f.drv.invocations())+len(f.udev.invocations())+len(f.shell.invocations()) != 0 {
				t.Fatal("handler ran despite invalid input")
			}
		})
	}
}

func TestDispatchSelectsDeviceBySerial(t *testing.T) {
	f := newFixture(t)
	f.usb.AttachUSB("1-2:1.0", "205E37863548", testsupport.NewFakeDevice(0x205E37863548))
	f.usb.AttachUSB("1-3:1.0", "385F324D3037", testsupport.NewFakeDevice(0x385F324D3037))

	d := f.dispatcher(t, func(o *Options) { o.SerialNumber = "385F324D3037" })
	if err := d.Dispatch(context.Background(), Request{Command: "drv-status"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	calls := f.drv.invocations()
	if len(calls) != 1 {
		t.Fatalf("drv-status invoked %d times, want 1", len(calls))
	}
	h := calls[0].Device
	if h == nil || h.SerialNumber != "385F324D3037" || h.ID != "1-3:1.0" {
		t.Fatalf("handler received %v", h)
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("device handle not released after the handler returned")
	}
	if f.usb.OpenConnections() != 0 {
		t.Fatal("transport connection left open")
	}
	if d.State() != Completed || !d.State().Terminal() {
		t.Fatalf("state = %s, want completed", d.State())
	}
}

func TestDispatchAbortDuringDiscovery(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(t, nil)

	time.AfterFunc(50*time.Millisecond, func() { f.token.SetWithReason("interrupt") })
	err := d.Dispatch(context.Background(), Request{Command: "drv-status"})
	if err != nil {
		t.Fatalf("Dispatch error = %v, want nil on abort", err)
	}
	if d.State() != Aborted {
		t.Fatalf("state = %s, want aborted", d.State())
	}
	if !f.token.IsSet() || f.token.Reason() != "interrupt" {
		t.Fatalf("token set = %v reason = %q", f.token.IsSet(), f.token.Reason())
	}
	infos := f.logs.atLeast(slog.LevelInfo)
	if len(infos) != 1 || infos[0].Message != "operation aborted" {
		t.Fatalf("info records = %d (%v), want a single abort line", len(infos), infos)
	}
	if len(f.drv.invocations()) != 0 {
		t.Fatal("handler ran after abort")
	}
}

func TestDispatchAbortDuringExecution(t *testing.T) {
	f := newFixture(t)
	f.shell.block = true
	d := f.dispatcher(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Dispatch(ctx, Request{Command: "shell"}) }()

	deadline := time.Now().Add(2 * time.Second)
	for d.State() != Executing {
		if d.State().Terminal() {
			t.Fatalf("run ended early in state %s", d.State())
		}
		if time.Now().After(deadline) {
			t.Fatal("dispatcher never reached executing")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.token.Set()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Dispatch error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch did not return after abort")
	}
	if d.State() != Aborted {
		t.Fatalf("state = %s", d.State())
	}
}

func TestDispatchPropagatesHandlerFailure(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("gate driver fault")
	f.drv.err = boom
	f.usb.AttachUSB("1-2:1.0", "385F324D3037", testsupport.NewFakeDevice(0x385F324D3037))

	d := f.dispatcher(t, nil)
	err := d.Dispatch(context.Background(), Request{Command: "drv-status"})
	if !errors.Is(err, boom) {
		t.Fatalf("Dispatch error = %v, want %v", err, boom)
	}
	if d.State() != Failed || !f.token.IsSet() {
		t.Fatalf("state = %s token = %v", d.State(), f.token.IsSet())
	}
	if f.usb.OpenConnections() != 0 {
		t.Fatal("device not released after failure")
	}
}

func TestDispatchDeviceNotFound(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(t, func(o *Options) { o.Timeout = 60 * time.Millisecond })
	err := d.Dispatch(context.Background(), Request{Command: "drv-status"})
	if !errors.Is(err, locator.ErrDeviceNotFound) {
		t.Fatalf("Dispatch error = %v, want ErrDeviceNotFound", err)
	}
	if d.State() != Failed {
		t.Fatalf("state = %s", d.State())
	}
}

func TestDispatchRunsOnce(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(t, nil)
	if err := d.Dispatch(context.Background(), Request{Command: "udev-setup"}); err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	if err := d.Dispatch(context.Background(), Request{Command: "udev-setup"}); !errors.Is(err, ErrAlreadyRun) {
		t.Fatalf("second Dispatch error = %v", err)
	}
}

var _ DeviceFinder = (*locator.Locator)(nil)
