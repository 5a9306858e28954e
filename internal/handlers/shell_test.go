package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"motorctl/internal/commands"
	"motorctl/internal/config"
	"motorctl/internal/locator"
	"motorctl/internal/logging"
	"motorctl/internal/pathspec"
	"motorctl/internal/shutdown"
	"motorctl/internal/testsupport"
	"motorctl/internal/transport"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitForOutput(t *testing.T, b *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(b.String(), want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q in output:\n%s", want, b.String())
}

// shellLines splits shell output into lines with leading prompts removed.
// The plain reader prints its prompt before device messages arrive, so a
// result may follow a prompt or start a line of its own.
func shellLines(out, prompt string) []string {
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		for strings.HasPrefix(line, prompt) {
			line = strings.TrimPrefix(line, prompt)
		}
		lines[i] = line
	}
	return lines
}

type shellRun struct {
	out   *syncBuffer
	in    *io.PipeWriter
	token *shutdown.Token
	done  chan error
	usb   *testsupport.FakeTransport
}

func startShell(t *testing.T, raw map[string]string) *shellRun {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	usb := testsupport.NewFakeTransport(pathspec.KindUSB)
	usb.AttachUSB("1-2:1.0", testSerial, testsupport.NewFakeDevice(0x385F324D3037))
	loc := locator.New([]transport.Transport{usb},
		locator.WithPollInterval(20*time.Millisecond),
		locator.WithLogger(logging.NewNop()),
	)

	pr, pw := io.Pipe()
	r := &shellRun{out: &syncBuffer{}, in: pw, token: shutdown.New(), done: make(chan error, 1), usb: usb}
	t.Cleanup(func() { _ = pw.Close() })
	deps := Deps{
		Config: cfg,
		Stream: loc,
		Query:  locator.Query{Filters: pathspec.MustParse(pathspec.Default)},
		Stdin:  pr,
		Stdout: r.out,
		Stderr: io.Discard,
	}
	reg := commands.NewRegistry()
	if err := Register(reg, deps); err != nil {
		t.Fatalf("Register: %v", err)
	}
	spec, err := reg.Resolve(string(commands.Shell))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	args, err := reg.Validate(spec, raw)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	go func() {
		ctx, cancel := r.token.Context(context.Background())
		defer cancel()
		r.done <- spec.Handler.Invoke(ctx, commands.Invocation{
			Command: commands.Shell,
			Args:    args,
			Token:   r.token,
			Logger:  logging.NewNop(),
		})
	}()
	return r
}

func (r *shellRun) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not exit")
		return nil
	}
}

func TestShellRunsCommandsAgainstDiscoveredDevice(t *testing.T) {
	r := startShell(t, map[string]string{"no-ipython": "true"})
	waitForOutput(t, r.out, "Connected to usb "+testSerial)

	script := strings.Join([]string{
		"get vbus_voltage",
		"set axis0.motor.config.current_lim 12.5",
		"get axis0.motor.config.current_lim",
		"set vbus_voltage 3",
		"call save_configuration",
		"ls axis0.motor.config",
		"devices",
		"frobnicate",
		"exit",
		"",
	}, "\n")
	if _, err := io.WriteString(r.in, script); err != nil {
		t.Fatalf("write script: %v", err)
	}
	if err := r.wait(t); err != nil {
		t.Fatalf("shell: %v", err)
	}

	out := r.out.String()
	lines := shellLines(out, config.Default().Shell.Prompt)
	for _, want := range []string{"24", "12.5", "true"} {
		if !slices.Contains(lines, want) {
			t.Errorf("output has no line %q:\n%s", want, out)
		}
	}
	for _, want := range []string{
		"read-only",
		"axis0.motor.config.current_lim",
		"dev0*",
		`unknown command "frobnicate"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if n := r.usb.OpenConnections(); n != 0 {
		t.Fatalf("connections left open: %d", n)
	}
}

func TestShellEndsOnEOF(t *testing.T) {
	r := startShell(t, map[string]string{"no-ipython": "true"})
	waitForOutput(t, r.out, "Waiting for devices")
	_ = r.in.Close()
	if err := r.wait(t); err != nil {
		t.Fatalf("shell: %v", err)
	}
}

func TestShellAbortsOnToken(t *testing.T) {
	r := startShell(t, map[string]string{"no-ipython": "true"})
	waitForOutput(t, r.out, "Waiting for devices")
	r.token.SetWithReason("interrupt")
	if err := r.wait(t); !errors.Is(err, shutdown.ErrOperationAborted) {
		t.Fatalf("error = %v, want ErrOperationAborted", err)
	}
}

func TestShellWithoutDiscovery(t *testing.T) {
	f := newFixture(t)
	f.stdin = "get vbus_voltage\nhelp\n"
	if err := f.run(commands.Shell, map[string]string{"no-ipython": "true"}, nil); err != nil {
		t.Fatalf("shell: %v", err)
	}
	out := f.out.String()
	for _, want := range []string{"Device discovery is disabled", "No device connected yet.", "Commands:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		raw  string
		typ  string
		want any
	}{
		{"true", "bool", true},
		{"1", "bool", true},
		{"42", "int", uint64(42)},
		{"-42", "int", int64(-42)},
		{"0x10", "int", uint64(16)},
		{"1.5", "float", 1.5},
		{"hello", "string", "hello"},
		{"1", "", uint64(1)},
		{"-1", "", int64(-1)},
		{"False", "", false},
		{"2.25", "", 2.25},
		{`"quoted"`, "", "quoted"},
	}
	for _, tt := range tests {
		got, err := parseValue(tt.raw, tt.typ)
		if err != nil {
			t.Errorf("parseValue(%q, %q): %v", tt.raw, tt.typ, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseValue(%q, %q) = %#v, want %#v", tt.raw, tt.typ, got, tt.want)
		}
	}
	if _, err := parseValue("abc", "float"); err == nil {
		t.Error("parseValue accepted abc as float")
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, "None"},
		{24.0, "24"},
		{0.1, "0.1"},
		{uint64(7), "7"},
		{[]byte{1, 2}, "2 bytes"},
		{true, "true"},
	}
	for _, tt := range tests {
		if got := formatValue(tt.in); got != tt.want {
			t.Errorf("formatValue(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
