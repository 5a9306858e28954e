package handlers

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"motorctl/internal/commands"
	"motorctl/internal/device"
	"motorctl/internal/inventory"
	"motorctl/internal/locator"
	"motorctl/internal/logging"
	"motorctl/internal/remote"
	"motorctl/internal/shutdown"
)

const shellHelp = `Commands:
  get <property>              read a property
  set <property> <value>      write a property
  call <function> [args...]   invoke a remote function
  ls [prefix]                 list properties
  devices                     list connected and known devices
  use <devN|serial>           switch the active device
  help                        show this help
  exit                        leave the shell
`

type shellHandler struct {
	deps Deps
}

func (h *shellHandler) Invoke(ctx context.Context, inv commands.Invocation) error {
	logger := invocationLogger(inv)

	reader, err := h.openReader(inv.Args.Bool("no-ipython"))
	if err != nil {
		return err
	}
	defer reader.Close()

	s := &shellSession{
		out:       reader.Stdout(),
		logger:    logger,
		inventory: h.deps.Inventory,
	}

	followCtx, stopFollow := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if h.deps.Stream != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.follow(followCtx, h.deps.Stream, h.deps.Query)
		}()
	} else {
		fmt.Fprintln(s.out, "Device discovery is disabled.")
	}
	defer func() {
		stopFollow()
		wg.Wait()
		s.closeAll()
	}()

	fmt.Fprintf(s.out, "Waiting for devices matching %s. Type 'help' for commands.\n", h.deps.Query.Filters)
	for {
		lines := readAsync(reader)
		select {
		case <-ctx.Done():
			fmt.Fprintln(s.out)
			return abortOr(ctx, context.Cause(ctx))
		case r := <-lines:
			if errors.Is(r.err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(r.err, io.EOF) {
				return nil
			}
			if r.err != nil {
				return fmt.Errorf("read input: %w", r.err)
			}
			if s.exec(ctx, r.line) {
				return nil
			}
			if err := checkToken(inv.Token); err != nil {
				return err
			}
		}
	}
}

func (h *shellHandler) openReader(plain bool) (lineReader, error) {
	cfg := h.deps.Config
	if plain || !isTerminal(h.deps.Stdin) {
		return newPlainReader(h.deps.Stdin, &syncWriter{w: h.deps.Stdout}, cfg.Shell.Prompt), nil
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          cfg.Shell.Prompt,
		HistoryFile:     cfg.Shell.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("start line editor: %w", err)
	}
	return &editorReader{rl: rl}, nil
}

// lineReader's Stdout is safe for concurrent use.
type lineReader interface {
	ReadLine() (string, error)
	Stdout() io.Writer
	Close() error
}

type lineResult struct {
	line string
	err  error
}

// readAsync reads one line in the background so the caller can also watch
// for cancellation.
func readAsync(r lineReader) <-chan lineResult {
	ch := make(chan lineResult, 1)
	go func() {
		line, err := r.ReadLine()
		ch <- lineResult{line: line, err: err}
	}()
	return ch
}

type editorReader struct {
	rl *readline.Instance
}

func (e *editorReader) ReadLine() (string, error) { return e.rl.Readline() }
func (e *editorReader) Stdout() io.Writer         { return e.rl.Stdout() }
func (e *editorReader) Close() error              { return e.rl.Close() }

type plainReader struct {
	scanner *bufio.Scanner
	out     io.Writer
	prompt  string
}

func newPlainReader(in io.Reader, out io.Writer, prompt string) *plainReader {
	return &plainReader{scanner: bufio.NewScanner(in), out: out, prompt: prompt}
}

func (p *plainReader) ReadLine() (string, error) {
	fmt.Fprint(p.out, p.prompt)
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return p.scanner.Text(), nil
}

func (p *plainReader) Stdout() io.Writer { return p.out }
func (p *plainReader) Close() error      { return nil }

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

type shellSession struct {
	out       io.Writer
	logger    *slog.Logger
	inventory *inventory.Store

	mu      sync.Mutex
	handles []*device.Handle
	current *device.Handle
}

// follow adopts every device the stream yields until ctx ends.
func (s *shellSession) follow(ctx context.Context, stream DeviceStream, q locator.Query) {
	for h, err := range stream.FindAnyMatching(ctx, q) {
		if err != nil {
			if shutdown.Aborted(err) {
				return
			}
			logging.WarnWithContext(s.logger, "device discovery error", "shell_discovery_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "the device is skipped until it reconnects"),
			)
			continue
		}
		name := s.add(h)
		fmt.Fprintf(s.out, "\nConnected to %s as %s\n", h, name)
	}
}

func (s *shellSession) add(h *device.Handle) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles = append(s.handles, h)
	if s.current == nil {
		s.current = h
	}
	return s.nameLocked(h)
}

func (s *shellSession) nameLocked(h *device.Handle) string {
	return "dev" + strconv.Itoa(slices.Index(s.handles, h))
}

// drop forgets a handle whose connection failed; discovery offers it again
// once the device is back.
func (s *shellSession) drop(h *device.Handle) {
	s.mu.Lock()
	if i := slices.Index(s.handles, h); i >= 0 {
		s.handles = slices.Delete(s.handles, i, i+1)
	}
	if s.current == h {
		s.current = nil
		if len(s.handles) > 0 {
			s.current = s.handles[0]
		}
	}
	s.mu.Unlock()
	_ = h.Close()
	fmt.Fprintf(s.out, "Lost connection to %s\n", h)
}

func (s *shellSession) closeAll() {
	s.mu.Lock()
	handles := s.handles
	s.handles = nil
	s.current = nil
	s.mu.Unlock()
	for _, h := range handles {
		_ = h.Close()
	}
}

func (s *shellSession) active() *device.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// exec runs one shell line and reports whether the shell should exit.
func (s *shellSession) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "exit", "quit":
		return true
	case "help", "?":
		fmt.Fprint(s.out, shellHelp)
	case "devices":
		s.listDevices(ctx)
	case "use":
		s.use(args)
	case "get", "set", "call", "ls":
		h := s.active()
		if h == nil {
			fmt.Fprintln(s.out, "No device connected yet.")
			return false
		}
		if err := s.run(ctx, h, cmd, args); err != nil {
			if lostConnection(err) {
				s.drop(h)
				return false
			}
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	default:
		fmt.Fprintf(s.out, "unknown command %q (type 'help')\n", cmd)
	}
	return false
}

func (s *shellSession) run(ctx context.Context, h *device.Handle, cmd string, args []string) error {
	dev := h.Device()
	switch cmd {
	case "get":
		if len(args) != 1 {
			return errors.New("usage: get <property>")
		}
		v, err := dev.Get(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, formatValue(v))
	case "set":
		if len(args) != 2 {
			return errors.New("usage: set <property> <value>")
		}
		value, err := parseValue(args[1], propertyType(ctx, dev, args[0]))
		if err != nil {
			return err
		}
		return dev.Set(ctx, args[0], value)
	case "call":
		if len(args) == 0 {
			return errors.New("usage: call <function> [args...]")
		}
		callArgs := make([]any, 0, len(args)-1)
		for _, a := range args[1:] {
			v, err := parseValue(a, "")
			if err != nil {
				return err
			}
			callArgs = append(callArgs, v)
		}
		v, err := dev.Call(ctx, args[0], callArgs...)
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, formatValue(v))
	case "ls":
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}
		props, err := dev.List(ctx, prefix)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(props))
		for _, p := range props {
			access := "ro"
			if p.Writable {
				access = "rw"
			}
			rows = append(rows, []string{p.Path, p.Type, access})
		}
		fmt.Fprintln(s.out, renderTable([]string{"Property", "Type", "Access"}, rows, nil))
	}
	return nil
}

func (s *shellSession) use(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "usage: use <devN|serial>")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, h := range s.handles {
		if args[0] == "dev"+strconv.Itoa(i) || strings.EqualFold(args[0], h.SerialNumber) {
			s.current = h
			fmt.Fprintf(s.out, "Using %s\n", h)
			return
		}
	}
	fmt.Fprintf(s.out, "no connected device %q\n", args[0])
}

func (s *shellSession) listDevices(ctx context.Context) {
	s.mu.Lock()
	rows := make([][]string, 0, len(s.handles))
	connected := make(map[string]bool, len(s.handles))
	for i, h := range s.handles {
		marker := ""
		if h == s.current {
			marker = "*"
		}
		rows = append(rows, []string{"dev" + strconv.Itoa(i) + marker, h.SerialNumber, h.Kind, h.ID, "connected"})
		connected[h.SerialNumber] = true
	}
	s.mu.Unlock()

	if s.inventory != nil {
		known, err := s.inventory.ListDevices(ctx)
		if err != nil {
			s.logger.Debug("inventory unavailable", logging.Error(err))
		}
		for _, rec := range known {
			if connected[rec.SerialNumber] {
				continue
			}
			rows = append(rows, []string{"", rec.SerialNumber, rec.Transport, rec.Location, "seen " + rec.LastSeen.Local().Format(time.DateTime)})
		}
	}
	if len(rows) == 0 {
		fmt.Fprintln(s.out, "No devices.")
		return
	}
	fmt.Fprintln(s.out, renderTable([]string{"Name", "Serial", "Transport", "Location", "Status"}, rows, nil))
}

func lostConnection(err error) bool {
	return errors.Is(err, device.ErrClosed) ||
		errors.Is(err, remote.ErrFrameTruncated) ||
		errors.Is(err, io.ErrClosedPipe)
}

func propertyType(ctx context.Context, dev device.Device, path string) string {
	props, err := dev.List(ctx, path)
	if err != nil {
		return ""
	}
	for _, p := range props {
		if p.Path == path {
			return p.Type
		}
	}
	return ""
}

// parseValue converts shell input to the property's type. Without a known
// type it guesses bool, integer, float, then string.
func parseValue(raw, typ string) (any, error) {
	switch typ {
	case "bool":
		return strconv.ParseBool(raw)
	case "int":
		if strings.HasPrefix(raw, "-") {
			return strconv.ParseInt(raw, 0, 64)
		}
		return strconv.ParseUint(raw, 0, 64)
	case "float":
		return strconv.ParseFloat(raw, 64)
	case "string":
		return raw, nil
	}
	switch strings.ToLower(raw) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	if n, err := strconv.ParseInt(raw, 0, 64); err == nil {
		if n >= 0 {
			return uint64(n), nil
		}
		return n, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f, nil
	}
	return strings.Trim(raw, `"'`), nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case []byte:
		return fmt.Sprintf("%d bytes", len(x))
	default:
		return fmt.Sprint(v)
	}
}
