package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
)

func TestNewFanoutHandlerCollapses(t *testing.T) {
	if _, ok := newFanoutHandler(nil, nil).(NoopHandler); !ok {
		t.Error("expected NoopHandler for all nil handlers")
	}

	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, nil)
	if h := newFanoutHandler(nil, inner, nil); h != inner {
		t.Error("expected single non-nil handler to be returned unwrapped")
	}
}

func TestFanoutHandlerEnabled(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	h := newFanoutHandler(
		slog.NewJSONHandler(&buf1, &slog.HandlerOptions{Level: slog.LevelWarn}),
		slog.NewJSONHandler(&buf2, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected fanout to be enabled when any handler accepts debug")
	}

	quiet := newFanoutHandler(
		slog.NewJSONHandler(&buf1, &slog.HandlerOptions{Level: slog.LevelWarn}),
		slog.NewJSONHandler(&buf2, &slog.HandlerOptions{Level: slog.LevelError}),
	)
	if quiet.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected fanout to reject info when no handler accepts it")
	}
}

func TestFanoutHandlerRespectsPerHandlerLevel(t *testing.T) {
	var console, file bytes.Buffer
	logger := slog.New(newFanoutHandler(
		slog.NewJSONHandler(&console, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&file, &slog.HandlerOptions{Level: slog.LevelDebug}),
	))

	logger.Debug("frame dump")
	if console.Len() != 0 {
		t.Error("info handler should not receive debug records")
	}
	if file.Len() == 0 {
		t.Error("debug handler should receive debug records")
	}
}

func TestFanoutHandlerWithAttrsAndGroup(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	h := newFanoutHandler(slog.NewJSONHandler(&buf1, nil), slog.NewJSONHandler(&buf2, nil))

	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("transport", "usb")}).WithGroup("axis0"))
	logger.Info("sample", slog.Float64("pos_estimate", 1.5))

	for i, buf := range []*bytes.Buffer{&buf1, &buf2} {
		if !bytes.Contains(buf.Bytes(), []byte(`"transport":"usb"`)) {
			t.Errorf("handler %d missing attr: %s", i, buf.String())
		}
		if !bytes.Contains(buf.Bytes(), []byte(`"axis0":{"pos_estimate":1.5}`)) {
			t.Errorf("handler %d missing group: %s", i, buf.String())
		}
	}
}

func TestTeeLogger(t *testing.T) {
	var baseBuf, teeBuf bytes.Buffer
	logger := TeeLogger(slog.New(slog.NewJSONHandler(&baseBuf, nil)), slog.NewJSONHandler(&teeBuf, nil))
	logger.Info("teed message")
	if baseBuf.Len() == 0 || teeBuf.Len() == 0 {
		t.Fatalf("expected both outputs, base=%q tee=%q", baseBuf.String(), teeBuf.String())
	}

	teeBuf.Reset()
	TeeLogger(nil, slog.NewJSONHandler(&teeBuf, nil)).Info("no base")
	if teeBuf.Len() == 0 {
		t.Error("expected output in tee buffer without base")
	}
}
