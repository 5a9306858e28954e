package device

import (
	"context"
	"errors"
	"testing"
)

type stubDevice struct {
	values map[string]any
}

func (s *stubDevice) Get(_ context.Context, path string) (any, error) {
	v, ok := s.values[path]
	if !ok {
		return nil, ErrNoSuchProperty
	}
	return v, nil
}

func (s *stubDevice) Set(_ context.Context, path string, value any) error {
	s.values[path] = value
	return nil
}

func (s *stubDevice) Call(context.Context, string, ...any) (any, error) { return nil, nil }

func (s *stubDevice) List(context.Context, string) ([]Property, error) { return nil, nil }

func TestFormatSerial(t *testing.T) {
	tests := []struct {
		in      any
		want    string
		wantErr bool
	}{
		{uint64(0x385F324D3037), "385F324D3037", false},
		{int64(0x1), "000000000001", false},
		{"385f324d3037", "385F324D3037", false},
		{"abc", "000000000ABC", false},
		{"not-hex", "", true},
		{-1, "", true},
		{1.5, "", true},
	}
	for _, tt := range tests {
		got, err := FormatSerial(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("FormatSerial(%v) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("FormatSerial(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReadSerialNumber(t *testing.T) {
	dev := &stubDevice{values: map[string]any{PropSerialNumber: uint64(0x20673881304E)}}
	got, err := ReadSerialNumber(context.Background(), dev)
	if err != nil || got != "20673881304E" {
		t.Fatalf("ReadSerialNumber = %q, %v", got, err)
	}

	_, err = ReadSerialNumber(context.Background(), &stubDevice{values: map[string]any{}})
	if !errors.Is(err, ErrNoSuchProperty) {
		t.Fatalf("expected ErrNoSuchProperty, got %v", err)
	}
}

func TestHandleCloseIsIdempotent(t *testing.T) {
	releases := 0
	h := NewHandle("usb", "1-2:1.0", "385F324D3037", map[string]string{"bus": "1"},
		&stubDevice{values: map[string]any{PropVBusVoltage: 24.0}},
		func() error { releases++; return nil })

	if v, err := h.Device().Get(context.Background(), PropVBusVoltage); err != nil || v != 24.0 {
		t.Fatalf("Get before close = %v, %v", v, err)
	}
	for i := 0; i < 3; i++ {
		if err := h.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if releases != 1 {
		t.Fatalf("release ran %d times, want 1", releases)
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	if _, err := h.Device().Get(context.Background(), PropVBusVoltage); !errors.Is(err, ErrClosed) {
		t.Fatalf("Get after close error = %v, want ErrClosed", err)
	}
	if err := h.Device().Set(context.Background(), "x", 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("Set after close error = %v, want ErrClosed", err)
	}
}

func TestAsFloat(t *testing.T) {
	for _, v := range []any{1.0, float32(1), 1, int64(1), uint64(1), true} {
		if f, ok := AsFloat(v); !ok || f != 1 {
			t.Errorf("AsFloat(%T) = %v, %v", v, f, ok)
		}
	}
	if _, ok := AsFloat("1"); ok {
		t.Error("strings are not numeric values")
	}
}
