package remote

import (
	"context"
	"errors"
	"fmt"
	"io"

	"motorctl/internal/device"
)

// Serve answers requests arriving on conn from dev until the stream ends or
// ctx is cancelled. It is the device side of the protocol and backs the
// in-process simulator used by tests.
func Serve(ctx context.Context, conn io.ReadWriter, dev device.Device) error {
	f := newFramer(conn)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := f.readFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		var req request
		if err := decMode.Unmarshal(frame, &req); err != nil {
			return fmt.Errorf("decode request: %w", err)
		}
		resp := handle(ctx, dev, &req)
		payload, err := encMode.Marshal(resp)
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		if err := f.writeFrame(payload); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
	}
}

func handle(ctx context.Context, dev device.Device, req *request) *response {
	resp := &response{Seq: req.Seq}
	var (
		value any
		err   error
	)
	switch req.Op {
	case opGet:
		value, err = dev.Get(ctx, req.Path)
	case opSet:
		if len(req.Args) != 1 {
			err = fmt.Errorf("set expects one value, got %d", len(req.Args))
			break
		}
		err = dev.Set(ctx, req.Path, normalizeValue(req.Args[0]))
	case opCall:
		args := make([]any, len(req.Args))
		for i, a := range req.Args {
			args[i] = normalizeValue(a)
		}
		value, err = dev.Call(ctx, req.Path, args...)
	case opList:
		value, err = dev.List(ctx, req.Path)
	default:
		err = fmt.Errorf("unknown operation %q", req.Op)
	}
	if err == nil {
		resp.Value, err = encodeValue(value)
	}
	if err != nil {
		resp.Status = statusFor(err)
		resp.Error = err.Error()
	}
	return resp
}
