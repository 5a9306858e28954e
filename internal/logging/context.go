package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldCommand names the subcommand being dispatched.
	FieldCommand = "command"
	// FieldDeviceSerial carries the 12 digit serial of the connected controller.
	FieldDeviceSerial = "device_serial"
	// FieldTransport names the transport kind (usb, serial) a device was found on.
	FieldTransport = "transport"
	// FieldEventType classifies a log line for filtering.
	FieldEventType = "event_type"
	// FieldErrorHint suggests a next step to the operator.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldError holds the error value of a failed operation.
	FieldError = "error"
	// FieldAlert flags warnings or anomalies that should stand out in structured logs.
	FieldAlert = "alert"
	// FieldProgressStage names the current step of a long running operation.
	FieldProgressStage = "progress_stage"
	// FieldProgressPercent is the completion percentage of a long running operation.
	FieldProgressPercent = "progress_percent"
)

type contextKey int

const (
	commandKey contextKey = iota
	deviceSerialKey
)

// WithCommand tags ctx with the running subcommand name.
func WithCommand(ctx context.Context, command string) context.Context {
	return context.WithValue(ctx, commandKey, command)
}

// WithDeviceSerial tags ctx with the serial number of the connected device.
func WithDeviceSerial(ctx context.Context, serial string) context.Context {
	return context.WithValue(ctx, deviceSerialKey, serial)
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 2)
	if command, ok := ctx.Value(commandKey).(string); ok && command != "" {
		fields = append(fields, slog.String(FieldCommand, command))
	}
	if serial, ok := ctx.Value(deviceSerialKey).(string); ok && serial != "" {
		fields = append(fields, slog.String(FieldDeviceSerial, serial))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
