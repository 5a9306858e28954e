package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"motorctl/internal/commands"
	"motorctl/internal/device"
	"motorctl/internal/logging"
)

type livePlotterHandler struct {
	deps Deps
}

// Invoke samples the configured properties until the token is set or the
// requested number of samples has been taken. On a terminal the current
// values are redrawn in place; otherwise one tab separated row is written per
// sample.
func (h *livePlotterHandler) Invoke(ctx context.Context, inv commands.Invocation) error {
	handle, err := requireDevice(inv)
	if err != nil {
		return err
	}
	props := h.deps.Config.LivePlotter.Properties
	if len(props) == 0 {
		return &commands.InvalidArgumentError{Name: "liveplotter.properties", Reason: "no properties configured"}
	}
	interval := inv.Args.Duration("interval")
	if interval <= 0 {
		return &commands.InvalidArgumentError{Name: "interval", Reason: "must be positive"}
	}
	limit := inv.Args.Int("samples")

	// Info lines would tear the in-place display.
	logger := logging.WithLevelOverride(invocationLogger(inv), slog.LevelWarn)
	out := h.deps.Stdout
	redraw := isTerminal(out)
	if !redraw {
		fmt.Fprintf(out, "time\t%s\n", strings.Join(props, "\t"))
	}

	dev := handle.Device()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	start := time.Now()
	values := make([]string, len(props))
	for taken := 0; limit <= 0 || taken < limit; taken++ {
		if taken > 0 {
			select {
			case <-ctx.Done():
				return h.finish(redraw, taken)
			case <-ticker.C:
			}
		}
		if inv.Token != nil && inv.Token.IsSet() {
			return h.finish(redraw, taken)
		}
		for i, p := range props {
			v, err := dev.Get(ctx, p)
			if err != nil {
				if ctx.Err() != nil {
					return h.finish(redraw, taken)
				}
				if lostConnection(err) {
					return fmt.Errorf("read %s: %w", p, err)
				}
				logger.Warn("sample failed", logging.String("property", p), logging.Error(err))
				values[i] = "?"
				continue
			}
			values[i] = formatSample(v)
		}
		elapsed := time.Since(start).Seconds()
		if redraw {
			fields := make([]string, len(props))
			for i, p := range props {
				fields[i] = p + "=" + values[i]
			}
			fmt.Fprintf(out, "\r\033[K%8.2fs  %s", elapsed, strings.Join(fields, "  "))
		} else {
			fmt.Fprintf(out, "%.3f\t%s\n", elapsed, strings.Join(values, "\t"))
		}
	}
	return h.finish(redraw, limit)
}

func (h *livePlotterHandler) finish(redraw bool, samples int) error {
	if redraw {
		fmt.Fprintln(h.deps.Stdout)
	}
	fmt.Fprintf(h.deps.Stderr, "%d samples\n", samples)
	return nil
}

func formatSample(v any) string {
	if f, ok := device.AsFloat(v); ok {
		return fmt.Sprintf("%.4f", f)
	}
	return formatValue(v)
}
