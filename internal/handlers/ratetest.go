package handlers

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"motorctl/internal/commands"
	"motorctl/internal/logging"
)

type rateTestHandler struct {
	deps Deps
}

type rateStats struct {
	count   int
	elapsed time.Duration
	min     time.Duration
	max     time.Duration
	mean    time.Duration
	p50     time.Duration
	p99     time.Duration
}

// Invoke reads one property back to back until the duration elapses or the
// token is set, then reports the achieved rate. An interrupted run still
// reports what it measured.
func (h *rateTestHandler) Invoke(ctx context.Context, inv commands.Invocation) error {
	handle, err := requireDevice(inv)
	if err != nil {
		return err
	}
	property := inv.Args.String("property")
	duration := inv.Args.Duration("duration")
	if duration <= 0 {
		return &commands.InvalidArgumentError{Name: "duration", Reason: "must be positive"}
	}
	logger := invocationLogger(inv)
	logger.Info("rate test started",
		logging.String(logging.FieldEventType, "rate_test_started"),
		logging.String("property", property),
		logging.Duration("duration", duration),
	)

	dev := handle.Device()
	var latencies []time.Duration
	start := time.Now()
	deadline := start.Add(duration)
	for time.Now().Before(deadline) {
		if inv.Token != nil && inv.Token.IsSet() {
			break
		}
		t0 := time.Now()
		if _, err := dev.Get(ctx, property); err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("read %s: %w", property, err)
		}
		latencies = append(latencies, time.Since(t0))
	}
	stats := summarize(latencies, time.Since(start))
	if stats.count == 0 {
		if err := checkToken(inv.Token); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return abortOr(ctx, err)
		}
		return fmt.Errorf("no reads of %s completed", property)
	}

	rate := float64(stats.count) / stats.elapsed.Seconds()
	rows := [][]string{
		{"Property", property},
		{"Reads", strconv.Itoa(stats.count)},
		{"Elapsed", stats.elapsed.Round(time.Millisecond).String()},
		{"Rate", fmt.Sprintf("%.1f/s", rate)},
		{"Min", stats.min.String()},
		{"Mean", stats.mean.String()},
		{"P50", stats.p50.String()},
		{"P99", stats.p99.String()},
		{"Max", stats.max.String()},
	}
	fmt.Fprintln(h.deps.Stdout, renderTable([]string{"Metric", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))
	logger.Info("rate test finished",
		logging.String(logging.FieldEventType, "rate_test_finished"),
		logging.Int("reads", stats.count),
		logging.Float64("rate_per_second", rate),
	)
	return nil
}

func summarize(latencies []time.Duration, elapsed time.Duration) rateStats {
	s := rateStats{count: len(latencies), elapsed: elapsed}
	if s.count == 0 {
		return s
	}
	sorted := slices.Clone(latencies)
	slices.Sort(sorted)
	var total time.Duration
	for _, l := range sorted {
		total += l
	}
	s.min = sorted[0]
	s.max = sorted[len(sorted)-1]
	s.mean = total / time.Duration(len(sorted))
	s.p50 = percentile(sorted, 50)
	s.p99 = percentile(sorted, 99)
	return s
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	return sorted[max(rank-1, 0)]
}
