package output

import (
	"context"
	"log/slog"
	"time"

	"github.com/ericogr/ina219-logger/pkg/telemetry"
)

type Output interface {
	Publish(f telemetry.Frame) error
	Close() error
}

// DefaultInterval is used when an output has no usable interval.
const DefaultInterval = time.Second

// FrameSource is the read side of the shared telemetry state.
type FrameSource interface {
	Latest() (telemetry.Frame, bool)
}

// Run publishes the latest frame to out every interval until ctx is done.
// A frame is published once; ticks without a new frame are skipped.
func Run(ctx context.Context, name string, out Output, src FrameSource, interval time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "output", "output", name)
	if interval <= 0 {
		logger.Warn("non-positive interval, using default", "interval", interval, "default", DefaultInterval)
		interval = DefaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		f, ok := src.Latest()
		if !ok || f.TimestampMs == last {
			continue
		}
		last = f.TimestampMs
		if err := out.Publish(f); err != nil {
			logger.Warn("publish", "timestamp", f.TimestampMs, "error", err)
		}
	}
}
