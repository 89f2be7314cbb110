// Package display renders the latest frame as a small text screen.
package display

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ericogr/ina219-logger/pkg/sensor"
	"github.com/ericogr/ina219-logger/pkg/storage"
	"github.com/ericogr/ina219-logger/pkg/telemetry"
)

// Status supplies the log state shown on the last lines.
type Status interface {
	Enabled() bool
	CurrentBackend() storage.Backend
}

// Display receives frames from the sampler and redraws on its own goroutine.
// Notify never blocks: an undrawn frame is replaced by the newer one.
type Display struct {
	w       io.Writer
	status  Status
	logger  *slog.Logger
	mailbox chan telemetry.Frame
}

func New(w io.Writer, status Status, logger *slog.Logger) *Display {
	if logger == nil {
		logger = slog.Default()
	}
	return &Display{
		w:       w,
		status:  status,
		logger:  logger.With("component", "display"),
		mailbox: make(chan telemetry.Frame, 1),
	}
}

func (d *Display) Notify(f telemetry.Frame) {
	for {
		select {
		case d.mailbox <- f:
			return
		default:
		}
		select {
		case <-d.mailbox:
		default:
		}
	}
}

func (d *Display) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-d.mailbox:
			if _, err := io.WriteString(d.w, Render(f, d.status.Enabled(), d.status.CurrentBackend())); err != nil {
				d.logger.Warn("draw", "error", err)
			}
		}
	}
}

// Render lays out one screen.
func Render(f telemetry.Frame, logging bool, backend storage.Backend) string {
	var b strings.Builder
	b.WriteString("\x1b[H\x1b[2J")
	b.WriteString("INA219 Dual Monitor\n")
	for _, ch := range sensor.Channels {
		s, avg := f.Channel(ch)
		fmt.Fprintf(&b, "%s: %6.3f V %8.2f mA %8.2f mW\n", ch, s.BusV, s.CurrentMA, s.PowerMW)
		fmt.Fprintf(&b, "  avg: %6.3f V %8.2f mA %8.2f mW\n", avg.BusV, avg.CurrentMA, avg.PowerMW)
	}
	state := "OFF"
	if logging {
		state = "ON"
	}
	fmt.Fprintf(&b, "Log: %s  Storage: %s\n", state, backend)
	return b.String()
}
