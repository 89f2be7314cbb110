package console

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ericogr/ina219-logger/pkg/output"
	"github.com/ericogr/ina219-logger/pkg/sensor"
	"github.com/ericogr/ina219-logger/pkg/telemetry"
)

type ConsoleOutput struct {
	w io.Writer
}

func NewConsole() output.Output { return &ConsoleOutput{w: os.Stdout} }

func (c *ConsoleOutput) Publish(f telemetry.Frame) error {
	w := c.w
	if w == nil {
		w = os.Stdout
	}
	for _, ch := range sensor.Channels {
		s, avg := f.Channel(ch)
		_, err := fmt.Fprintf(w, "%s %s ts=%d bus=%.3fV shunt=%.2fmV current=%.2fmA power=%.2fmW avg_current=%.2fmA\n",
			f.Time.Format(time.RFC3339), ch, f.TimestampMs, s.BusV, s.ShuntMV, s.CurrentMA, s.PowerMW, avg.CurrentMA)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }
