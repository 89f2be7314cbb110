package telemetry

import (
	"time"

	"github.com/ericogr/ina219-logger/pkg/sensor"
)

// Frame is one sampling cycle: both channels, their averages and the cycle
// timestamp. Frames are values and never modified after publication.
type Frame struct {
	ChannelA    sensor.ChannelSample `json:"sensor1"`
	ChannelAAvg sensor.ChannelSample `json:"sensor1_avg"`
	ChannelB    sensor.ChannelSample `json:"sensor2"`
	ChannelBAvg sensor.ChannelSample `json:"sensor2_avg"`

	// TimestampMs is milliseconds since the sampler started. Strictly
	// increasing across published frames.
	TimestampMs uint64 `json:"timestamp"`
	// Time is the wall clock at sampling, used for the log datetime column.
	Time time.Time `json:"datetime"`
}

// Channel returns the sample and average of ch.
func (f Frame) Channel(ch sensor.ChannelID) (sample, avg sensor.ChannelSample) {
	if ch == sensor.ChannelB {
		return f.ChannelB, f.ChannelBAvg
	}
	return f.ChannelA, f.ChannelAAvg
}
