package sensor

import (
	"context"
	"fmt"
)

// ChannelID identifies one of the two monitored power rails.
type ChannelID int

const (
	ChannelA ChannelID = iota
	ChannelB
)

// Channels lists every channel in sampling order.
var Channels = [...]ChannelID{ChannelA, ChannelB}

func (c ChannelID) String() string {
	switch c {
	case ChannelA:
		return "sensor1"
	case ChannelB:
		return "sensor2"
	default:
		return fmt.Sprintf("channel%d", int(c))
	}
}

// ChannelSample is one converted reading of a channel. The zero value is what
// a failed read produces.
type ChannelSample struct {
	RawBus     int16 `json:"raw_bus"`
	RawShunt   int16 `json:"raw_shunt"`
	RawCurrent int16 `json:"raw_current"`
	RawPower   int16 `json:"raw_power"`

	BusV      float32 `json:"bus_voltage"`
	ShuntMV   float32 `json:"shunt_voltage"`
	CurrentMA float32 `json:"current"`
	PowerMW   float32 `json:"power"`
}

// Source reads one channel at a time from the bus.
type Source interface {
	ReadChannel(ctx context.Context, ch ChannelID) (ChannelSample, error)
	Close() error
}
