package telemetry

import "github.com/ericogr/ina219-logger/pkg/sensor"

// Alpha is the weight of a new sample in the moving average.
const Alpha float32 = 0.3

// ChannelFilter keeps the exponential moving average of one channel. It is
// owned by the sampler and not safe for concurrent use.
type ChannelFilter struct {
	avg         sensor.ChannelSample
	initialized bool
}

// Apply folds s into the average and returns the smoothed view. Only the
// physical quantities are averaged; raw fields of the result are zero. The
// first call seeds the average with s.
func (f *ChannelFilter) Apply(s sensor.ChannelSample) sensor.ChannelSample {
	if !f.initialized {
		f.avg = sensor.ChannelSample{BusV: s.BusV, ShuntMV: s.ShuntMV, CurrentMA: s.CurrentMA, PowerMW: s.PowerMW}
		f.initialized = true
		return f.avg
	}
	f.avg.BusV = smooth(f.avg.BusV, s.BusV)
	f.avg.ShuntMV = smooth(f.avg.ShuntMV, s.ShuntMV)
	f.avg.CurrentMA = smooth(f.avg.CurrentMA, s.CurrentMA)
	f.avg.PowerMW = smooth(f.avg.PowerMW, s.PowerMW)
	return f.avg
}

func (f *ChannelFilter) Initialized() bool { return f.initialized }

func smooth(prev, v float32) float32 {
	return (1-Alpha)*prev + Alpha*v
}
