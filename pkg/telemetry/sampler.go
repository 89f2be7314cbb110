package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ericogr/ina219-logger/pkg/errcode"
	"github.com/ericogr/ina219-logger/pkg/metrics"
	"github.com/ericogr/ina219-logger/pkg/sensor"
)

const (
	DefaultInterval    = time.Second
	DefaultLockTimeout = 100 * time.Millisecond
	DefaultSettle      = 10 * time.Millisecond

	debugEvery = 10
)

// Recorder receives every published frame inside the publish critical
// section. The log session manager implements it.
type Recorder interface {
	Append(f Frame) error
}

// Notifier is told about a frame right after it was recorded. Notify must
// not block.
type Notifier interface {
	Notify(f Frame)
}

type SamplerOptions struct {
	// Interval is asked before every wait so changes apply on the next cycle.
	Interval    func() time.Duration
	LockTimeout time.Duration
	// Settle is the pause between the two channel reads.
	Settle    time.Duration
	Recorder  Recorder
	Notifiers []Notifier
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// CycleResult reports what one sampling cycle did. Err is set when the
// frame was not published.
type CycleResult struct {
	Frame     Frame
	Published bool
	Failed    []sensor.ChannelID
	Err       error
}

// Sampler is the single producer of frames.
type Sampler struct {
	src     sensor.Source
	state   *State
	opts    SamplerOptions
	logger  *slog.Logger
	filters [len(sensor.Channels)]ChannelFilter
	lastTS  uint64
	cycles  uint64
	clock   func() uint64
	now     func() time.Time
}

func NewSampler(src sensor.Source, state *State, opts SamplerOptions) *Sampler {
	if opts.Interval == nil {
		opts.Interval = func() time.Duration { return DefaultInterval }
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Settle < 0 {
		opts.Settle = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()
	return &Sampler{
		src:    src,
		state:  state,
		opts:   opts,
		logger: logger.With("component", "sampler"),
		clock:  func() uint64 { return uint64(time.Since(start).Milliseconds()) },
		now:    time.Now,
	}
}

// Cycle reads both channels, filters them and publishes the frame. A failed
// channel read is replaced by a zero sample. If the publish lock cannot be
// taken within LockTimeout the cycle is skipped.
func (s *Sampler) Cycle(ctx context.Context) CycleResult {
	began := time.Now()
	var res CycleResult
	var samples, avgs [len(sensor.Channels)]sensor.ChannelSample

	for i, ch := range sensor.Channels {
		if i > 0 && s.opts.Settle > 0 {
			sleep(ctx, s.opts.Settle)
		}
		cs, err := s.src.ReadChannel(ctx, ch)
		if err != nil {
			s.logger.Warn("sensor read failed", "channel", ch.String(), "error", err)
			s.opts.Metrics.SensorReadFailed(ch.String())
			res.Failed = append(res.Failed, ch)
			cs = sensor.ChannelSample{}
		}
		samples[i] = cs
		avgs[i] = s.filters[i].Apply(cs)
	}

	ts := s.clock()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts

	res.Frame = Frame{
		ChannelA:    samples[sensor.ChannelA],
		ChannelAAvg: avgs[sensor.ChannelA],
		ChannelB:    samples[sensor.ChannelB],
		ChannelBAvg: avgs[sensor.ChannelB],
		TimestampMs: ts,
		Time:        s.now(),
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
	defer cancel()
	err := s.state.Publish(lockCtx, res.Frame, s.deliver)
	if err != nil {
		if errors.Is(err, errcode.LockTimeout) {
			s.logger.Warn("state lock timeout, skipping cycle", "timestamp", ts)
			s.opts.Metrics.CycleSkipped()
		} else {
			s.logger.Error("publish frame", "error", err)
		}
		res.Err = err
		return res
	}
	res.Published = true
	s.opts.Metrics.CyclePublished(time.Since(began))
	if s.cycles++; s.cycles%debugEvery == 0 {
		a, b := res.Frame.ChannelAAvg, res.Frame.ChannelBAvg
		s.logger.Debug("averages",
			"cycles", s.cycles,
			"sensor1_bus_v", a.BusV, "sensor1_current_ma", a.CurrentMA, "sensor1_power_mw", a.PowerMW,
			"sensor2_bus_v", b.BusV, "sensor2_current_ma", b.CurrentMA, "sensor2_power_mw", b.PowerMW)
	}
	return res
}

// deliver runs inside the publish critical section: log first, then
// consumers.
func (s *Sampler) deliver(f Frame) {
	if s.opts.Recorder != nil {
		if err := s.opts.Recorder.Append(f); err != nil {
			s.logger.Warn("append frame", "timestamp", f.TimestampMs, "error", err)
		}
	}
	for _, n := range s.opts.Notifiers {
		n.Notify(f)
	}
}

// Run samples until ctx is cancelled, waiting the configured interval after
// each cycle.
func (s *Sampler) Run(ctx context.Context) error {
	s.logger.Info("sampler started", "interval", s.opts.Interval())
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sampler stopped")
			return ctx.Err()
		case <-t.C:
		}
		s.Cycle(ctx)
		t.Reset(s.opts.Interval())
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
