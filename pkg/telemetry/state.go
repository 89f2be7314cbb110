package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ericogr/ina219-logger/pkg/errcode"
	"golang.org/x/sync/semaphore"
)

// State holds the latest published Frame. There is one writer and any number
// of readers; readers never wait on the writer's lock, so a slow log write
// inside Publish does not delay Latest.
type State struct {
	sem    *semaphore.Weighted
	latest atomic.Pointer[Frame]
}

func NewState() *State {
	return &State{sem: semaphore.NewWeighted(1)}
}

// Acquire takes the publish lock, waiting until ctx is done. Expiry returns
// errcode.LockTimeout.
func (s *State) Acquire(ctx context.Context) (release func(), err error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, errcode.New(errcode.LockTimeout, "telemetry.acquire", err)
	}
	return func() { s.sem.Release(1) }, nil
}

// Publish stores f as the latest frame and then calls after with it, all
// while holding the publish lock. A frame whose timestamp does not advance
// past the current one is rejected.
func (s *State) Publish(ctx context.Context, f Frame, after func(Frame)) error {
	release, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if prev := s.latest.Load(); prev != nil && f.TimestampMs <= prev.TimestampMs {
		return fmt.Errorf("telemetry: frame timestamp %d not after %d", f.TimestampMs, prev.TimestampMs)
	}
	fc := f
	s.latest.Store(&fc)
	if after != nil {
		after(fc)
	}
	return nil
}

// Latest returns a copy of the most recent frame. ok is false before the
// first publish.
func (s *State) Latest() (f Frame, ok bool) {
	p := s.latest.Load()
	if p == nil {
		return Frame{}, false
	}
	return *p, true
}
