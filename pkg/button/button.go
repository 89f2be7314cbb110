// Package button turns a push button on a GPIO into logging commands.
package button

import (
	"context"
	"log/slog"
	"time"

	"periph.io/x/conn/v3/gpio"
)

type Action int

const (
	None Action = iota
	ToggleLogging
	NewFile
	Restart
)

func (a Action) String() string {
	switch a {
	case ToggleLogging:
		return "toggle-logging"
	case NewFile:
		return "new-file"
	case Restart:
		return "restart"
	default:
		return "none"
	}
}

const (
	Debounce     = 50 * time.Millisecond
	ShortPress   = 200 * time.Millisecond
	LongPress    = 3 * time.Second
	RestartPress = 15 * time.Second
	PollInterval = 10 * time.Millisecond
)

// Debouncer classifies presses from level samples. A level change is
// accepted only after Debounce has passed since the last accepted change.
type Debouncer struct {
	pressed    bool
	lastChange time.Time
	pressedAt  time.Time
}

// Update feeds one sample and returns the action of a completed press.
func (d *Debouncer) Update(pressed bool, now time.Time) Action {
	if pressed == d.pressed || now.Sub(d.lastChange) < Debounce {
		return None
	}
	d.pressed = pressed
	d.lastChange = now
	if pressed {
		d.pressedAt = now
		return None
	}
	return classify(now.Sub(d.pressedAt))
}

func classify(held time.Duration) Action {
	switch {
	case held >= RestartPress:
		return Restart
	case held >= LongPress:
		return NewFile
	case held >= ShortPress:
		return ToggleLogging
	default:
		return None
	}
}

// Button polls an active-low input.
type Button struct {
	pin    gpio.PinIn
	handle func(Action)
	logger *slog.Logger
	deb    Debouncer
	now    func() time.Time
}

func New(pin gpio.PinIn, handle func(Action), logger *slog.Logger) (*Button, error) {
	if err := pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Button{pin: pin, handle: handle, logger: logger.With("component", "button"), now: time.Now}, nil
}

func (b *Button) poll() {
	a := b.deb.Update(b.pin.Read() == gpio.Low, b.now())
	if a == None {
		return
	}
	b.logger.Info("button press", "action", a.String())
	b.handle(a)
}

func (b *Button) Run(ctx context.Context) error {
	t := time.NewTicker(PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			b.poll()
		}
	}
}
