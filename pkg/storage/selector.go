package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ericogr/ina219-logger/pkg/metrics"
)

const DefaultPollInterval = time.Second

// SessionSwitcher starts a new log session on a backend. The log session
// manager implements it.
type SessionSwitcher interface {
	SwitchBackend(b Backend) error
}

type SelectorOptions struct {
	PollInterval time.Duration
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	// SelfTest runs against the medium root before it is accepted. Defaults
	// to SelfTest.
	SelfTest func(root string) error
}

// Selector tracks which backend is authoritative. Removable is chosen only
// when the medium is present, mounts and passes the self test. Presence is
// polled and acted on only when it changes.
type Selector struct {
	medium   Medium
	sessions SessionSwitcher
	opts     SelectorOptions
	logger   *slog.Logger

	mu          sync.Mutex
	current     Backend
	lastPresent bool
}

func NewSelector(medium Medium, sessions SessionSwitcher, opts SelectorOptions) *Selector {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.SelfTest == nil {
		opts.SelfTest = SelfTest
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		medium:   medium,
		sessions: sessions,
		opts:     opts,
		logger:   logger.With("component", "storage"),
		current:  Fallback,
	}
}

// Start picks the initial backend by trying the removable medium once. It
// does not open a session.
func (s *Selector) Start() Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPresent = s.medium.Present()
	s.current = Fallback
	if s.lastPresent && s.activate() {
		s.current = Removable
	}
	s.opts.Metrics.SetBackend("", s.current.String())
	s.logger.Info("initial storage", "backend", s.current.String(), "present", s.lastPresent)
	return s.current
}

func (s *Selector) Current() Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Poll samples medium presence once and switches backend on an edge. It
// returns true when a transition happened.
func (s *Selector) Poll() bool {
	s.mu.Lock()
	present := s.medium.Present()
	if present == s.lastPresent {
		s.mu.Unlock()
		return false
	}
	s.lastPresent = present
	s.logger.Info("medium presence changed", "present", present)

	var to Backend
	switch {
	case present && s.current == Fallback:
		if !s.activate() {
			s.mu.Unlock()
			return false
		}
		to = Removable
	case !present && s.current == Removable:
		to = Fallback
	default:
		s.mu.Unlock()
		return false
	}
	from := s.current
	s.current = to
	s.mu.Unlock()

	s.switched(from, to)
	return true
}

// ReportWriteFailure moves off the removable medium after a failed write or
// open there. The session manager has already reopened on Fallback.
func (s *Selector) ReportWriteFailure() {
	s.mu.Lock()
	if s.current != Removable {
		s.mu.Unlock()
		return
	}
	s.current = Fallback
	s.mu.Unlock()

	s.logger.Warn("removable storage failed, using fallback")
	s.switched(Removable, Fallback)
}

// switched must be called without s.mu held: the session manager may call
// back into ReportWriteFailure.
func (s *Selector) switched(from, to Backend) {
	s.logger.Info("storage switched", "from", from.String(), "to", to.String())
	s.opts.Metrics.BackendSwitched(from.String(), to.String())
	if s.sessions == nil {
		return
	}
	if err := s.sessions.SwitchBackend(to); err != nil {
		s.logger.Error("start session on new backend", "backend", to.String(), "error", err)
	}
}

func (s *Selector) activate() bool {
	if err := s.medium.Mount(); err != nil {
		s.logger.Warn("mount removable medium", "error", err)
		return false
	}
	if err := s.opts.SelfTest(s.medium.Root()); err != nil {
		s.logger.Warn("removable medium self test", "error", err)
		return false
	}
	return true
}

// Run polls presence every PollInterval until ctx is cancelled.
func (s *Selector) Run(ctx context.Context) error {
	t := time.NewTicker(s.opts.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Poll()
		}
	}
}
