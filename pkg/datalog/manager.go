package datalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ericogr/ina219-logger/pkg/errcode"
	"github.com/ericogr/ina219-logger/pkg/metrics"
	"github.com/ericogr/ina219-logger/pkg/storage"
	"github.com/ericogr/ina219-logger/pkg/telemetry"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultLockTimeout = time.Second
	maxSameSecond      = 100
)

// EnabledStore persists the logging toggle.
type EnabledStore interface {
	SetLoggingEnabled(on bool) error
}

type Options struct {
	Roots storage.Roots
	// MaxPathLen caps the generated file path; 0 means DefaultMaxPathLen and
	// a negative value disables the cap.
	MaxPathLen  int
	LockTimeout time.Duration
	Settings    EnabledStore
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// Status is a snapshot of the active session.
type Status struct {
	Enabled bool            `json:"enabled"`
	Session string          `json:"session,omitempty"`
	Backend storage.Backend `json:"storage"`
	Path    string          `json:"filename"`
	Size    int64           `json:"size"`
}

type session struct {
	id      uuid.UUID
	backend storage.Backend
	path    string
	file    *os.File
	size    int64
}

// Manager owns the open log file. File access is serialized by one lock with
// a bounded wait; metadata reads go through an atomic snapshot and never
// wait.
type Manager struct {
	opts   Options
	logger *slog.Logger
	sem    *semaphore.Weighted

	// guarded by sem
	backend storage.Backend
	sess    *session

	enabled atomic.Bool
	status  atomic.Pointer[Status]

	hookMu             sync.Mutex
	onRemovableFailure func()
}

func NewManager(opts Options) *Manager {
	if opts.MaxPathLen == 0 {
		opts.MaxPathLen = DefaultMaxPathLen
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		opts:   opts,
		logger: logger.With("component", "datalog"),
		sem:    semaphore.NewWeighted(1),
	}
	m.enabled.Store(true)
	m.publishStatus()
	return m
}

// OnRemovableFailure registers fn to run after the manager moved a session
// off the removable backend on its own. fn runs without the manager lock.
func (m *Manager) OnRemovableFailure(fn func()) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onRemovableFailure = fn
}

func (m *Manager) removableFailed() {
	m.hookMu.Lock()
	fn := m.onRemovableFailure
	m.hookMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (m *Manager) lock(op string) (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.LockTimeout)
	defer cancel()
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, errcode.New(errcode.LockTimeout, "datalog."+op, err)
	}
	return func() { m.sem.Release(1) }, nil
}

// Open closes any current session and starts a new one on b.
func (m *Manager) Open(b storage.Backend) error {
	release, err := m.lock("open")
	if err != nil {
		return err
	}
	failedOver, err := m.openLocked(b)
	release()
	if failedOver {
		m.removableFailed()
	}
	return err
}

// Rotate starts a new session on the current backend.
func (m *Manager) Rotate() error {
	release, err := m.lock("rotate")
	if err != nil {
		return err
	}
	failedOver, err := m.openLocked(m.backend)
	release()
	if failedOver {
		m.removableFailed()
	}
	return err
}

// SwitchBackend starts a session on b unless one is already open there.
func (m *Manager) SwitchBackend(b storage.Backend) error {
	release, err := m.lock("switch")
	if err != nil {
		return err
	}
	if m.sess != nil && m.sess.backend == b {
		release()
		return nil
	}
	failedOver, err := m.openLocked(b)
	release()
	if failedOver {
		m.removableFailed()
	}
	return err
}

// openLocked replaces the session. A failed open on Removable is retried once
// on Fallback; failing there leaves no session, which disables logging until
// a later open succeeds.
func (m *Manager) openLocked(b storage.Backend) (failedOver bool, err error) {
	m.closeLocked()
	defer m.publishStatus()

	m.backend = b
	s, err := m.create(b)
	if err == nil {
		m.sess = s
		return false, nil
	}
	if b != storage.Removable {
		m.logger.Error("open log on fallback failed, logging unavailable", "error", err)
		return false, err
	}

	m.logger.Warn("open log on removable failed, retrying on fallback", "error", err)
	m.backend = storage.Fallback
	s, ferr := m.create(storage.Fallback)
	if ferr != nil {
		m.logger.Error("open log on fallback failed, logging unavailable", "error", ferr)
		return true, errcode.New(errcode.LoggingUnavailable, "datalog.open", errors.Join(err, ferr))
	}
	m.sess = s
	return true, nil
}

func (m *Manager) create(b storage.Backend) (*session, error) {
	root := m.opts.Roots.Root(b)
	if root == "" {
		return nil, errcode.New(errcode.StorageUnavailable, "datalog.create", fmt.Errorf("no root for %s", b))
	}
	if b == storage.Removable {
		if _, err := os.Stat(root); err != nil {
			return nil, errcode.New(errcode.StorageUnavailable, "datalog.create", err)
		}
	}

	now := m.opts.Now()
	warned := false
	for n := 0; n < maxSameSecond; n++ {
		p, ok := sessionPath(root, now, n, m.opts.MaxPathLen)
		if !ok && !warned {
			m.logger.Warn("log path too long, truncated", "code", errcode.PathTooLong, "path", p, "max", m.opts.MaxPathLen)
			warned = true
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, errcode.New(errcode.FileOpenFailed, "datalog.create", err)
		}
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, errcode.New(errcode.FileOpenFailed, "datalog.create", err)
		}
		s := &session{id: uuid.New(), backend: b, path: p, file: f}
		if err := s.writeHeader(); err != nil {
			f.Close()
			os.Remove(p)
			return nil, errcode.New(errcode.FileOpenFailed, "datalog.create", err)
		}
		m.logger.Info("log session started", "session", s.id, "backend", b.String(), "path", p)
		return s, nil
	}
	return nil, errcode.New(errcode.FileOpenFailed, "datalog.create", fmt.Errorf("too many sessions in one second under %s", root))
}

func (s *session) writeHeader() error {
	if _, err := s.file.WriteString(Header); err != nil {
		return err
	}
	s.size = int64(len(Header))
	return s.file.Sync()
}

func (s *session) append(row string) error {
	n, err := s.file.WriteString(row)
	s.size += int64(n)
	if err != nil {
		return err
	}
	return s.file.Sync()
}

func (m *Manager) closeLocked() {
	if m.sess == nil {
		return
	}
	if err := m.sess.file.Close(); err != nil {
		m.logger.Warn("close log", "path", m.sess.path, "error", err)
	}
	m.sess = nil
}

// Append writes f as one row. It does nothing while logging is disabled or
// no session is open. A failed write on Removable moves the session to
// Fallback and writes the row there.
func (m *Manager) Append(f telemetry.Frame) error {
	if !m.enabled.Load() {
		return nil
	}
	release, err := m.lock("append")
	if err != nil {
		return err
	}
	failedOver, err := m.appendLocked(FormatRow(f))
	release()
	if failedOver {
		m.removableFailed()
	}
	return err
}

func (m *Manager) appendLocked(row string) (failedOver bool, err error) {
	if m.sess == nil {
		return false, nil
	}
	defer m.publishStatus()

	werr := m.sess.append(row)
	if werr == nil {
		m.opts.Metrics.RowWritten()
		return false, nil
	}
	m.opts.Metrics.WriteFailed()
	if m.sess.backend != storage.Removable {
		return false, errcode.New(errcode.StorageUnavailable, "datalog.append", werr)
	}

	m.logger.Warn("write to removable failed, switching to fallback", "path", m.sess.path, "error", werr)
	if _, err := m.openLocked(storage.Fallback); err != nil {
		return true, err
	}
	if err := m.sess.append(row); err != nil {
		m.opts.Metrics.WriteFailed()
		return true, errcode.New(errcode.StorageUnavailable, "datalog.append", err)
	}
	m.opts.Metrics.RowWritten()
	return true, nil
}

// Clear truncates the current file back to its header.
func (m *Manager) Clear() error {
	release, err := m.lock("clear")
	if err != nil {
		return err
	}
	defer release()
	if m.sess == nil {
		return errcode.New(errcode.LoggingUnavailable, "datalog.clear", nil)
	}
	defer m.publishStatus()
	if err := m.sess.file.Truncate(0); err != nil {
		return errcode.New(errcode.StorageUnavailable, "datalog.clear", err)
	}
	if _, err := m.sess.file.Seek(0, io.SeekStart); err != nil {
		return errcode.New(errcode.StorageUnavailable, "datalog.clear", err)
	}
	if err := m.sess.writeHeader(); err != nil {
		return errcode.New(errcode.StorageUnavailable, "datalog.clear", err)
	}
	m.logger.Info("log cleared", "path", m.sess.path)
	return nil
}

// SetEnabled toggles logging and persists the choice. Enabling with no open
// session tries to start one on the current backend.
func (m *Manager) SetEnabled(on bool) error {
	m.enabled.Store(on)
	m.opts.Metrics.SetLoggingEnabled(on)
	m.logger.Info("logging toggled", "enabled", on)
	if m.opts.Settings != nil {
		if err := m.opts.Settings.SetLoggingEnabled(on); err != nil {
			m.logger.Warn("persist logging flag", "error", err)
		}
	}

	release, err := m.lock("enable")
	if err != nil {
		return err
	}
	if !on || m.sess != nil {
		m.publishStatus()
		release()
		return nil
	}
	failedOver, err := m.openLocked(m.backend)
	release()
	if failedOver {
		m.removableFailed()
	}
	return err
}

// Enabled reports whether rows are currently being written.
func (m *Manager) Enabled() bool { return m.Status().Enabled }

func (m *Manager) CurrentPath() string { return m.Status().Path }

func (m *Manager) CurrentSize() int64 { return m.Status().Size }

func (m *Manager) CurrentBackend() storage.Backend { return m.Status().Backend }

func (m *Manager) Status() Status { return *m.status.Load() }

func (m *Manager) publishStatus() {
	st := Status{Backend: m.backend}
	if m.sess != nil {
		st.Session = m.sess.id.String()
		st.Backend = m.sess.backend
		st.Path = m.sess.path
		st.Size = m.sess.size
	}
	st.Enabled = m.enabled.Load() && m.sess != nil
	m.status.Store(&st)
}

// Download copies the current file as of the call to w. Rows appended while
// copying are not included. A file cleared while copying ends the copy early
// without error.
func (m *Manager) Download(w io.Writer) (int64, error) {
	st := m.Status()
	if st.Path == "" {
		return 0, errcode.New(errcode.LoggingUnavailable, "datalog.download", nil)
	}
	f, err := os.Open(st.Path)
	if err != nil {
		return 0, errcode.New(errcode.FileOpenFailed, "datalog.download", err)
	}
	defer f.Close()
	n, err := io.CopyN(w, f, st.Size)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

func (m *Manager) Close() error {
	if err := m.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer m.sem.Release(1)
	var err error
	if m.sess != nil {
		err = m.sess.file.Close()
		m.sess = nil
	}
	m.publishStatus()
	return err
}
