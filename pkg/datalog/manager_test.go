package datalog

import (
	"bufio"
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ericogr/ina219-logger/pkg/errcode"
	"github.com/ericogr/ina219-logger/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 10, 19, 14, 30, 5, 0, time.Local)

func newTestManager(t *testing.T) (*Manager, storage.Roots) {
	t.Helper()
	base := t.TempDir()
	roots := storage.Roots{
		Removable: filepath.Join(base, "sd"),
		Fallback:  filepath.Join(base, "internal"),
	}
	require.NoError(t, os.Mkdir(roots.Removable, 0o755))
	m := NewManager(Options{
		Roots:      roots,
		MaxPathLen: -1,
		Now:        func() time.Time { return testNow },
	})
	t.Cleanup(func() { m.Close() })
	return m, roots
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestOpenWritesHeader(t *testing.T) {
	m, roots := newTestManager(t)
	require.NoError(t, m.Open(storage.Fallback))

	want := filepath.Join(roots.Fallback, "20261019", "143005.csv")
	assert.Equal(t, want, m.CurrentPath())
	assert.Equal(t, int64(len(Header)), m.CurrentSize())
	assert.Equal(t, storage.Fallback, m.CurrentBackend())
	assert.True(t, m.Enabled())
	assert.Equal(t, []string{strings.TrimSuffix(Header, "\n")}, readLines(t, want))
}

func TestAppendWritesRowsInOrder(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Open(storage.Removable))

	require.NoError(t, m.Append(testFrame(1000)))
	require.NoError(t, m.Append(testFrame(2000)))

	lines := readLines(t, m.CurrentPath())
	require.Len(t, lines, 3)
	assert.Equal(t, strings.TrimSuffix(FormatRow(testFrame(1000)), "\n"), lines[1])
	assert.Equal(t, strings.TrimSuffix(FormatRow(testFrame(2000)), "\n"), lines[2])

	fi, err := os.Stat(m.CurrentPath())
	require.NoError(t, err)
	assert.Equal(t, fi.Size(), m.CurrentSize())
}

type flagStore struct{ got []bool }

func (s *flagStore) SetLoggingEnabled(on bool) error {
	s.got = append(s.got, on)
	return nil
}

func TestAppendDisabledIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	store := &flagStore{}
	m.opts.Settings = store
	require.NoError(t, m.Open(storage.Fallback))

	require.NoError(t, m.SetEnabled(false))
	assert.False(t, m.Enabled())
	require.NoError(t, m.Append(testFrame(1)))
	assert.Len(t, readLines(t, m.CurrentPath()), 1)

	require.NoError(t, m.SetEnabled(true))
	require.NoError(t, m.Append(testFrame(2)))
	assert.Len(t, readLines(t, m.CurrentPath()), 2)
	assert.Equal(t, []bool{false, true}, store.got)
}

func TestClearKeepsHeader(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Open(storage.Fallback))
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, m.Append(testFrame(i)))
	}

	require.NoError(t, m.Clear())
	assert.Equal(t, int64(len(Header)), m.CurrentSize())
	assert.Len(t, readLines(t, m.CurrentPath()), 1)

	require.NoError(t, m.Append(testFrame(6)))
	lines := readLines(t, m.CurrentPath())
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "6,"))
}

func TestRotateKeepsPreviousFile(t *testing.T) {
	m, roots := newTestManager(t)
	require.NoError(t, m.Open(storage.Fallback))
	require.NoError(t, m.Append(testFrame(1)))
	first := m.CurrentPath()

	require.NoError(t, m.Rotate())
	second := m.CurrentPath()
	assert.NotEqual(t, first, second)
	assert.Equal(t, filepath.Join(roots.Fallback, "20261019", "143005_1.csv"), second)

	assert.Len(t, readLines(t, first), 2)
	assert.Len(t, readLines(t, second), 1)
}

func TestOpenRemovableFailureFallsBackOnce(t *testing.T) {
	m, roots := newTestManager(t)
	require.NoError(t, os.Remove(roots.Removable))
	var hooked atomic.Int32
	m.OnRemovableFailure(func() { hooked.Add(1) })

	require.NoError(t, m.Open(storage.Removable))
	assert.Equal(t, storage.Fallback, m.CurrentBackend())
	assert.True(t, strings.HasPrefix(m.CurrentPath(), roots.Fallback))
	assert.Equal(t, int32(1), hooked.Load())
}

func TestFallbackFailureDisablesLogging(t *testing.T) {
	m, roots := newTestManager(t)
	// a regular file where the fallback directory should be
	require.NoError(t, os.WriteFile(roots.Fallback, []byte("x"), 0o644))

	err := m.Open(storage.Fallback)
	assert.Equal(t, errcode.FileOpenFailed, errcode.Of(err))
	assert.False(t, m.Enabled())
	assert.Empty(t, m.CurrentPath())
	assert.NoError(t, m.Append(testFrame(1)))
	assert.Equal(t, errcode.LoggingUnavailable, errcode.Of(m.Clear()))

	require.NoError(t, os.Remove(roots.Fallback))
	require.NoError(t, m.Rotate())
	assert.True(t, m.Enabled())
	assert.Len(t, readLines(t, m.CurrentPath()), 1)
}

func TestRemovableWriteFailureMovesRowToFallback(t *testing.T) {
	m, roots := newTestManager(t)
	var hooked atomic.Int32
	m.OnRemovableFailure(func() { hooked.Add(1) })

	require.NoError(t, m.Open(storage.Removable))
	require.NoError(t, m.Append(testFrame(1)))
	removablePath := m.CurrentPath()

	// simulate the card vanishing under an open handle
	m.sess.file.Close()

	require.NoError(t, m.Append(testFrame(2)))
	assert.Equal(t, storage.Fallback, m.CurrentBackend())
	assert.Equal(t, int32(1), hooked.Load())

	lines := readLines(t, m.CurrentPath())
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(m.CurrentPath(), roots.Fallback))
	assert.True(t, strings.HasPrefix(lines[1], "2,"))
	assert.Len(t, readLines(t, removablePath), 2)
}

func TestSwitchBackendSameIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Open(storage.Fallback))
	p := m.CurrentPath()
	require.NoError(t, m.SwitchBackend(storage.Fallback))
	assert.Equal(t, p, m.CurrentPath())
}

func TestPathTooLongIsTruncated(t *testing.T) {
	m, roots := newTestManager(t)
	full := filepath.Join(roots.Fallback, "20261019", "143005.csv")
	m.opts.MaxPathLen = len(full) - 2

	require.NoError(t, m.Open(storage.Fallback))
	p := m.CurrentPath()
	assert.Len(t, p, len(full)-2)
	assert.Equal(t, filepath.Join(roots.Fallback, "20261019", "1430.csv"), p)
	assert.Len(t, readLines(t, p), 1)
}

func TestRotateUnderPathCapKeepsLogging(t *testing.T) {
	m, roots := newTestManager(t)
	var logs bytes.Buffer
	m.logger = slog.New(slog.NewTextHandler(&logs, nil))
	full := filepath.Join(roots.Fallback, "20261019", "143005.csv")
	m.opts.MaxPathLen = len(full) - 2

	require.NoError(t, m.Open(storage.Fallback))
	first := m.CurrentPath()

	m.opts.Now = func() time.Time { return testNow.Add(time.Second) }
	require.NoError(t, m.Rotate())
	second := m.CurrentPath()

	assert.True(t, m.Enabled())
	assert.NotEqual(t, first, second)
	assert.Equal(t, filepath.Join(roots.Fallback, "20261019", "14_1.csv"), second)
	assert.LessOrEqual(t, len(second), m.opts.MaxPathLen)
	assert.Len(t, readLines(t, first), 1)
	assert.Len(t, readLines(t, second), 1)
	assert.Equal(t, 2, strings.Count(logs.String(), "log path too long"))
}

func TestDownload(t *testing.T) {
	m, _ := newTestManager(t)
	var buf bytes.Buffer
	_, err := m.Download(&buf)
	assert.Equal(t, errcode.LoggingUnavailable, errcode.Of(err))

	require.NoError(t, m.Open(storage.Fallback))
	require.NoError(t, m.Append(testFrame(7)))
	n, err := m.Download(&buf)
	require.NoError(t, err)
	assert.Equal(t, m.CurrentSize(), n)
	assert.Equal(t, Header+FormatRow(testFrame(7)), buf.String())
}

func TestDownloadAfterFileShrank(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Open(storage.Fallback))
	require.NoError(t, m.Append(testFrame(1)))
	require.NoError(t, m.Append(testFrame(2)))
	stale := m.Status()
	require.NoError(t, m.Clear())
	m.status.Store(&stale)

	var buf bytes.Buffer
	n, err := m.Download(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(Header)), n)
	assert.Equal(t, Header, buf.String())
}

// countingSwitcher forwards to the manager and records each transition.
type countingSwitcher struct {
	mu  sync.Mutex
	m   *Manager
	got []storage.Backend
}

func (c *countingSwitcher) SwitchBackend(b storage.Backend) error {
	c.mu.Lock()
	c.got = append(c.got, b)
	c.mu.Unlock()
	return c.m.SwitchBackend(b)
}

type toggleMedium struct {
	present atomic.Bool
	root    string
}

func (t *toggleMedium) Present() bool { return t.present.Load() }
func (t *toggleMedium) Mount() error  { return nil }
func (t *toggleMedium) Root() string  { return t.root }

func TestFailoverAcrossPresenceChanges(t *testing.T) {
	m, roots := newTestManager(t)
	medium := &toggleMedium{root: roots.Removable}
	sw := &countingSwitcher{m: m}
	sel := storage.NewSelector(medium, sw, storage.SelectorOptions{})
	m.OnRemovableFailure(sel.ReportWriteFailure)

	require.NoError(t, m.Open(sel.Start()))
	require.NoError(t, m.Append(testFrame(1)))
	require.NoError(t, m.Append(testFrame(2)))
	firstFallback := m.CurrentPath()

	medium.present.Store(true)
	require.True(t, sel.Poll())
	assert.Equal(t, storage.Removable, m.CurrentBackend())
	require.NoError(t, m.Append(testFrame(3)))
	removable := m.CurrentPath()

	medium.present.Store(false)
	require.True(t, sel.Poll())
	assert.Equal(t, storage.Fallback, m.CurrentBackend())
	require.NoError(t, m.Append(testFrame(4)))
	secondFallback := m.CurrentPath()

	assert.False(t, sel.Poll())
	assert.Equal(t, []storage.Backend{storage.Removable, storage.Fallback}, sw.got)

	header := strings.TrimSuffix(Header, "\n")
	for path, rows := range map[string]int{firstFallback: 2, removable: 1, secondFallback: 1} {
		lines := readLines(t, path)
		require.Len(t, lines, rows+1, path)
		assert.Equal(t, header, lines[0], path)
	}
	assert.True(t, strings.HasPrefix(removable, roots.Removable))
	assert.NotEqual(t, firstFallback, secondFallback)
}

func TestEveryFileStartsWithHeader(t *testing.T) {
	m, roots := newTestManager(t)
	require.NoError(t, m.Open(storage.Fallback))
	ts := uint64(0)
	ops := []func() error{
		m.Rotate,
		m.Clear,
		func() error { return m.SwitchBackend(storage.Removable) },
		m.Clear,
		m.Rotate,
		func() error { return m.SwitchBackend(storage.Fallback) },
		m.Rotate,
	}
	for _, op := range ops {
		ts++
		require.NoError(t, m.Append(testFrame(ts)))
		require.NoError(t, op())
		ts++
		require.NoError(t, m.Append(testFrame(ts)))
	}

	header := strings.TrimSuffix(Header, "\n")
	var files int
	for _, root := range []string{roots.Removable, roots.Fallback} {
		err := filepath.Walk(root, func(p string, fi os.FileInfo, err error) error {
			require.NoError(t, err)
			if fi.IsDir() {
				return nil
			}
			files++
			lines := readLines(t, p)
			require.NotEmpty(t, lines, p)
			assert.Equal(t, header, lines[0], p)
			for _, l := range lines[1:] {
				assert.NotEqual(t, header, l, p)
			}
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 6, files)
}
