package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ericogr/ina219-logger/pkg/config"
	"github.com/ericogr/ina219-logger/pkg/datalog"
	"github.com/ericogr/ina219-logger/pkg/sensor"
	"github.com/ericogr/ina219-logger/pkg/storage"
	"github.com/ericogr/ina219-logger/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSettings struct{ cur config.Settings }

func (m *memSettings) Current() config.Settings { return m.cur }

func (m *memSettings) SetSampleInterval(ms int) error {
	if err := config.ValidateInterval(ms); err != nil {
		return err
	}
	m.cur.SampleIntervalMs = ms
	return nil
}

type fixture struct {
	state    *telemetry.State
	manager  *datalog.Manager
	settings *memSettings
	handler  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	m := datalog.NewManager(datalog.Options{
		Roots:      storage.Roots{Removable: filepath.Join(base, "sd"), Fallback: filepath.Join(base, "internal")},
		MaxPathLen: -1,
	})
	t.Cleanup(func() { m.Close() })
	require.NoError(t, m.Open(storage.Fallback))

	f := &fixture{
		state:    telemetry.NewState(),
		manager:  m,
		settings: &memSettings{cur: config.Settings{SampleIntervalMs: 1000, LoggingEnabled: true}},
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("# metrics")) })
	f.handler = New(f.state, m, f.settings, metrics, nil).Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSensorData(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/sensor-data", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s := sensor.DefaultCalibration().Convert(1250, 1000, 1060, 250)
	require.NoError(t, f.state.Publish(context.Background(), telemetry.Frame{ChannelA: s, TimestampMs: 77}, nil))

	rec = f.do(t, http.MethodGet, "/api/sensor-data", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 77, body["timestamp"])
	s1 := body["sensor1"].(map[string]interface{})
	assert.InDelta(t, 5.0, s1["bus_voltage"], 1e-4)
	assert.EqualValues(t, 1060, s1["raw_current"])
}

func TestLogToggleAndStatus(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/log-toggle", `{"enabled": false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["enabled"])
	assert.False(t, f.manager.Enabled())

	rec = f.do(t, http.MethodPost, "/api/log-toggle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.manager.Enabled())

	rec = f.do(t, http.MethodGet, "/api/log-status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Internal", body["storage"])
	assert.Equal(t, f.manager.CurrentPath(), body["filename"])
	assert.EqualValues(t, len(datalog.Header), body["size"])
	assert.EqualValues(t, 1000, body["log_interval_ms"])
}

func TestLogClearNewAndDownload(t *testing.T) {
	f := newFixture(t)
	first := f.manager.CurrentPath()
	require.NoError(t, f.manager.Append(telemetry.Frame{TimestampMs: 1}))

	rec := f.do(t, http.MethodGet, "/api/log-download", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), filepath.Base(first))
	assert.True(t, strings.HasPrefix(rec.Body.String(), datalog.Header))
	assert.Equal(t, 2, strings.Count(rec.Body.String(), "\n"))

	rec = f.do(t, http.MethodPost, "/api/log-clear", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, datalog.Header, string(data))

	rec = f.do(t, http.MethodPost, "/api/log-new", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, first, f.manager.CurrentPath())
}

func TestConfigInterval(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/config", `{"log_interval_ms": 50}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_interval", decode(t, rec)["code"])
	assert.Equal(t, 1000, f.settings.cur.SampleIntervalMs)

	rec = f.do(t, http.MethodPost, "/api/config", `{"log_interval_ms": 250}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 250, decode(t, rec)["log_interval_ms"])

	rec = f.do(t, http.MethodGet, "/api/config", "")
	assert.EqualValues(t, 250, decode(t, rec)["log_interval_ms"])

	rec = f.do(t, http.MethodPost, "/api/config", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStorageAndMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/storage", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Internal", decode(t, rec)["storage"])

	rec = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, "# metrics", rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/log-clear", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
