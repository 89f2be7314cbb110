// Package httpapi serves the latest frame and log controls as JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/ericogr/ina219-logger/pkg/config"
	"github.com/ericogr/ina219-logger/pkg/datalog"
	"github.com/ericogr/ina219-logger/pkg/errcode"
	"github.com/ericogr/ina219-logger/pkg/telemetry"
)

type FrameSource interface {
	Latest() (telemetry.Frame, bool)
}

type LogControl interface {
	Status() datalog.Status
	SetEnabled(on bool) error
	Clear() error
	Rotate() error
	Download(w io.Writer) (int64, error)
}

type Settings interface {
	Current() config.Settings
	SetSampleInterval(ms int) error
}

type Server struct {
	frames   FrameSource
	log      LogControl
	settings Settings
	metrics  http.Handler
	logger   *slog.Logger
	srv      *http.Server
}

// New builds the API. metrics may be nil.
func New(frames FrameSource, log LogControl, settings Settings, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		frames:   frames,
		log:      log,
		settings: settings,
		metrics:  metrics,
		logger:   logger.With("component", "http"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sensor-data", s.sensorData)
	mux.HandleFunc("GET /api/log-status", s.logStatus)
	mux.HandleFunc("POST /api/log-toggle", s.logToggle)
	mux.HandleFunc("POST /api/log-clear", s.logClear)
	mux.HandleFunc("POST /api/log-new", s.logNew)
	mux.HandleFunc("GET /api/log-download", s.logDownload)
	mux.HandleFunc("GET /api/config", s.getConfig)
	mux.HandleFunc("POST /api/config", s.setConfig)
	mux.HandleFunc("GET /api/storage", s.storage)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http listening", "addr", addr)
		errc <- s.srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) sensorData(w http.ResponseWriter, r *http.Request) {
	f, ok := s.frames.Latest()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errors.New("no sample yet"))
		return
	}
	writeJSON(w, http.StatusOK, f)
}

type logStatusResponse struct {
	datalog.Status
	IntervalMs int `json:"log_interval_ms"`
}

func (s *Server) logStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, logStatusResponse{Status: s.log.Status(), IntervalMs: s.settings.Current().SampleIntervalMs})
}

func (s *Server) logToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	on := !s.log.Status().Enabled
	if req.Enabled != nil {
		on = *req.Enabled
	}
	if err := s.log.SetEnabled(on); err != nil {
		s.fail(w, "toggle logging", err)
		return
	}
	writeJSON(w, http.StatusOK, s.log.Status())
}

func (s *Server) logClear(w http.ResponseWriter, r *http.Request) {
	if err := s.log.Clear(); err != nil {
		s.fail(w, "clear log", err)
		return
	}
	writeJSON(w, http.StatusOK, s.log.Status())
}

func (s *Server) logNew(w http.ResponseWriter, r *http.Request) {
	if err := s.log.Rotate(); err != nil {
		s.fail(w, "new log", err)
		return
	}
	writeJSON(w, http.StatusOK, s.log.Status())
}

func (s *Server) logDownload(w http.ResponseWriter, r *http.Request) {
	st := s.log.Status()
	if st.Path == "" {
		writeError(w, http.StatusNotFound, errors.New("no log file"))
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(st.Path)))
	if _, err := s.log.Download(w); err != nil {
		// headers are gone by now
		s.logger.Warn("download log", "path", st.Path, "error", err)
	}
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Current())
}

func (s *Server) setConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IntervalMs *int `json:"log_interval_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.IntervalMs != nil {
		if err := s.settings.SetSampleInterval(*req.IntervalMs); err != nil {
			s.fail(w, "set interval", err)
			return
		}
		s.logger.Info("sample interval changed", "ms", *req.IntervalMs)
	}
	writeJSON(w, http.StatusOK, s.settings.Current())
}

func (s *Server) storage(w http.ResponseWriter, r *http.Request) {
	st := s.log.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"storage":  st.Backend,
		"filename": st.Path,
		"size":     st.Size,
	})
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.logger.Error(what, "error", err)
	}
	writeError(w, code, err)
}

func statusFor(err error) int {
	switch errcode.Of(err) {
	case errcode.InvalidInterval:
		return http.StatusBadRequest
	case errcode.LoggingUnavailable:
		return http.StatusConflict
	case errcode.LockTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error(), "code": string(errcode.Of(err))})
}
