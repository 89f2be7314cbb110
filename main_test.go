package main

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ericogr/ina219-logger/pkg/button"
	"github.com/ericogr/ina219-logger/pkg/config"
)

func TestComputeCycleTime(t *testing.T) {
	cfg := config.Config{SettleMs: 10}
	if got := computeCycleTime(cfg); got != 70*time.Millisecond {
		t.Fatalf("cycle time: got %v want 70ms", got)
	}

	cfg.SettleMs = 0
	if got := computeCycleTime(cfg); got != 0 {
		t.Fatalf("no settle: got %v want 0", got)
	}
}

func TestInitOutputsSetsInterval(t *testing.T) {
	cfg := config.Config{Outputs: []config.OutputConfig{{Type: "console"}}}
	entries, err := initOutputs(&cfg, 123)
	if err != nil {
		t.Fatalf("initOutputs: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries len: %d", len(entries))
	}
	if cfg.Outputs[0].IntervalMs != 123 {
		t.Fatalf("cfg output interval not set, got %d", cfg.Outputs[0].IntervalMs)
	}
	if entries[0].IntervalMs != 123 {
		t.Fatalf("entry interval not set, got %d", entries[0].IntervalMs)
	}
}

func TestInitOutputsUnknownType(t *testing.T) {
	cfg := config.Config{Outputs: []config.OutputConfig{{Type: "console"}, {Type: "carrier-pigeon"}}}
	if _, err := initOutputs(&cfg, 1000); err == nil {
		t.Fatalf("expected error for unknown output")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn")
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected log output: %q", out)
	}

	if _, err := newLogger(&buf, "loud"); err == nil {
		t.Fatalf("expected error for bad level")
	}
}

type fakeLog struct {
	enabled   bool
	rotations int
	failRot   bool
}

func (f *fakeLog) Enabled() bool { return f.enabled }

func (f *fakeLog) SetEnabled(on bool) error {
	f.enabled = on
	return nil
}

func (f *fakeLog) Rotate() error {
	if f.failRot {
		return errors.New("no medium")
	}
	f.rotations++
	return nil
}

func TestButtonHandler(t *testing.T) {
	log := &fakeLog{enabled: true}
	restarted := false
	handle := buttonHandler(log, func() { restarted = true }, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	handle(button.ToggleLogging)
	if log.enabled {
		t.Fatalf("short press should disable logging")
	}
	handle(button.ToggleLogging)
	if !log.enabled {
		t.Fatalf("second short press should enable logging")
	}

	handle(button.NewFile)
	if log.enabled || log.rotations != 1 {
		t.Fatalf("long press: enabled=%v rotations=%d", log.enabled, log.rotations)
	}

	log.failRot = true
	handle(button.NewFile)
	if log.rotations != 1 {
		t.Fatalf("failed rotation counted")
	}

	if restarted {
		t.Fatalf("restart before restart press")
	}
	handle(button.Restart)
	if !restarted {
		t.Fatalf("restart press not handled")
	}
}

func TestNewSourceSimulation(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SensorType = "simulation"
	src, err := newSource(cfg)
	if err != nil {
		t.Fatalf("newSource: %v", err)
	}
	defer src.Close()

	cfg.SensorType = "analog"
	if _, err := newSource(cfg); err == nil {
		t.Fatalf("expected error for unknown sensor type")
	}
}
