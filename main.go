package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ericogr/ina219-logger/pkg/button"
	"github.com/ericogr/ina219-logger/pkg/config"
	"github.com/ericogr/ina219-logger/pkg/datalog"
	"github.com/ericogr/ina219-logger/pkg/display"
	"github.com/ericogr/ina219-logger/pkg/httpapi"
	"github.com/ericogr/ina219-logger/pkg/metrics"
	"github.com/ericogr/ina219-logger/pkg/modbusapi"
	"github.com/ericogr/ina219-logger/pkg/output"
	"github.com/ericogr/ina219-logger/pkg/output/console"
	"github.com/ericogr/ina219-logger/pkg/output/mqtt"
	"github.com/ericogr/ina219-logger/pkg/output/redis"
	"github.com/ericogr/ina219-logger/pkg/sensor"
	"github.com/ericogr/ina219-logger/pkg/storage"
	"github.com/ericogr/ina219-logger/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// exitRestart asks the supervisor to start the process again.
const exitRestart = 3

type outputEntry struct {
	Type       string
	IntervalMs int
	Out        output.Output
}

func main() {
	cfg, err := config.LoadFromFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger, err := newLogger(os.Stdout, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx, cfg, logger)
	if err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) (int, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.SettingsDB), 0o755); err != nil {
		return 1, fmt.Errorf("settings dir: %w", err)
	}
	store, err := config.OpenStore(cfg.SettingsDB, config.Settings{SampleIntervalMs: cfg.SampleIntervalMs, LoggingEnabled: true})
	if err != nil {
		return 1, err
	}
	defer store.Close()
	settings := store.Current()
	if cycle := computeCycleTime(cfg); settings.SampleInterval() < cycle {
		logger.Warn("sample interval shorter than one read cycle", "interval", settings.SampleInterval(), "cycle", cycle)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	src, err := newSource(cfg)
	if err != nil {
		return 1, err
	}
	defer src.Close()

	medium, err := newMedium(cfg)
	if err != nil {
		return 1, err
	}
	manager := datalog.NewManager(datalog.Options{
		Roots:       storage.Roots{Removable: cfg.Storage.RemovableRoot, Fallback: cfg.Storage.FallbackRoot},
		MaxPathLen:  cfg.Storage.MaxPathLen,
		LockTimeout: datalog.DefaultLockTimeout,
		Settings:    store,
		Metrics:     m,
		Logger:      logger,
	})
	defer manager.Close()
	selector := storage.NewSelector(medium, manager, storage.SelectorOptions{
		PollInterval: ms(cfg.Storage.PollIntervalMs),
		Metrics:      m,
		Logger:       logger,
	})
	manager.OnRemovableFailure(selector.ReportWriteFailure)
	if err := manager.Open(selector.Start()); err != nil {
		logger.Error("logging unavailable", "error", err)
	}
	if !settings.LoggingEnabled {
		if err := manager.SetEnabled(false); err != nil {
			logger.Warn("disable logging", "error", err)
		}
	}
	m.SetLoggingEnabled(manager.Enabled())

	state := telemetry.NewState()
	var disp *display.Display
	var notifiers []telemetry.Notifier
	if cfg.Display.Enabled {
		disp = display.New(os.Stdout, manager, logger)
		notifiers = append(notifiers, disp)
	}
	sampler := telemetry.NewSampler(src, state, telemetry.SamplerOptions{
		Interval:    store.SampleInterval,
		LockTimeout: ms(cfg.LockTimeoutMs),
		Settle:      ms(cfg.SettleMs),
		Recorder:    manager,
		Notifiers:   notifiers,
		Metrics:     m,
		Logger:      logger,
	})

	outputs, err := initOutputs(&cfg, settings.SampleIntervalMs)
	if err != nil {
		return 1, err
	}
	defer func() {
		for _, e := range outputs {
			e.Out.Close()
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var restart atomic.Bool
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return sampler.Run(ctx) })
	g.Go(func() error { return selector.Run(ctx) })
	if disp != nil {
		g.Go(func() error { return disp.Run(ctx) })
	}
	for _, e := range outputs {
		g.Go(func() error {
			return output.Run(ctx, e.Type, e.Out, state, ms(e.IntervalMs), logger)
		})
	}
	if cfg.ButtonPin != "" {
		pin, err := openPin(cfg.ButtonPin)
		if err != nil {
			return 1, err
		}
		b, err := button.New(pin, buttonHandler(manager, func() {
			restart.Store(true)
			cancel()
		}, logger), logger)
		if err != nil {
			return 1, fmt.Errorf("button: %w", err)
		}
		g.Go(func() error { return b.Run(ctx) })
	}
	if cfg.HTTPAddr != "" {
		api := httpapi.New(state, manager, store, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger)
		g.Go(func() error { return api.ListenAndServe(ctx, cfg.HTTPAddr) })
	}
	if cfg.ModbusAddr != "" {
		srv, err := modbusapi.NewServer(cfg.ModbusAddr, modbusapi.NewHandler(state, manager, logger))
		if err != nil {
			return 1, fmt.Errorf("modbus: %w", err)
		}
		g.Go(func() error {
			<-ctx.Done()
			return srv.Stop()
		})
	}

	logger.Info("running", "sensor", cfg.SensorType, "storage", manager.CurrentBackend().String(), "log", manager.CurrentPath())
	err = g.Wait()
	if restart.Load() {
		logger.Info("restart requested")
		return exitRestart, nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return 1, err
	}
	logger.Info("stopped")
	return 0, nil
}

// computeCycleTime is the time one sampling cycle spends in settle delays:
// three between the four register reads of each channel plus one between
// channels.
func computeCycleTime(cfg config.Config) time.Duration {
	settle := ms(cfg.SettleMs)
	n := len(sensor.Channels)
	return time.Duration(3*n+n-1) * settle
}

func newSource(cfg config.Config) (sensor.Source, error) {
	switch cfg.SensorType {
	case "simulation":
		return sensor.NewFakeSensor(cfg.Calibration, time.Now().UnixNano()), nil
	case "real":
		addrs := make(map[sensor.ChannelID]uint16, len(sensor.Channels))
		for i, ch := range sensor.Channels {
			if i < len(cfg.I2C.Addresses) {
				addrs[ch] = uint16(cfg.I2C.Addresses[i])
			}
		}
		return sensor.OpenINA219(cfg.I2C.Bus, addrs, sensor.INA219Options{
			Calibration:      cfg.Calibration,
			CalibrationValue: uint16(cfg.CalibrationValue),
			Settle:           ms(cfg.SettleMs),
		})
	default:
		return nil, fmt.Errorf("unknown sensor type %q", cfg.SensorType)
	}
}

func newMedium(cfg config.Config) (storage.Medium, error) {
	m := storage.NewDirMedium(cfg.Storage.RemovableRoot)
	m.RequireMountPoint = cfg.Storage.RequireMountPoint
	if cfg.Storage.CardDetectPin != "" {
		pin, err := openPin(cfg.Storage.CardDetectPin)
		if err != nil {
			return nil, err
		}
		if err := pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
			return nil, fmt.Errorf("card detect: %w", err)
		}
		m.Detect = pin
	}
	return m, nil
}

func openPin(name string) (gpio.PinIO, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("gpio %s not found", name)
	}
	return pin, nil
}

func initOutputs(cfg *config.Config, defaultInterval int) ([]outputEntry, error) {
	entries := make([]outputEntry, 0, len(cfg.Outputs))
	for i := range cfg.Outputs {
		oc := &cfg.Outputs[i]
		if oc.IntervalMs == 0 {
			oc.IntervalMs = defaultInterval
		}
		var out output.Output
		var err error
		switch strings.ToLower(oc.Type) {
		case "console":
			out = console.NewConsole()
		case "mqtt":
			var mc config.MQTTConfig
			if oc.MQTT != nil {
				mc = *oc.MQTT
			}
			out, err = mqtt.NewMQTT(mc, slog.Default())
		case "redis":
			var rc config.RedisConfig
			if oc.Redis != nil {
				rc = *oc.Redis
			}
			out, err = redis.NewRedis(rc)
		default:
			err = fmt.Errorf("unknown output %q", oc.Type)
		}
		if err != nil {
			for _, e := range entries {
				e.Out.Close()
			}
			return nil, fmt.Errorf("output %s: %w", oc.Type, err)
		}
		entries = append(entries, outputEntry{Type: oc.Type, IntervalMs: oc.IntervalMs, Out: out})
	}
	return entries, nil
}

type logControl interface {
	Enabled() bool
	SetEnabled(on bool) error
	Rotate() error
}

func buttonHandler(log logControl, restart func(), logger *slog.Logger) func(button.Action) {
	return func(a button.Action) {
		var err error
		switch a {
		case button.ToggleLogging:
			err = log.SetEnabled(!log.Enabled())
		case button.NewFile:
			if err = log.SetEnabled(false); err == nil {
				err = log.Rotate()
			}
		case button.Restart:
			restart()
		}
		if err != nil {
			logger.Warn("button action", "action", a.String(), "error", err)
		}
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
