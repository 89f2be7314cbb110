package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ericogr/ina219-logger/pkg/sensor"
	"gopkg.in/yaml.v3"
)

type MQTTConfig struct {
	Server          string `json:"server" yaml:"server"`
	Username        string `json:"username" yaml:"username"`
	Password        string `json:"password" yaml:"password"`
	ClientID        string `json:"client_id" yaml:"client_id"`
	Topic           string `json:"topic" yaml:"topic"`
	DiscoveryPrefix string `json:"discovery_prefix" yaml:"discovery_prefix"`
	DeviceName      string `json:"device_name" yaml:"device_name"`
}

type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
	Channel   string `json:"channel" yaml:"channel"`
}

type OutputConfig struct {
	Type       string       `json:"type" yaml:"type"`
	IntervalMs int          `json:"interval_ms,omitempty" yaml:"interval_ms,omitempty"`
	MQTT       *MQTTConfig  `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
	Redis      *RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

type I2CConfig struct {
	Bus string `json:"bus" yaml:"bus"`
	// Addresses holds the device address of sensor1 and sensor2.
	Addresses []int `json:"addresses" yaml:"addresses"`
}

type StorageConfig struct {
	RemovableRoot     string `json:"removable_root" yaml:"removable_root"`
	FallbackRoot      string `json:"fallback_root" yaml:"fallback_root"`
	PollIntervalMs    int    `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	CardDetectPin     string `json:"card_detect_pin" yaml:"card_detect_pin"`
	RequireMountPoint bool   `json:"require_mount_point" yaml:"require_mount_point"`
	MaxPathLen        int    `json:"max_path_len" yaml:"max_path_len"`
}

type DisplayConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type Config struct {
	I2C              I2CConfig          `json:"i2c" yaml:"i2c"`
	SensorType       string             `json:"sensor_type" yaml:"sensor_type"`
	Calibration      sensor.Calibration `json:"calibration" yaml:"calibration"`
	CalibrationValue int                `json:"calibration_value" yaml:"calibration_value"`
	SettleMs         int                `json:"settle_ms" yaml:"settle_ms"`
	SampleIntervalMs int                `json:"sample_interval_ms" yaml:"sample_interval_ms"`
	LockTimeoutMs    int                `json:"lock_timeout_ms" yaml:"lock_timeout_ms"`
	Storage          StorageConfig      `json:"storage" yaml:"storage"`
	SettingsDB       string             `json:"settings_db" yaml:"settings_db"`
	ButtonPin        string             `json:"button_pin" yaml:"button_pin"`
	HTTPAddr         string             `json:"http_addr" yaml:"http_addr"`
	ModbusAddr       string             `json:"modbus_addr" yaml:"modbus_addr"`
	Display          DisplayConfig      `json:"display" yaml:"display"`
	Outputs          []OutputConfig     `json:"outputs" yaml:"outputs"`
	LogLevel         string             `json:"log_level" yaml:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		I2C:              I2CConfig{Bus: "1", Addresses: []int{0x40, 0x41}},
		SensorType:       "real",
		Calibration:      sensor.DefaultCalibration(),
		CalibrationValue: int(sensor.DefaultCalibrationValue),
		SettleMs:         10,
		SampleIntervalMs: DefaultSampleIntervalMs,
		LockTimeoutMs:    100,
		Storage: StorageConfig{
			RemovableRoot:  "/media/sdcard",
			FallbackRoot:   "/var/lib/ina219-logger/logs",
			PollIntervalMs: 1000,
			MaxPathLen:     63,
		},
		SettingsDB: "/var/lib/ina219-logger/settings.db",
		HTTPAddr:   ":8080",
		Outputs:    []OutputConfig{{Type: "console", IntervalMs: 1000}},
		LogLevel:   "info",
	}
}

// LoadFromFlags loads configuration from os.Args.
func LoadFromFlags() (Config, error) {
	return Load(os.Args[1:])
}

// Load reads an optional config file (YAML when the extension says so,
// otherwise JSON) and then applies flags from args on top of it.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("ina219-logger", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "Path to JSON or YAML config file")
	flagI2CBus := fs.String("i2c-bus", "", "I2C bus (e.g., '1' -> /dev/i2c-1)")
	flagAddresses := fs.String("i2c-addresses", "", "Comma-separated sensor addresses (decimal or 0x hex), sensor1 first")
	flagSensorType := fs.String("sensor-type", "", "sensor type: real|simulation")
	flagInterval := fs.Int("sample-interval-ms", -1, "Initial sample interval in ms when none is stored")
	flagOutputs := fs.String("outputs", "", "Comma-separated outputs (console,mqtt,redis)")
	flagOutputIntervals := fs.String("output-intervals", "", "Comma-separated output intervals e.g. console=1000,mqtt=5000")
	flagMQTTServer := fs.String("mqtt-server", "", "MQTT server (tcp://host:port)")
	flagMQTTUser := fs.String("mqtt-user", "", "MQTT username")
	flagMQTTPass := fs.String("mqtt-pass", "", "MQTT password")
	flagClientID := fs.String("mqtt-client-id", "", "MQTT client id")
	flagTopic := fs.String("mqtt-topic", "", "MQTT topic base")
	flagRedisAddr := fs.String("redis-addr", "", "Redis address (host:port)")
	flagRemovable := fs.String("removable-root", "", "Log directory on the removable medium")
	flagFallback := fs.String("fallback-root", "", "Log directory on internal storage")
	flagCardDetect := fs.String("card-detect-pin", "", "GPIO name of the active-low card-detect input")
	flagButton := fs.String("button-pin", "", "GPIO name of the logging button")
	flagSettingsDB := fs.String("settings-db", "", "Path of the persisted settings database")
	flagHTTP := fs.String("http-addr", "", "HTTP listen address")
	flagModbus := fs.String("modbus-addr", "", "Modbus TCP listen address, empty disables")
	flagDisplay := fs.Bool("display", false, "Render the status display on stdout")
	flagLogLevel := fs.String("log-level", "", "debug|info|warn|error")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()

	if *cfgPath != "" {
		b, err := os.ReadFile(*cfgPath)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := unmarshal(*cfgPath, b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if *flagI2CBus != "" {
		cfg.I2C.Bus = *flagI2CBus
	}
	if *flagAddresses != "" {
		addrs, err := parseAddresses(*flagAddresses)
		if err != nil {
			return cfg, fmt.Errorf("i2c-addresses: %w", err)
		}
		cfg.I2C.Addresses = addrs
	}
	if *flagSensorType != "" {
		cfg.SensorType = *flagSensorType
	}
	if *flagInterval != -1 {
		cfg.SampleIntervalMs = *flagInterval
	}
	if *flagOutputs != "" {
		parts := parseCSV(*flagOutputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: p})
		}
		cfg.Outputs = outs
	}
	if *flagOutputIntervals != "" {
		outIntervals := map[string]int{}
		for _, p := range parseCSV(*flagOutputIntervals) {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			if v, err := strconv.Atoi(strings.TrimSpace(kv[1])); err == nil {
				outIntervals[strings.TrimSpace(kv[0])] = v
			}
		}
		for i := range cfg.Outputs {
			if v, ok := outIntervals[cfg.Outputs[i].Type]; ok {
				cfg.Outputs[i].IntervalMs = v
			}
		}
	}
	if *flagMQTTServer != "" || *flagMQTTUser != "" || *flagMQTTPass != "" || *flagClientID != "" || *flagTopic != "" {
		out := outputOfType(&cfg, "mqtt")
		if out.MQTT == nil {
			out.MQTT = &MQTTConfig{}
		}
		setIf(&out.MQTT.Server, *flagMQTTServer)
		setIf(&out.MQTT.Username, *flagMQTTUser)
		setIf(&out.MQTT.Password, *flagMQTTPass)
		setIf(&out.MQTT.ClientID, *flagClientID)
		setIf(&out.MQTT.Topic, *flagTopic)
	}
	if *flagRedisAddr != "" {
		out := outputOfType(&cfg, "redis")
		if out.Redis == nil {
			out.Redis = &RedisConfig{}
		}
		out.Redis.Addr = *flagRedisAddr
	}
	setIf(&cfg.Storage.RemovableRoot, *flagRemovable)
	setIf(&cfg.Storage.FallbackRoot, *flagFallback)
	setIf(&cfg.Storage.CardDetectPin, *flagCardDetect)
	setIf(&cfg.ButtonPin, *flagButton)
	setIf(&cfg.SettingsDB, *flagSettingsDB)
	setIf(&cfg.HTTPAddr, *flagHTTP)
	setIf(&cfg.ModbusAddr, *flagModbus)
	setIf(&cfg.LogLevel, *flagLogLevel)
	if *flagDisplay {
		cfg.Display.Enabled = true
	}

	for i := range cfg.Outputs {
		if cfg.Outputs[i].IntervalMs == 0 {
			cfg.Outputs[i].IntervalMs = cfg.SampleIntervalMs
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c Config) Validate() error {
	var errs []error
	switch c.SensorType {
	case "real":
		if len(c.I2C.Addresses) != len(sensor.Channels) {
			errs = append(errs, fmt.Errorf("i2c addresses: want %d, got %d", len(sensor.Channels), len(c.I2C.Addresses)))
		}
	case "simulation":
	default:
		errs = append(errs, fmt.Errorf("unknown sensor type %q", c.SensorType))
	}
	if err := ValidateInterval(c.SampleIntervalMs); err != nil {
		errs = append(errs, err)
	}
	if c.Storage.FallbackRoot == "" {
		errs = append(errs, errors.New("storage fallback_root is required"))
	}
	if c.Storage.RemovableRoot != "" && filepath.Clean(c.Storage.RemovableRoot) == filepath.Clean(c.Storage.FallbackRoot) {
		errs = append(errs, errors.New("storage roots must differ"))
	}
	for _, o := range c.Outputs {
		switch strings.ToLower(o.Type) {
		case "console", "mqtt", "redis":
		default:
			errs = append(errs, fmt.Errorf("unknown output %q", o.Type))
		}
		if o.IntervalMs < 0 {
			errs = append(errs, fmt.Errorf("output %s: negative interval_ms %d", o.Type, o.IntervalMs))
		}
	}
	return errors.Join(errs...)
}

func unmarshal(path string, b []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(b, cfg)
	default:
		return json.Unmarshal(b, cfg)
	}
}

// outputOfType returns the first output of type t, appending one if missing.
func outputOfType(cfg *Config, t string) *OutputConfig {
	for i := range cfg.Outputs {
		if strings.EqualFold(cfg.Outputs[i].Type, t) {
			return &cfg.Outputs[i]
		}
	}
	cfg.Outputs = append(cfg.Outputs, OutputConfig{Type: t})
	return &cfg.Outputs[len(cfg.Outputs)-1]
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func parseIntOrHex(s string) (int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseInt(s[2:], 16, 0)
		return int(v), err
	}
	v, err := strconv.Atoi(s)
	return v, err
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseAddresses(s string) ([]int, error) {
	parts := parseCSV(s)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := parseIntOrHex(p)
		if err != nil {
			return nil, fmt.Errorf("invalid address '%s': %w", p, err)
		}
		if v < 0x03 || v > 0x77 {
			return nil, fmt.Errorf("address 0x%02x out of 7-bit range", v)
		}
		out = append(out, v)
	}
	return out, nil
}
