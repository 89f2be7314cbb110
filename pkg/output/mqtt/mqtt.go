package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ericogr/ina219-logger/pkg/config"
	"github.com/ericogr/ina219-logger/pkg/output"
	"github.com/ericogr/ina219-logger/pkg/sensor"
	"github.com/ericogr/ina219-logger/pkg/telemetry"
)

const (
	// defaults
	DefaultServer          = "tcp://localhost:1883"
	DefaultClientID        = "ina219-logger"
	DefaultStateTopic      = "ina219"
	DefaultDiscoveryPrefix = "homeassistant"
	// discovery payload keys/values
	keyName                = "name"
	keyStateTopic          = "state_topic"
	keyUnitOfMeasurement   = "unit_of_measurement"
	keyDeviceClass         = "device_class"
	keyStateClass          = "state_class"
	keyValueTemplate       = "value_template"
	keyJSONAttributesTopic = "json_attributes_topic"
	keyUniqueID            = "unique_id"
	keyDevice              = "device"
	stateClassMeasurement  = "measurement"
)

// quantity is one Home Assistant sensor entity per channel.
type quantity struct {
	key         string
	unit        string
	deviceClass string
}

var quantities = []quantity{
	{"bus_voltage", "V", "voltage"},
	{"current", "mA", "current"},
	{"power", "mW", "power"},
}

type MQTTOutput struct {
	client     mqtt.Client
	stateTopic string
}

func NewMQTT(cfg config.MQTTConfig, logger *slog.Logger) (output.Output, error) {
	cfg = withDefaults(cfg)
	if logger == nil {
		logger = slog.Default()
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(cfg.ClientID).SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return newMQTT(client, cfg, logger.With("component", "mqtt")), nil
}

// newMQTT announces the discovery entities on an already connected client.
func newMQTT(client mqtt.Client, cfg config.MQTTConfig, logger *slog.Logger) *MQTTOutput {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MQTTOutput{client: client, stateTopic: cfg.Topic}
	if cfg.DiscoveryPrefix == "-" {
		return m
	}
	for _, ch := range sensor.Channels {
		for _, q := range quantities {
			topic, payload := discoveryEntry(cfg, ch, q)
			if err := publishJSON(client, topic, true, payload); err != nil {
				logger.Warn("mqtt discovery publish", "topic", topic, "error", err)
			}
		}
	}
	return m
}

func withDefaults(cfg config.MQTTConfig) config.MQTTConfig {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultStateTopic
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "INA219 " + cfg.ClientID
	}
	return cfg
}

func (m *MQTTOutput) Publish(f telemetry.Frame) error {
	for _, ch := range sensor.Channels {
		if err := publishJSON(m.client, formatStateTopic(m.stateTopic, ch), false, statePayload(f, ch)); err != nil {
			return err
		}
	}
	return nil
}

func (m *MQTTOutput) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	return nil
}

// helper: state topic of a channel; a %s in base is replaced by the channel name
func formatStateTopic(base string, ch sensor.ChannelID) string {
	if base == "" {
		base = DefaultStateTopic
	}
	if strings.Contains(base, "%s") {
		return fmt.Sprintf(base, ch)
	}
	return base + "/" + ch.String()
}

func statePayload(f telemetry.Frame, ch sensor.ChannelID) map[string]interface{} {
	s, avg := f.Channel(ch)
	return map[string]interface{}{
		"timestamp":     f.TimestampMs,
		"bus_voltage":   s.BusV,
		"shunt_voltage": s.ShuntMV,
		"current":       s.CurrentMA,
		"power":         s.PowerMW,
		"bus_avg":       avg.BusV,
		"shunt_avg":     avg.ShuntMV,
		"current_avg":   avg.CurrentMA,
		"power_avg":     avg.PowerMW,
		"raw_bus":       s.RawBus,
		"raw_shunt":     s.RawShunt,
		"raw_current":   s.RawCurrent,
		"raw_power":     s.RawPower,
	}
}

// helper: discovery config topic and payload for one channel quantity
func discoveryEntry(cfg config.MQTTConfig, ch sensor.ChannelID, q quantity) (string, map[string]interface{}) {
	uid := fmt.Sprintf("%s_%s_%s", cfg.ClientID, ch, q.key)
	topic := fmt.Sprintf("%s/sensor/%s/config", cfg.DiscoveryPrefix, uid)
	name := fmt.Sprintf("%s %s %s", cfg.DeviceName, ch, strings.ReplaceAll(q.key, "_", " "))
	payload := baseDiscoveryPayload(name, formatStateTopic(cfg.Topic, ch), uid, q)
	payload[keyDevice] = map[string]interface{}{
		"identifiers": []string{cfg.ClientID},
		"name":        cfg.DeviceName,
	}
	return topic, payload
}

// helper: base discovery payload map common to all entries
func baseDiscoveryPayload(name, stateTopic, uniqueID string, q quantity) map[string]interface{} {
	payload := map[string]interface{}{
		keyName:                name,
		keyStateTopic:          stateTopic,
		keyUnitOfMeasurement:   q.unit,
		keyDeviceClass:         q.deviceClass,
		keyStateClass:          stateClassMeasurement,
		keyValueTemplate:       "{{ value_json." + q.key + " }}",
		keyJSONAttributesTopic: stateTopic,
	}
	if uniqueID != "" {
		payload[keyUniqueID] = uniqueID
	}
	return payload
}

// helper: marshal and publish JSON payload
func publishJSON(client mqtt.Client, topic string, retained bool, payload map[string]interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := client.Publish(topic, 0, retained, b)
	token.Wait()
	return token.Error()
}
