package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ericogr/ina219-logger/pkg/config"
	"github.com/ericogr/ina219-logger/pkg/output"
	"github.com/ericogr/ina219-logger/pkg/sensor"
	"github.com/ericogr/ina219-logger/pkg/telemetry"
	"github.com/go-redis/redis/v8"
)

const (
	DefaultAddr      = "localhost:6379"
	DefaultKeyPrefix = "power-monitor"
	publishTimeout   = 2 * time.Second
)

// RedisOutput mirrors the latest frame into one hash per channel and
// announces each update on a pub/sub channel.
type RedisOutput struct {
	client  *redis.Client
	prefix  string
	channel string
	mu      sync.Mutex
}

func NewRedis(cfg config.RedisConfig) (output.Output, error) {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return newRedis(client, cfg), nil
}

func newRedis(client *redis.Client, cfg config.RedisConfig) *RedisOutput {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	channel := cfg.Channel
	if channel == "" {
		channel = prefix
	}
	return &RedisOutput{client: client, prefix: prefix, channel: channel}
}

func (r *RedisOutput) Publish(f telemetry.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	pipe := r.client.Pipeline()
	for _, ch := range sensor.Channels {
		pipe.HSet(ctx, hashKey(r.prefix, ch), frameFields(f, ch))
	}
	pipe.Publish(ctx, r.channel, f.TimestampMs)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

func (r *RedisOutput) Close() error { return r.client.Close() }

func hashKey(prefix string, ch sensor.ChannelID) string {
	return prefix + ":" + ch.String()
}

func frameFields(f telemetry.Frame, ch sensor.ChannelID) map[string]interface{} {
	s, avg := f.Channel(ch)
	return map[string]interface{}{
		"timestamp":     f.TimestampMs,
		"bus-voltage":   fmt.Sprintf("%.6f", s.BusV),
		"shunt-voltage": fmt.Sprintf("%.6f", s.ShuntMV),
		"current":       fmt.Sprintf("%.6f", s.CurrentMA),
		"power":         fmt.Sprintf("%.6f", s.PowerMW),
		"bus-avg":       fmt.Sprintf("%.6f", avg.BusV),
		"current-avg":   fmt.Sprintf("%.6f", avg.CurrentMA),
		"power-avg":     fmt.Sprintf("%.6f", avg.PowerMW),
		"raw-bus":       s.RawBus,
		"raw-current":   s.RawCurrent,
	}
}
