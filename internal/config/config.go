package config

import (
	"time"

	"feedpipe.com/internal/pipe"
	"feedpipe.com/pkg/xerr"
)

// Cfg is the whole feedpipe configuration.
type Cfg struct {
	Name   string       `mapstructure:"name" yaml:"name"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
	Pipe   PipeConfig   `mapstructure:"pipe" yaml:"pipe"`
	Stream StreamConfig `mapstructure:"stream" yaml:"stream"`
	Feed   FeedConfig   `mapstructure:"feed" yaml:"feed"`
	Sinks  SinksConfig  `mapstructure:"sinks" yaml:"sinks"`
	Status StatusConfig `mapstructure:"status" yaml:"status"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
}

type PipeConfig struct {
	Capacity int         `mapstructure:"capacity" yaml:"capacity"`
	Retry    RetryConfig `mapstructure:"retry" yaml:"retry"`
}

type RetryConfig struct {
	WaitTime            time.Duration `mapstructure:"wait_time" yaml:"wait_time"`
	MaxRetries          int           `mapstructure:"max_retries" yaml:"max_retries"`
	MaxWaitTimePerRetry time.Duration `mapstructure:"max_wait_time_per_retry" yaml:"max_wait_time_per_retry"`
}

func (r RetryConfig) Policy() pipe.RetryPolicy {
	return pipe.RetryPolicy{WaitTime: r.WaitTime, MaxRetries: r.MaxRetries, MaxWaitPerRetry: r.MaxWaitTimePerRetry}
}

type StreamConfig struct {
	Heartbeat         time.Duration `mapstructure:"heartbeat" yaml:"heartbeat"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval" yaml:"reconnect_interval"`
}

type FeedConfig struct {
	URL              string   `mapstructure:"url" yaml:"url"`
	Channels         []string `mapstructure:"channels" yaml:"channels"`
	Pairs            []string `mapstructure:"pairs" yaml:"pairs"`
	HeartbeatChannel string   `mapstructure:"heartbeat_channel" yaml:"heartbeat_channel"`
}

type SinksConfig struct {
	// Broker is one of none, mem, nats or redis.
	Broker  string        `mapstructure:"broker" yaml:"broker"`
	NatsURL string        `mapstructure:"nats_url" yaml:"nats_url"`
	Redis   RedisConfig   `mapstructure:"redis" yaml:"redis"`
	Breaker BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
	Influx  InfluxConfig  `mapstructure:"influx" yaml:"influx"`
	// Tail logs every update at debug level.
	Tail bool `mapstructure:"tail" yaml:"tail"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

type BreakerConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures" yaml:"consecutive_failures"`
	Timeout             time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type InfluxConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	URL           string        `mapstructure:"url" yaml:"url"`
	Token         string        `mapstructure:"token" yaml:"token"`
	Org           string        `mapstructure:"org" yaml:"org"`
	Bucket        string        `mapstructure:"bucket" yaml:"bucket"`
	BatchSize     uint          `mapstructure:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
}

type StatusConfig struct {
	Addr       string        `mapstructure:"addr" yaml:"addr"`
	StaleAfter time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
}

// Defaults are applied under the yaml file and env overrides.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"name":                               "feedpipe",
		"log.level":                          "info",
		"pipe.capacity":                      1000,
		"pipe.retry.wait_time":               "100ms",
		"pipe.retry.max_retries":             3,
		"pipe.retry.max_wait_time_per_retry": "1s",
		"stream.heartbeat":                   "30s",
		"stream.reconnect_interval":          "5s",
		"feed.url":                           "wss://advanced-trade-ws-user.coinbase.com",
		"feed.channels":                      []string{"user"},
		"feed.heartbeat_channel":             "heartbeats",
		"sinks.broker":                       "none",
		"sinks.breaker.consecutive_failures": 5,
		"sinks.breaker.timeout":              "3s",
		"sinks.influx.batch_size":            2000,
		"sinks.influx.flush_interval":        "1s",
		"status.addr":                        ":8090",
	}
}

func (c Cfg) Validate() error {
	switch {
	case c.Pipe.Capacity <= 0:
		return xerr.New(xerr.InvalidConfig, "config: pipe.capacity must be positive")
	case c.Feed.URL == "":
		return xerr.New(xerr.InvalidConfig, "config: feed.url is required")
	case len(c.Feed.Channels) == 0 || len(c.Feed.Pairs) == 0:
		return xerr.New(xerr.InvalidConfig, "config: feed.channels and feed.pairs are required")
	}
	switch c.Sinks.Broker {
	case "", "none", "mem":
	case "nats":
		if c.Sinks.NatsURL == "" {
			return xerr.New(xerr.InvalidConfig, "config: sinks.nats_url is required for the nats broker")
		}
	case "redis":
		if c.Sinks.Redis.Addr == "" {
			return xerr.New(xerr.InvalidConfig, "config: sinks.redis.addr is required for the redis broker")
		}
	default:
		return xerr.Newf(xerr.InvalidConfig, "config: unknown broker %q", c.Sinks.Broker)
	}
	if c.Sinks.Influx.Enabled && (c.Sinks.Influx.URL == "" || c.Sinks.Influx.Bucket == "") {
		return xerr.New(xerr.InvalidConfig, "config: sinks.influx.url and bucket are required when enabled")
	}
	return nil
}
