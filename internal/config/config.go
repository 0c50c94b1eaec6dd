// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/alerting"
	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/broker/ibkr"
	"github.com/tathienbao/ibrecon/internal/broker/paper"
	"github.com/tathienbao/ibrecon/internal/engine"
	"github.com/tathienbao/ibrecon/internal/metrics"
	"github.com/tathienbao/ibrecon/internal/types"
	"gopkg.in/yaml.v3"
)

// Config represents the full application configuration.
type Config struct {
	Gateway     GatewayConfig     `yaml:"gateway"`
	Throttle    ThrottleConfig    `yaml:"throttle"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Orders      OrdersConfig      `yaml:"orders"`
	Paper       PaperConfig       `yaml:"paper"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// GatewayConfig holds the TWS/IB Gateway endpoint.
type GatewayConfig struct {
	Type              string `yaml:"type"` // ibkr | paper
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	ClientID          int    `yaml:"client_id"`
	Account           string `yaml:"account"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
}

// ThrottleConfig holds the outbound request throttle.
type ThrottleConfig struct {
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second"`
	Burst                int     `yaml:"burst"`
}

// ReconnectConfig holds reconnect backoff settings.
type ReconnectConfig struct {
	Enabled           bool   `yaml:"enabled"`
	InitialIntervalMs int    `yaml:"initial_interval_ms"`
	MaxIntervalMs     int    `yaml:"max_interval_ms"`
	MaxElapsedSec     int    `yaml:"max_elapsed_sec"`
	MaxTries          uint64 `yaml:"max_tries"`
}

// OrdersConfig holds order defaults.
type OrdersConfig struct {
	DefaultTIF      string  `yaml:"default_tif"`
	DefaultTickSize float64 `yaml:"default_tick_size"`
	OutsideRTH      bool    `yaml:"outside_rth"`
	IDTimeoutSec    int     `yaml:"id_timeout_sec"`
}

// PaperConfig holds simulated gateway settings.
type PaperConfig struct {
	InitialCash       float64      `yaml:"initial_cash"`
	SlippageTicks     int          `yaml:"slippage_ticks"`
	CommissionPerSide float64      `yaml:"commission_per_side"`
	Walks             []WalkConfig `yaml:"walks"`
}

// WalkConfig drives a simulated price series for one synthesized symbol.
type WalkConfig struct {
	Symbol     string  `yaml:"symbol"` // e.g. ESU2016_FUT
	Start      float64 `yaml:"start"`
	Tick       float64 `yaml:"tick"`
	IntervalMs int     `yaml:"interval_ms"`
	Seed       int64   `yaml:"seed"`
}

// Interval returns the delay between simulated price steps.
func (w WalkConfig) Interval() time.Duration {
	return time.Duration(w.IntervalMs) * time.Millisecond
}

// PersistenceConfig holds the order-id cache and journal store.
type PersistenceConfig struct {
	Type      string `yaml:"type"` // memory | sqlite | redis
	Path      string `yaml:"path"` // for sqlite
	RedisURL  string `yaml:"redis_url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// MetricsConfig holds metrics and feed settings.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Port     int    `yaml:"port"`
	Path     string `yaml:"path"`
	FeedPath string `yaml:"feed_path"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Channels []ChannelConfig `yaml:"channels"`
	Events   []string        `yaml:"events"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type     string `yaml:"type"` // console | telegram
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
	BaseURL  string `yaml:"base_url"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// Default returns the configuration used for omitted fields.
func Default() Config {
	return Config{
		Gateway: GatewayConfig{
			Type:              "ibkr",
			Host:              "127.0.0.1",
			Port:              7497,
			ClientID:          1,
			ConnectTimeoutSec: 10,
		},
		Throttle: ThrottleConfig{
			MaxRequestsPerSecond: 45,
			Burst:                5,
		},
		Reconnect: ReconnectConfig{
			Enabled:           true,
			InitialIntervalMs: 500,
			MaxIntervalMs:     30000,
		},
		Orders: OrdersConfig{
			DefaultTIF:      "DAY",
			DefaultTickSize: 0.01,
			IDTimeoutSec:    10,
		},
		Paper: PaperConfig{
			InitialCash:       100000,
			CommissionPerSide: 0.62,
		},
		Persistence: PersistenceConfig{
			Type:      "memory",
			KeyPrefix: "ibrecon",
		},
		Metrics: MetricsConfig{
			Port:     9090,
			Path:     "/metrics",
			FeedPath: "/ws",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes. ${VAR} references are
// expanded from the environment before parsing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	switch c.Gateway.Type {
	case "ibkr", "paper":
	default:
		errs = append(errs, fmt.Sprintf("gateway.type must be 'ibkr' or 'paper', got '%s'", c.Gateway.Type))
	}
	if c.Gateway.Type == "ibkr" {
		if c.Gateway.Host == "" {
			errs = append(errs, "gateway.host is required")
		}
		if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
			errs = append(errs, "gateway.port must be between 1 and 65535")
		}
	}
	if c.Gateway.ClientID < 0 {
		errs = append(errs, "gateway.client_id must not be negative")
	}
	if c.Gateway.ConnectTimeoutSec < 0 {
		errs = append(errs, "gateway.connect_timeout_sec must not be negative")
	}

	if c.Throttle.MaxRequestsPerSecond <= 0 || c.Throttle.MaxRequestsPerSecond > 50 {
		errs = append(errs, "throttle.max_requests_per_second must be in (0, 50]")
	}
	if c.Throttle.Burst <= 0 {
		errs = append(errs, "throttle.burst must be positive")
	}

	if c.Reconnect.InitialIntervalMs <= 0 {
		errs = append(errs, "reconnect.initial_interval_ms must be positive")
	}
	if c.Reconnect.MaxIntervalMs < c.Reconnect.InitialIntervalMs {
		errs = append(errs, "reconnect.max_interval_ms must be >= initial_interval_ms")
	}
	if c.Reconnect.MaxElapsedSec < 0 {
		errs = append(errs, "reconnect.max_elapsed_sec must not be negative")
	}

	if !broker.TimeInForce(strings.ToUpper(c.Orders.DefaultTIF)).Valid() {
		errs = append(errs, fmt.Sprintf("orders.default_tif '%s' is not supported", c.Orders.DefaultTIF))
	}
	if c.Orders.DefaultTickSize <= 0 {
		errs = append(errs, "orders.default_tick_size must be positive")
	}

	if c.Paper.SlippageTicks < 0 {
		errs = append(errs, "paper.slippage_ticks must not be negative")
	}
	for i, w := range c.Paper.Walks {
		if w.Symbol == "" {
			errs = append(errs, fmt.Sprintf("paper.walks[%d].symbol is required", i))
		}
		if w.Start <= 0 || w.Tick <= 0 || w.IntervalMs <= 0 {
			errs = append(errs, fmt.Sprintf("paper.walks[%d]: start, tick and interval_ms must be positive", i))
		}
	}

	switch c.Persistence.Type {
	case "memory":
	case "sqlite":
		if c.Persistence.Path == "" {
			errs = append(errs, "persistence.path is required for sqlite")
		}
	case "redis":
		if c.Persistence.RedisURL == "" {
			errs = append(errs, "persistence.redis_url is required for redis")
		}
	default:
		errs = append(errs, "persistence.type must be 'memory', 'sqlite' or 'redis'")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			errs = append(errs, "metrics.port must be between 1 and 65535")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			errs = append(errs, "metrics.path must start with '/'")
		}
		if c.Metrics.FeedPath != "" && !strings.HasPrefix(c.Metrics.FeedPath, "/") {
			errs = append(errs, "metrics.feed_path must start with '/'")
		}
	}

	if c.Alerting.Enabled {
		for i, ch := range c.Alerting.Channels {
			switch ch.Type {
			case "console":
			case "telegram":
				if ch.BotToken == "" || ch.ChatID == "" {
					errs = append(errs, fmt.Sprintf("alerting.channels[%d]: telegram requires bot_token and chat_id", i))
				}
			default:
				errs = append(errs, fmt.Sprintf("alerting.channels[%d]: unknown type '%s'", i, ch.Type))
			}
		}
		for _, ev := range c.Alerting.Events {
			if ev == "all" {
				continue
			}
			if _, ok := alerting.ParseAlertEvent(ev); !ok {
				errs = append(errs, fmt.Sprintf("alerting.events: unknown event '%s'", ev))
			}
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level '%s' is not supported", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, "logging.format must be 'json' or 'text'")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// ConnectTimeout returns the gateway connect timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Gateway.ConnectTimeoutSec) * time.Second
}

// ReconnectInitial returns the first reconnect delay.
func (c *Config) ReconnectInitial() time.Duration {
	return time.Duration(c.Reconnect.InitialIntervalMs) * time.Millisecond
}

// ReconnectMax returns the reconnect delay cap.
func (c *Config) ReconnectMax() time.Duration {
	return time.Duration(c.Reconnect.MaxIntervalMs) * time.Millisecond
}

// ReconnectMaxElapsed returns how long reconnects are retried. Zero retries
// forever.
func (c *Config) ReconnectMaxElapsed() time.Duration {
	return time.Duration(c.Reconnect.MaxElapsedSec) * time.Second
}

// IDTimeout returns the order-id round trip bound.
func (c *Config) IDTimeout() time.Duration {
	return time.Duration(c.Orders.IDTimeoutSec) * time.Second
}

// EngineConfig converts to engine.Config.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Host:                 c.Gateway.Host,
		Port:                 c.Gateway.Port,
		ClientID:             c.Gateway.ClientID,
		Account:              c.Gateway.Account,
		MaxRequestsPerSecond: c.Throttle.MaxRequestsPerSecond,
		Burst:                c.Throttle.Burst,
		Reconnect: engine.ReconnectConfig{
			Enabled:         c.Reconnect.Enabled,
			InitialInterval: c.ReconnectInitial(),
			MaxInterval:     c.ReconnectMax(),
			MaxElapsed:      c.ReconnectMaxElapsed(),
			MaxTries:        c.Reconnect.MaxTries,
		},
		DefaultTIF:      broker.TimeInForce(strings.ToUpper(c.Orders.DefaultTIF)),
		DefaultTickSize: decimal.NewFromFloat(c.Orders.DefaultTickSize),
		OutsideRTH:      c.Orders.OutsideRTH,
		IDTimeout:       c.IDTimeout(),
	}
}

// IBKRConfig converts to ibkr.Config.
func (c *Config) IBKRConfig() ibkr.Config {
	cfg := ibkr.DefaultConfig()
	cfg.Host = c.Gateway.Host
	cfg.Port = c.Gateway.Port
	cfg.ClientID = c.Gateway.ClientID
	if t := c.ConnectTimeout(); t > 0 {
		cfg.ConnectTimeout = t
	}
	cfg.PaperTrading = ibkr.IsPaperPort(c.Gateway.Port)
	return cfg
}

// PaperConfig converts to paper.Config.
func (c *Config) PaperConfig() paper.Config {
	cfg := paper.DefaultConfig()
	if c.Gateway.Account != "" {
		cfg.Account = c.Gateway.Account
	}
	cfg.InitialCash = decimal.NewFromFloat(c.Paper.InitialCash)
	cfg.SlippageTicks = c.Paper.SlippageTicks
	cfg.CommissionPerSide = decimal.NewFromFloat(c.Paper.CommissionPerSide)
	return cfg
}

// MetricsServerConfig converts to metrics.ServerConfig.
func (c *Config) MetricsServerConfig() metrics.ServerConfig {
	cfg := metrics.DefaultServerConfig()
	cfg.Port = c.Metrics.Port
	cfg.MetricsPath = c.Metrics.Path
	cfg.FeedPath = c.Metrics.FeedPath
	return cfg
}

// AlertEvents returns the enabled alert events. Nil enables every event.
func (c *Config) AlertEvents() []alerting.AlertEvent {
	var out []alerting.AlertEvent
	for _, name := range c.Alerting.Events {
		if name == "all" {
			return nil
		}
		if ev, ok := alerting.ParseAlertEvent(name); ok {
			out = append(out, ev)
		}
	}
	return out
}

// IsAlertEventEnabled checks if an alert event type is enabled.
func (c *Config) IsAlertEventEnabled(event string) bool {
	if !c.Alerting.Enabled {
		return false
	}
	if len(c.Alerting.Events) == 0 {
		return true
	}
	for _, e := range c.Alerting.Events {
		if e == event || e == "all" {
			return true
		}
	}
	return false
}
