package engine

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibrecon/internal/broker"
)

// Config holds engine configuration.
type Config struct {
	// Gateway endpoint and API client.
	Host     string
	Port     int
	ClientID int
	Account  string

	// Outbound throttle. The gateway rejects clients above 50 messages per
	// second.
	MaxRequestsPerSecond float64
	Burst                int

	Reconnect ReconnectConfig

	// Order defaults.
	DefaultTIF      broker.TimeInForce
	DefaultTickSize decimal.Decimal
	OutsideRTH      bool

	// IDTimeout bounds an order-id round trip when the caller's context has
	// no deadline.
	IDTimeout time.Duration

	// InjectBuffer is the capacity of the internal event channel.
	InjectBuffer int
}

// ReconnectConfig controls the reconnect backoff.
type ReconnectConfig struct {
	Enabled         bool
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration // zero retries forever
	MaxTries        uint64        // zero means unlimited
}

// DefaultConfig returns default engine config.
func DefaultConfig() Config {
	return Config{
		Host:                 "127.0.0.1",
		Port:                 7497,
		ClientID:             1,
		MaxRequestsPerSecond: 45,
		Burst:                5,
		Reconnect: ReconnectConfig{
			Enabled:         true,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     30 * time.Second,
		},
		DefaultTIF:      broker.TIFDay,
		DefaultTickSize: decimal.RequireFromString("0.01"),
		IDTimeout:       10 * time.Second,
		InjectBuffer:    256,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRequestsPerSecond <= 0 {
		c.MaxRequestsPerSecond = def.MaxRequestsPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.DefaultTIF == "" {
		c.DefaultTIF = def.DefaultTIF
	}
	if !c.DefaultTickSize.IsPositive() {
		c.DefaultTickSize = def.DefaultTickSize
	}
	if c.IDTimeout <= 0 {
		c.IDTimeout = def.IDTimeout
	}
	if c.InjectBuffer <= 0 {
		c.InjectBuffer = def.InjectBuffer
	}
	if c.Reconnect.InitialInterval <= 0 {
		c.Reconnect.InitialInterval = def.Reconnect.InitialInterval
	}
	if c.Reconnect.MaxInterval <= 0 {
		c.Reconnect.MaxInterval = def.Reconnect.MaxInterval
	}
	return c
}

func (c Config) params() broker.ConnectParams {
	return broker.ConnectParams{
		Host:     c.Host,
		Port:     c.Port,
		ClientID: c.ClientID,
		Account:  c.Account,
	}
}
