// Package ibkr provides a gateway Session over the TWS/IB Gateway socket API.
package ibkr

import (
	"net"
	"strconv"
	"time"
)

// Protocol version range offered during the handshake.
const (
	MinClientVersion = 100
	MaxClientVersion = 151
)

// App identifies the IB application listening on the socket.
type App int

const (
	TWS App = iota
	Gateway
)

func (a App) String() string {
	if a == Gateway {
		return "gateway"
	}
	return "tws"
}

// Default listening ports, by application and account kind.
var defaultPorts = map[App]struct{ live, paper int }{
	TWS:     {live: 7496, paper: 7497},
	Gateway: {live: 4001, paper: 4002},
}

// Port returns the default API port for app.
func Port(app App, paper bool) int {
	p := defaultPorts[app]
	if paper {
		return p.paper
	}
	return p.live
}

// IsPaperPort reports whether port is one of the default paper ports.
func IsPaperPort(port int) bool {
	for _, p := range defaultPorts {
		if p.paper == port {
			return true
		}
	}
	return false
}

// Config holds the socket session settings.
type Config struct {
	Host     string
	Port     int
	ClientID int

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// EventBuffer is the capacity of the callback channel.
	EventBuffer int

	// PaperTrading is informational; the account kind is decided by the
	// application the socket reaches.
	PaperTrading bool
}

// DefaultConfig targets TWS paper trading on localhost.
func DefaultConfig() Config {
	return Config{
		Host:             "127.0.0.1",
		Port:             Port(TWS, true),
		ClientID:         1,
		ConnectTimeout:   10 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		EventBuffer:      1024,
		PaperTrading:     true,
	}
}

// ConfigFor returns the default configuration for app and account kind.
func ConfigFor(app App, paper bool) Config {
	cfg := DefaultConfig()
	cfg.Port = Port(app, paper)
	cfg.PaperTrading = paper
	return cfg
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
