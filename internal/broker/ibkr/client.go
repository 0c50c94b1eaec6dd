package ibkr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tathienbao/ibrecon/internal/broker"
	"github.com/tathienbao/ibrecon/internal/broker/wire"
	"github.com/tathienbao/ibrecon/internal/types"
)

// dialFunc opens the transport. Tests replace it.
type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Client implements broker.Session against a TWS or IB Gateway socket.
type Client struct {
	cfg    Config
	logger *slog.Logger
	dial   dialFunc

	// Connection
	connMu        sync.Mutex
	conn          net.Conn
	state         atomic.Int32
	closing       atomic.Bool
	serverVersion atomic.Int32
	connectedAt   time.Time

	writeMu sync.Mutex

	events chan broker.RawCallback

	// One reader per connection.
	readerDone chan struct{}
	quit       chan struct{}
}

// NewClient creates a new IBKR client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}

	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "ibkr"),
		events: make(chan broker.RawCallback, cfg.EventBuffer),
	}
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	c.dial = dialer.DialContext

	c.state.Store(int32(broker.StateDisconnected))

	return c
}

// Connect dials the gateway, performs the handshake and starts the reader.
// Non-zero fields of params override the configured endpoint.
func (c *Client) Connect(ctx context.Context, params broker.ConnectParams) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.State() == broker.StateConnected {
		return nil
	}

	host, port, clientID := c.cfg.Host, c.cfg.Port, c.cfg.ClientID
	if params.Host != "" {
		host = params.Host
	}
	if params.Port != 0 {
		port = params.Port
	}
	if params.ClientID != 0 {
		clientID = params.ClientID
	}

	c.state.Store(int32(broker.StateConnecting))

	c.logger.Info("connecting to IBKR",
		"host", host,
		"port", port,
		"client_id", clientID,
		"paper", c.cfg.PaperTrading,
	)

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		c.state.Store(int32(broker.StateError))
		return fmt.Errorf("%w: dial %s: %v", types.ErrConnection, addr, err)
	}

	if err := c.handshake(conn, clientID); err != nil {
		_ = conn.Close()
		c.state.Store(int32(broker.StateError))
		return fmt.Errorf("%w: handshake: %v", types.ErrConnection, err)
	}

	c.conn = conn
	c.connectedAt = time.Now()
	c.closing.Store(false)
	c.readerDone = make(chan struct{})
	c.quit = make(chan struct{})
	c.state.Store(int32(broker.StateConnected))

	go c.readLoop(conn, c.quit, c.readerDone)

	c.logger.Info("connected to IBKR",
		"server_version", c.serverVersion.Load(),
		"connected_at", c.connectedAt,
	)

	return nil
}

// handshake negotiates the protocol version and sends startAPI.
func (c *Client) handshake(conn net.Conn, clientID int) error {
	// "API\0" followed by the framed version range.
	hello := append([]byte("API\x00"), wire.Frame([]byte(fmt.Sprintf("v%d..%d", MinClientVersion, MaxClientVersion)))...)
	if err := c.write(conn, hello); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}

	if c.cfg.HandshakeTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	}
	payload, err := wire.ReadFrame(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("read handshake response: %w", err)
	}

	fields := wire.Split(payload)
	if len(fields) == 0 {
		return errors.New("empty handshake response")
	}
	version, err := strconv.Atoi(fields[0])
	if err != nil {
		return fmt.Errorf("invalid server version %q", fields[0])
	}
	if version < MinClientVersion {
		return fmt.Errorf("server version %d below minimum %d", version, MinClientVersion)
	}
	c.serverVersion.Store(int32(version))

	c.logger.Debug("handshake response", "server_version", version, "fields", len(fields))

	if err := c.write(conn, wire.Frame(wire.StartAPI(clientID).Payload())); err != nil {
		return fmt.Errorf("write startAPI: %w", err)
	}

	return nil
}

// readLoop decodes frames until the connection ends. A loss that was not
// requested by Disconnect is reported as a MsgConnectionClosed callback.
func (c *Client) readLoop(conn net.Conn, quit <-chan struct{}, done chan struct{}) {
	defer close(done)

	for {
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			if c.closing.Load() {
				return
			}
			c.logger.Error("read error", "err", err)
			c.handleDisconnect(conn, quit, err)
			return
		}

		cb, err := wire.ParseCallback(payload, time.Now())
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "size", len(payload), "err", err)
			continue
		}

		select {
		case c.events <- cb:
		case <-quit:
			return
		}
	}
}

// handleDisconnect handles connection loss.
func (c *Client) handleDisconnect(conn net.Conn, quit <-chan struct{}, cause error) {
	c.connMu.Lock()
	if c.conn == conn {
		_ = conn.Close()
		c.conn = nil
		c.state.Store(int32(broker.StateDisconnected))
	}
	c.connMu.Unlock()

	c.logger.Warn("disconnected from IBKR", "err", cause)

	select {
	case c.events <- broker.RawCallback{
		MsgID:    broker.MsgConnectionClosed,
		Fields:   []string{cause.Error()},
		Received: time.Now(),
	}:
	case <-quit:
	}
}

// SendRequest encodes req and writes it to the gateway.
func (c *Client) SendRequest(ctx context.Context, req broker.Request) error {
	if c.State() != broker.StateConnected {
		return types.ErrNotConnected
	}

	b, err := wire.EncodeRequest(req)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return types.ErrNotConnected
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	c.logger.Debug("sending request", "kind", req.Kind.String(), "id", req.ID)

	if err := c.write(conn, wire.Frame(b.Payload())); err != nil {
		return fmt.Errorf("%w: send %s: %v", types.ErrConnection, req.Kind, err)
	}
	return nil
}

func (c *Client) write(conn net.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	}
	_, err := conn.Write(data)
	return err
}

// Events implements broker.Session.
func (c *Client) Events() <-chan broker.RawCallback {
	return c.events
}

// Disconnect closes the connection without reporting a loss.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	conn, done, quit := c.conn, c.readerDone, c.quit
	c.conn = nil
	c.quit = nil
	c.connMu.Unlock()

	if conn == nil {
		c.state.Store(int32(broker.StateDisconnected))
		return nil
	}

	c.closing.Store(true)
	if quit != nil {
		close(quit)
	}
	err := conn.Close()

	if done != nil {
		<-done
	}
	c.state.Store(int32(broker.StateDisconnected))

	c.logger.Info("disconnected from IBKR")
	return err
}

// State returns the current connection state.
func (c *Client) State() broker.ConnectionState {
	return broker.ConnectionState(c.state.Load())
}

// IsConnected returns true if connected.
func (c *Client) IsConnected() bool {
	return c.State() == broker.StateConnected
}

// ServerVersion returns the version negotiated by the last handshake.
func (c *Client) ServerVersion() int {
	return int(c.serverVersion.Load())
}

var _ broker.Session = (*Client)(nil)
