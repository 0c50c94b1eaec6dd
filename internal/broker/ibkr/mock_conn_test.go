package ibkr

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/tathienbao/ibrecon/internal/broker/wire"
)

// fakeGateway serves the gateway side of a net.Pipe.
type fakeGateway struct {
	t       *testing.T
	server  net.Conn
	client  net.Conn
	version string

	mu       sync.Mutex
	hello    string
	received [][]string
	gotMsg   chan []string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	server, client := net.Pipe()
	g := &fakeGateway{
		t:       t,
		server:  server,
		client:  client,
		version: "151",
		gotMsg:  make(chan []string, 32),
	}
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return g
}

// dialer returns a dialFunc that hands out the client end once.
func (g *fakeGateway) dialer() dialFunc {
	var once sync.Once
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var conn net.Conn
		once.Do(func() { conn = g.client })
		if conn == nil {
			return nil, errors.New("fake gateway already dialed")
		}
		return conn, nil
	}
}

// serve answers the handshake and then records every inbound frame.
func (g *fakeGateway) serve() {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(g.server, prefix); err != nil {
		return
	}
	versions, err := wire.ReadFrame(g.server)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.hello = string(prefix) + string(versions)
	g.mu.Unlock()

	if _, err := g.server.Write(wire.Frame(wire.Encode([]string{g.version, "20160801 09:30:00 EST"}))); err != nil {
		return
	}

	for {
		payload, err := wire.ReadFrame(g.server)
		if err != nil {
			return
		}
		fields := wire.Split(payload)
		g.mu.Lock()
		g.received = append(g.received, fields)
		g.mu.Unlock()
		g.gotMsg <- fields
	}
}

// send writes one framed callback to the client.
func (g *fakeGateway) send(fields []string) {
	g.t.Helper()
	if _, err := g.server.Write(wire.Frame(wire.Encode(fields))); err != nil {
		g.t.Fatalf("gateway write: %v", err)
	}
}

// next waits for the next message the client sent.
func (g *fakeGateway) next() []string {
	g.t.Helper()
	select {
	case m := <-g.gotMsg:
		return m
	case <-time.After(2 * time.Second):
		g.t.Fatal("timed out waiting for client message")
		return nil
	}
}

// drop closes the gateway side to simulate a transport loss.
func (g *fakeGateway) drop() {
	_ = g.server.Close()
}
