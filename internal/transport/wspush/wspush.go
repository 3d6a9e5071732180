// Package wspush is a push channel over a WebSocket connection. It connects
// to a feed server that sends bot_update envelopes or bare JSON payloads.
package wspush

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"trading-dashsync/internal/supervisor"
	"trading-dashsync/internal/transport"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 5 * time.Second
	pongWait  = 60 * time.Second
)

// Config holds the push channel connection settings.
type Config struct {
	// URL of the feed WebSocket, e.g. "ws://localhost:8765/ws".
	URL string
	// Event selects which envelopes to deliver. Defaults to bot_update.
	Event string
	// Header is sent with the handshake.
	Header http.Header
	// HandshakeTimeout defaults to 10s.
	HandshakeTimeout time.Duration
}

// Dialer opens WebSocket push channels.
type Dialer struct {
	cfg    Config
	dialer *websocket.Dialer
}

// New creates a Dialer. Returns an error if the URL is unparseable.
func New(cfg Config) (*Dialer, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("wspush: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("wspush: unsupported scheme %q", u.Scheme)
	}
	if cfg.Event == "" {
		cfg.Event = transport.EventBotUpdate
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Dialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}, nil
}

// Dial connects to the feed.
func (d *Dialer) Dial(ctx context.Context) (supervisor.Conn, error) {
	ws, _, err := d.dialer.DialContext(ctx, d.cfg.URL, d.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("wspush: dial %s: %w", d.cfg.URL, err)
	}

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	return &conn{ws: ws, event: d.cfg.Event}, nil
}

type conn struct {
	ws    *websocket.Conn
	event string

	closeOnce sync.Once
	closeErr  error
}

// ReadMessage returns the next payload for the configured event, skipping
// other events. Any frame from the server extends the read deadline.
func (c *conn) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if payload, ok := transport.Unwrap(raw, c.event); ok {
			return payload, nil
		}
	}
}

// Close sends a close frame and closes the socket. Safe to call twice and
// concurrently with ReadMessage.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(writeWait))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
