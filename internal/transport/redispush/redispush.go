// Package redispush is a push channel over Redis Pub/Sub. The feed
// publishes bot_update envelopes or bare JSON payloads to one channel.
package redispush

import (
	"context"
	"fmt"
	"sync"

	"trading-dashsync/internal/supervisor"
	"trading-dashsync/internal/transport"

	goredis "github.com/go-redis/redis/v8"
)

// Dialer subscribes to a Redis channel for each connection.
type Dialer struct {
	rdb     *goredis.Client
	channel string
	event   string
}

// New creates a Dialer on an existing client.
func New(rdb *goredis.Client, channel string) *Dialer {
	return &Dialer{rdb: rdb, channel: channel, event: transport.EventBotUpdate}
}

// Dial pings Redis and subscribes, waiting for the subscription to be
// confirmed so that a dead server surfaces as a dial error.
func (d *Dialer) Dial(ctx context.Context) (supervisor.Conn, error) {
	if err := d.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redispush: ping: %w", err)
	}
	ps := d.rdb.Subscribe(ctx, d.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redispush: subscribe %s: %w", d.channel, err)
	}
	return &conn{ps: ps, event: d.event}, nil
}

type conn struct {
	ps    *goredis.PubSub
	event string

	closeOnce sync.Once
	closeErr  error
}

// ReadMessage returns the next payload for the configured event.
func (c *conn) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		msg, err := c.ps.ReceiveMessage(ctx)
		if err != nil {
			return nil, err
		}
		if payload, ok := transport.Unwrap([]byte(msg.Payload), c.event); ok {
			return payload, nil
		}
	}
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.ps.Close() })
	return c.closeErr
}
