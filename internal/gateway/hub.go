// Package gateway is the dashboard render layer: it pushes every store
// mutation to browser clients over WebSocket and serves the current state
// over REST.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trading-dashsync/internal/journal"
	"trading-dashsync/internal/logger"
	"trading-dashsync/internal/model"
	"trading-dashsync/internal/store"
)

const replayCapacity = 500

// Store is the read side of the market store the hub renders.
type Store interface {
	Snapshot() model.MarketSnapshot
	Subscribe(fn store.Observer) store.Token
	Unsubscribe(tok store.Token) bool
}

// TradeHistory serves journaled trades. *journal.Journal satisfies it.
type TradeHistory interface {
	Recent(limit int) ([]journal.Entry, error)
}

// Gate reports live push connectivity.
type Gate interface {
	Connected() bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// WithGate reports push connectivity on /api/status.
func WithGate(g Gate) Option {
	return func(h *Hub) { h.gate = g }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// Hub manages WebSocket clients and fans store snapshots out to them.
// Every broadcast carries a monotonic seq for client-side gap detection.
type Hub struct {
	// OnClientCount is called with the client count after a connect or
	// disconnect.
	OnClientCount func(n int)
	// OnBroadcast is called with the delay between a mutation and its
	// fan-out.
	OnBroadcast func(lag time.Duration)

	store   Store
	history TradeHistory
	gate    Gate
	log     *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	clients map[*Client]bool
	seq     int64
	latest  []byte // last envelope broadcast

	replay  *ReplayBuffer
	updates chan model.MarketSnapshot
}

// NewHub creates a hub rendering st. history may be nil.
func NewHub(st Store, history TradeHistory, opts ...Option) *Hub {
	h := &Hub{
		store:   st,
		history: history,
		now:     time.Now,
		clients: make(map[*Client]bool),
		replay:  NewReplayBuffer(replayCapacity),
		updates: make(chan model.MarketSnapshot, 1),
	}
	for _, o := range opts {
		o(h)
	}
	h.log = logger.OrDefault(h.log)
	return h
}

// observe runs under the store's write lock, so it never blocks. Only the
// newest pending snapshot is kept.
func (h *Hub) observe(snap model.MarketSnapshot) {
	select {
	case h.updates <- snap:
		return
	default:
	}
	select {
	case <-h.updates:
	default:
	}
	select {
	case h.updates <- snap:
	default:
	}
}

// Run subscribes to the store and broadcasts each mutation. Blocks until
// ctx is cancelled, then disconnects all clients.
func (h *Hub) Run(ctx context.Context) {
	tok := h.store.Subscribe(h.observe)
	defer h.store.Unsubscribe(tok)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case snap := <-h.updates:
			h.Broadcast(snap)
		}
	}
}

// Broadcast renders snap and sends it to every client.
func (h *Hub) Broadcast(snap model.MarketSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		h.log.Error("snapshot marshal failed", "error", err)
		return
	}
	now := h.now().UTC()

	h.mu.Lock()
	h.seq++
	seq := h.seq
	buf := buildEnvelope(envelopeSnapshot, data, now, seq, false)
	h.latest = buf
	h.mu.Unlock()

	h.replay.Push(seq, buf)

	h.mu.RLock()
	for client := range h.clients {
		select {
		case client.send <- buf:
		default:
			h.log.Debug("client send buffer full, dropping update", "seq", seq)
		}
	}
	h.mu.RUnlock()

	if h.OnBroadcast != nil && !snap.LastUpdateAt.IsZero() {
		if lag := now.Sub(snap.LastUpdateAt); lag >= 0 {
			h.OnBroadcast(lag)
		}
	}
}

// HandleWSRequest registers an upgraded connection and starts its pumps.
func (h *Hub) HandleWSRequest(conn *websocket.Conn) {
	client := &Client{
		conn: conn,
		send: make(chan []byte, 64),
		hub:  h,
	}

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("ws client connected", "clients", count)
	if h.OnClientCount != nil {
		h.OnClientCount(count)
	}

	client.sendInitialState()
	go client.writePump()
	go client.readPump()
}

// RemoveClient removes a client from the hub.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("ws client disconnected", "clients", count)
	if h.OnClientCount != nil {
		h.OnClientCount(count)
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.RemoveClient(c)
	}
}

// Seq returns the seq of the last broadcast.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetReplayRange returns buffered envelopes in [fromSeq, toSeq].
func (h *Hub) GetReplayRange(fromSeq, toSeq int64) [][]byte {
	entries := h.replay.Range(fromSeq, toSeq)
	result := make([][]byte, len(entries))
	for i, e := range entries {
		result[i] = e.Data
	}
	return result
}
