// Package reconcile turns raw feed payloads into store patches. It decides
// which of the push and pull channels wins, drops duplicates and stale
// messages, and rejects malformed payloads whole.
package reconcile

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trading-dashsync/internal/logger"
	"trading-dashsync/internal/model"
)

// DefaultPullInterval matches the pull endpoint's polling period.
const DefaultPullInterval = 30 * time.Second

// Store is the mutation surface the reconciler writes to.
type Store interface {
	Snapshot() model.MarketSnapshot
	ApplyPatch(p model.Patch, src model.Source, observedAt time.Time) bool
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// WithPullInterval sets the pull period used for precedence and dedup windows.
func WithPullInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.pullInterval = d
		}
	}
}

// Reconciler merges push and pull payloads into a Store.
//
// All decisions use observedAt, the receipt time supplied by the caller.
// Timestamps inside payloads are never used for ordering.
type Reconciler struct {
	// OnMalformed is called when a payload is rejected.
	OnMalformed func(src model.Source)
	// OnStale is called when a payload loses on precedence.
	OnStale func(src model.Source)
	// OnDuplicate is called when a payload repeats the current state.
	OnDuplicate func(src model.Source)
	// OnReceipt is called for every payload that is neither malformed nor
	// stale, duplicates included, with its receipt time. It runs under the
	// reconciler's lock and must not block.
	OnReceipt func(src model.Source, at time.Time)

	store        Store
	log          *slog.Logger
	pullInterval time.Duration

	mu         sync.Mutex
	lastPushAt time.Time
	sawPush    bool
	lastPullAt time.Time
	sawPull    bool
}

// New creates a reconciler writing into s.
func New(s Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:        s,
		pullInterval: DefaultPullInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logger.OrDefault(r.log)
	return r
}

// HandlePush processes a payload from the push channel.
func (r *Reconciler) HandlePush(raw []byte, observedAt time.Time) error {
	return r.handle(model.SourcePush, raw, observedAt)
}

// HandlePull processes a payload from the pull endpoint.
func (r *Reconciler) HandlePull(raw []byte, observedAt time.Time) error {
	return r.handle(model.SourcePull, raw, observedAt)
}

// handle returns an error only for malformed payloads. Stale, duplicate and
// empty payloads are no-ops.
func (r *Reconciler) handle(src model.Source, raw []byte, at time.Time) error {
	p, err := Decode(raw)
	if errors.Is(err, ErrEmpty) {
		r.log.Debug("payload carries no known fields", "source", src)
		return nil
	}
	if err != nil {
		r.log.Warn("dropping malformed payload", "source", src, "error", err, "bytes", len(raw))
		if r.OnMalformed != nil {
			r.OnMalformed(src)
		}
		return fmt.Errorf("reconcile: %s: %w", src, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.staleLocked(src, at) {
		r.log.Debug("stale payload ignored", "source", src, "observed_at", at,
			"last_push_at", r.lastPushAt, "last_pull_at", r.lastPullAt)
		if r.OnStale != nil {
			r.OnStale(src)
		}
		return nil
	}

	switch src {
	case model.SourcePush:
		r.lastPushAt, r.sawPush = at, true
	case model.SourcePull:
		r.lastPullAt, r.sawPull = at, true
	}
	if r.OnReceipt != nil {
		r.OnReceipt(src, at)
	}

	if r.duplicate(p, at) {
		r.log.Debug("duplicate payload ignored", "source", src, "observed_at", at)
		if r.OnDuplicate != nil {
			r.OnDuplicate(src)
		}
		return nil
	}

	p.Trades = r.newTrades(p.Trades)
	if p.IsEmpty() {
		return nil
	}
	r.store.ApplyPatch(p, src, at)
	return nil
}

// staleLocked applies push precedence. A push is stale only against an
// earlier-observed push. A pull is stale unless it arrives more than one
// pull interval after the last push, and never older than the last pull.
func (r *Reconciler) staleLocked(src model.Source, at time.Time) bool {
	switch src {
	case model.SourcePush:
		return r.sawPush && at.Before(r.lastPushAt)
	case model.SourcePull:
		if r.sawPush && !at.After(r.lastPushAt.Add(r.pullInterval)) {
			return true
		}
		return r.sawPull && at.Before(r.lastPullAt)
	}
	return false
}

// newTrades drops trades already in the log or repeated within the payload.
// Payloads repeat the recent list on every message.
func (r *Reconciler) newTrades(trades []model.Trade) []model.Trade {
	if len(trades) == 0 {
		return nil
	}
	known := r.store.Snapshot().TradeLog
	out := make([]model.Trade, 0, len(trades))
	for _, t := range trades {
		if model.ContainsTrade(known, t) || model.ContainsTrade(out, t) {
			continue
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// duplicate reports whether p repeats the store's current authoritative
// state within one pull interval: same price, same signal if p carries one,
// same head trade if p carries trades. Payloads without a price are never
// duplicates, and nothing repeats a simulated state.
func (r *Reconciler) duplicate(p model.Patch, at time.Time) bool {
	if p.Price == nil {
		return false
	}
	snap := r.store.Snapshot()
	if !snap.LastUpdateSource.Authoritative() || at.Sub(snap.LastUpdateAt) >= r.pullInterval {
		return false
	}
	if !p.Price.Equal(snap.Price) {
		return false
	}
	if p.Signal != nil && *p.Signal != snap.Signal {
		return false
	}
	if len(p.Trades) > 0 && (len(snap.TradeLog) == 0 || !p.Trades[0].Equal(snap.TradeLog[0])) {
		return false
	}
	return true
}
