// Package store owns the dashboard's MarketSnapshot. Every mutation goes
// through ApplyPatch, which is serialized; readers get private copies.
package store

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trading-dashsync/internal/logger"
	"trading-dashsync/internal/model"
	"trading-dashsync/internal/ringbuf"

	"github.com/shopspring/decimal"
)

// Buffer names reported through OnEvict.
const (
	BufferPriceHistory = "price_history"
	BufferTradeLog     = "trade_log"
)

var (
	rsiMin = decimal.Zero
	rsiMax = decimal.NewFromInt(100)
)

// Config sets the ring capacities.
type Config struct {
	PriceHistoryCap int
	TradeLogCap     int
}

// Observer receives a private copy of the snapshot after each applied patch.
type Observer func(model.MarketSnapshot)

// Token identifies a subscription for Unsubscribe.
type Token uint64

type observerEntry struct {
	token Token
	fn    Observer
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Store is the single mutable owner of the market snapshot.
//
// Hooks must be set before the store is shared between goroutines.
// Observers run synchronously on the ApplyPatch caller's goroutine and must
// not call ApplyPatch themselves.
type Store struct {
	// OnApplied is called after a patch changes the snapshot.
	OnApplied func(src model.Source)
	// OnRejected is called when a simulated patch loses to a newer authoritative one.
	OnRejected func(src model.Source)
	// OnObserverPanic is called for each recovered observer panic.
	OnObserverPanic func()
	// OnEvict is called when a ring drops its oldest value.
	OnEvict func(buffer string)

	log *slog.Logger

	writeMu sync.Mutex // serializes apply + notify

	mu          sync.RWMutex
	price       decimal.Decimal
	history     *ringbuf.Ring[decimal.Decimal]
	indicators  model.Indicators
	position    *model.Position
	pnl         model.PnL
	dailyTrades int
	totalTrades int
	trades      *ringbuf.Ring[model.Trade] // pushed oldest to newest
	signal      model.Signal
	lastSource  model.Source
	lastAt      time.Time

	obsMu     sync.Mutex
	observers []observerEntry
	nextToken Token
}

// New creates a store seeded with seed. Seed sequences longer than the
// configured capacities keep only their most recent values.
func New(cfg Config, seed model.MarketSnapshot, opts ...Option) (*Store, error) {
	if cfg.PriceHistoryCap <= 0 || cfg.TradeLogCap <= 0 {
		return nil, fmt.Errorf("store: capacities must be positive (history=%d, trades=%d)", cfg.PriceHistoryCap, cfg.TradeLogCap)
	}

	s := &Store{
		history:     ringbuf.New[decimal.Decimal](cfg.PriceHistoryCap),
		trades:      ringbuf.New[model.Trade](cfg.TradeLogCap),
		price:       seed.Price,
		indicators:  seed.Indicators,
		pnl:         seed.PnL,
		dailyTrades: seed.DailyTrades,
		totalTrades: seed.TotalTrades,
		signal:      seed.Signal,
		lastSource:  seed.LastUpdateSource,
		lastAt:      seed.LastUpdateAt,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrDefault(s.log)

	if s.signal == "" {
		s.signal = model.SignalHold
	}
	if s.lastSource == "" {
		s.lastSource = model.SourceSimulated
	}
	if seed.Position != nil {
		p := *seed.Position
		s.position = &p
	}
	s.indicators.RSI = clampRSI(s.indicators.RSI)

	for _, p := range seed.PriceHistory {
		s.history.Push(p)
	}
	for i := len(seed.TradeLog) - 1; i >= 0; i-- {
		s.trades.Push(seed.TradeLog[i])
	}
	return s, nil
}

// Snapshot returns a copy of the current state. Later mutations do not
// affect the returned value.
func (s *Store) Snapshot() model.MarketSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() model.MarketSnapshot {
	snap := model.MarketSnapshot{
		Price:            s.price,
		PriceHistory:     s.history.Slice(),
		Indicators:       s.indicators,
		PnL:              s.pnl,
		DailyTrades:      s.dailyTrades,
		TotalTrades:      s.totalTrades,
		TradeLog:         s.trades.Reverse(),
		Signal:           s.signal,
		LastUpdateSource: s.lastSource,
		LastUpdateAt:     s.lastAt,
	}
	if s.position != nil {
		p := *s.position
		snap.Position = &p
	}
	return snap
}

// LastUpdate returns the source and time of the most recent mutation.
func (s *Store) LastUpdate() (model.Source, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSource, s.lastAt
}

// ApplyPatch applies p atomically and notifies observers. It reports whether
// the snapshot changed.
//
// A simulated patch observed before the current authoritative update is
// dropped without error. Empty patches are ignored.
func (s *Store) ApplyPatch(p model.Patch, src model.Source, observedAt time.Time) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if p.IsEmpty() {
		return false
	}

	s.mu.Lock()
	if src == model.SourceSimulated && s.lastSource != model.SourceSimulated && observedAt.Before(s.lastAt) {
		lastSrc, lastAt := s.lastSource, s.lastAt
		s.mu.Unlock()
		s.log.Debug("simulated patch older than authoritative state, dropped",
			"observed_at", observedAt, "last_source", lastSrc, "last_at", lastAt)
		if s.OnRejected != nil {
			s.OnRejected(src)
		}
		return false
	}

	evicted := s.applyLocked(p)
	s.lastSource = src
	s.lastAt = observedAt
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if s.OnEvict != nil {
		for _, buf := range evicted {
			s.OnEvict(buf)
		}
	}
	if s.OnApplied != nil {
		s.OnApplied(src)
	}
	s.notify(snap)
	return true
}

// applyLocked mutates state. Caller holds mu.
func (s *Store) applyLocked(p model.Patch) (evicted []string) {
	if p.Price != nil {
		s.price = *p.Price
		if s.history.Push(*p.Price) {
			evicted = append(evicted, BufferPriceHistory)
		}
	}
	if p.Signal != nil {
		s.signal = *p.Signal
	}

	ip := p.Indicators
	if ip.RSI != nil {
		s.indicators.RSI = clampRSI(*ip.RSI)
	}
	if ip.SMAShort != nil {
		s.indicators.SMAShort = *ip.SMAShort
	}
	if ip.SMALong != nil {
		s.indicators.SMALong = *ip.SMALong
	}
	if ip.BollingerUpper != nil {
		s.indicators.BollingerUpper = *ip.BollingerUpper
	}
	if ip.BollingerMiddle != nil {
		s.indicators.BollingerMiddle = *ip.BollingerMiddle
	}
	if ip.BollingerLower != nil {
		s.indicators.BollingerLower = *ip.BollingerLower
	}

	if p.ClearPosition {
		s.position = nil
	}
	if p.Position != nil {
		pos := *p.Position
		s.position = &pos
	}

	// Trades[0] is newest, so insert from the tail.
	realizedPnL := decimal.Zero
	realized := 0
	for i := len(p.Trades) - 1; i >= 0; i-- {
		t := p.Trades[i]
		if s.trades.Push(t) {
			evicted = append(evicted, BufferTradeLog)
		}
		if t.Realized() {
			realizedPnL = realizedPnL.Add(t.PnL)
			realized++
		}
	}

	if p.DailyPnL != nil {
		s.pnl.Daily = *p.DailyPnL
	}
	if p.TotalPnL != nil {
		s.pnl.Total = *p.TotalPnL
	} else {
		s.pnl.Total = s.pnl.Total.Add(realizedPnL)
	}
	if p.DailyTrades != nil {
		s.dailyTrades = *p.DailyTrades
	} else {
		s.dailyTrades += realized
	}
	if p.TotalTrades != nil {
		s.totalTrades = *p.TotalTrades
	} else {
		s.totalTrades += realized
	}
	return evicted
}

// Subscribe registers fn for change notifications.
func (s *Store) Subscribe(fn Observer) Token {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.nextToken++
	s.observers = append(s.observers, observerEntry{token: s.nextToken, fn: fn})
	return s.nextToken
}

// Unsubscribe removes the observer registered under tok. It reports whether
// the token was registered.
func (s *Store) Unsubscribe(tok Token) bool {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	for i, o := range s.observers {
		if o.token == tok {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Store) notify(snap model.MarketSnapshot) {
	s.obsMu.Lock()
	obs := make([]observerEntry, len(s.observers))
	copy(obs, s.observers)
	s.obsMu.Unlock()

	for _, o := range obs {
		s.callObserver(o, snap.Clone())
	}
}

func (s *Store) callObserver(o observerEntry, snap model.MarketSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("observer panicked", "token", uint64(o.token), "panic", r)
			if s.OnObserverPanic != nil {
				s.OnObserverPanic()
			}
		}
	}()
	o.fn(snap)
}

func clampRSI(v decimal.Decimal) decimal.Decimal {
	if v.LessThan(rsiMin) {
		return rsiMin
	}
	if v.GreaterThan(rsiMax) {
		return rsiMax
	}
	return v
}
