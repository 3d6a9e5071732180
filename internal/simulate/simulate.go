// Package simulate keeps the dashboard moving when the real feed is quiet.
// It synthesizes a bounded random walk of price and RSI, occasional trades
// and derived bands, and writes them to the store as simulated patches.
package simulate

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"trading-dashsync/internal/indicator"
	"trading-dashsync/internal/logger"
	"trading-dashsync/internal/model"
	"trading-dashsync/internal/store"

	"github.com/shopspring/decimal"
)

var (
	minPrice = decimal.RequireFromString("0.01")
	rsiMax   = decimal.NewFromInt(100)
)

// Config bounds the synthesized motion.
type Config struct {
	QuietPeriod  time.Duration
	TickInterval time.Duration

	PriceDelta decimal.Decimal // price moves uniformly within ±PriceDelta per tick
	RSIDrift   decimal.Decimal // RSI moves uniformly within ±RSIDrift per tick

	TradeProbability float64
	TradePriceJitter decimal.Decimal // trade price within ±jitter of the tick price
	MinTradeSize     decimal.Decimal
	TradeSizeRange   decimal.Decimal
	PnLRange         decimal.Decimal // sell pnl = (u - PnLBias) * PnLRange
	PnLBias          float64

	SMAShortPeriod int
	SMALongPeriod  int
	BandPeriod     int
	BandK          decimal.Decimal
}

// DefaultConfig returns the dashboard's stock simulation settings.
func DefaultConfig() Config {
	return Config{
		QuietPeriod:      5 * time.Second,
		TickInterval:     5 * time.Second,
		PriceDelta:       decimal.NewFromInt(50),
		RSIDrift:         decimal.RequireFromString("2.5"),
		TradeProbability: 0.3,
		TradePriceJitter: decimal.NewFromInt(25),
		MinTradeSize:     decimal.RequireFromString("0.001"),
		TradeSizeRange:   decimal.RequireFromString("0.001"),
		PnLRange:         decimal.NewFromInt(50),
		PnLBias:          0.3,
		SMAShortPeriod:   5,
		SMALongPeriod:    10,
		BandPeriod:       10,
		BandK:            decimal.NewFromInt(2),
	}
}

// Gate reports push channel connectivity.
type Gate interface {
	Connected() bool
}

// Store is the state the simulator reads and writes.
type Store interface {
	Snapshot() model.MarketSnapshot
	ApplyPatch(p model.Patch, src model.Source, observedAt time.Time) bool
	Subscribe(fn store.Observer) store.Token
	Unsubscribe(tok store.Token) bool
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithRand sets the random source. Defaults to a time-seeded source.
func WithRand(r *rand.Rand) Option {
	return func(s *Simulator) { s.rng = r }
}

// WithClock sets the time source used by Run.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) { s.log = l }
}

// Simulator submits simulated patches while the feed is quiet.
// At most one tick runs at a time.
type Simulator struct {
	// OnTick is called after a simulated patch is applied.
	OnTick func()
	// OnSkip is called when a tick fires while another is still running.
	OnSkip func()

	cfg   Config
	store Store
	gate  Gate
	rng   *rand.Rand
	now   func() time.Time
	log   *slog.Logger

	token    store.Token
	inFlight atomic.Bool
	wake     chan struct{}

	mu       sync.Mutex
	lastAuth time.Time
	sawAuth  bool
}

// New creates a simulator over st. A nil gate counts as disconnected.
func New(st Store, gate Gate, cfg Config, opts ...Option) *Simulator {
	s := &Simulator{
		cfg:   cfg,
		store: st,
		gate:  gate,
		now:   time.Now,
		wake:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s.log = logger.OrDefault(s.log)
	s.lastAuth = s.now()
	s.token = st.Subscribe(s.observe)
	return s
}

// observe runs inside the store's apply path and must not block.
func (s *Simulator) observe(snap model.MarketSnapshot) {
	if !snap.LastUpdateSource.Authoritative() {
		return
	}
	s.Touch(snap.LastUpdateAt)
}

// Touch records authoritative feed traffic received at, whether or not it
// changed the store. It does not block.
func (s *Simulator) Touch(at time.Time) {
	s.mu.Lock()
	if at.After(s.lastAuth) || !s.sawAuth {
		s.lastAuth = at
	}
	s.sawAuth = true
	s.mu.Unlock()
	s.Wake()
}

// Wake makes Run recompute its schedule. Call it when connectivity changes.
func (s *Simulator) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Simulator) connected() bool {
	return s.gate != nil && s.gate.Connected()
}

// Eligible reports whether simulation may run at now: the feed has been
// silent for the quiet period, or the push channel is down and nothing
// authoritative has arrived yet.
func (s *Simulator) Eligible(now time.Time) bool {
	s.mu.Lock()
	lastAuth, sawAuth := s.lastAuth, s.sawAuth
	s.mu.Unlock()

	if now.Sub(lastAuth) >= s.cfg.QuietPeriod {
		return true
	}
	return !sawAuth && !s.connected()
}

// nextDelay is the time until the next tick should fire.
func (s *Simulator) nextDelay(now time.Time) time.Duration {
	if s.Eligible(now) {
		return s.cfg.TickInterval
	}
	s.mu.Lock()
	wait := s.lastAuth.Add(s.cfg.QuietPeriod).Sub(now)
	s.mu.Unlock()
	if wait <= 0 {
		return s.cfg.TickInterval
	}
	return wait
}

// Tick synthesizes and applies one patch if simulation is eligible at now.
// A tick that fires while another is running is skipped. It reports whether
// a patch was applied.
func (s *Simulator) Tick(now time.Time) bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.log.Debug("simulation tick skipped, previous tick still running")
		if s.OnSkip != nil {
			s.OnSkip()
		}
		return false
	}
	defer s.inFlight.Store(false)

	if !s.Eligible(now) {
		return false
	}

	p := s.synthesize(s.store.Snapshot(), now)
	if !s.store.ApplyPatch(p, model.SourceSimulated, now) {
		return false
	}
	if s.OnTick != nil {
		s.OnTick()
	}
	return true
}

// Run drives Tick until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	defer s.store.Unsubscribe(s.token)

	timer := time.NewTimer(s.nextDelay(s.now()))
	defer timer.Stop()

	s.log.Info("simulation fallback started",
		"quiet_period", s.cfg.QuietPeriod, "tick_interval", s.cfg.TickInterval)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("simulation fallback stopped")
			return ctx.Err()
		case <-s.wake:
			resetTimer(timer, s.nextDelay(s.now()))
		case <-timer.C:
			now := s.now()
			s.Tick(now)
			timer.Reset(s.nextDelay(s.now()))
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// uniform returns a value in [-bound, bound).
func (s *Simulator) uniform(bound decimal.Decimal) decimal.Decimal {
	return decimal.NewFromFloat(s.rng.Float64()*2 - 1).Mul(bound)
}

// synthesize builds the next simulated patch from snap. Random draws happen
// in a fixed order so a seeded source reproduces the same walk.
func (s *Simulator) synthesize(snap model.MarketSnapshot, now time.Time) model.Patch {
	cfg := s.cfg
	var p model.Patch

	price := snap.Price.Add(s.uniform(cfg.PriceDelta)).Round(2)
	if !price.IsPositive() {
		price = snap.Price
		if !price.IsPositive() {
			price = minPrice
		}
	}
	p.Price = &price

	rsi := snap.Indicators.RSI.Add(s.uniform(cfg.RSIDrift)).Round(2)
	if rsi.IsNegative() {
		rsi = decimal.Zero
	} else if rsi.GreaterThan(rsiMax) {
		rsi = rsiMax
	}
	p.Indicators.RSI = &rsi

	if s.rng.Float64() < cfg.TradeProbability {
		p.Trades = []model.Trade{s.synthesizeTrade(price, now)}
	}

	history := append(snap.PriceHistory, price)
	if v, ok := indicator.SMA(history, cfg.SMAShortPeriod); ok {
		p.Indicators.SMAShort = model.Dec(v.Round(2))
	}
	if v, ok := indicator.SMA(history, cfg.SMALongPeriod); ok {
		p.Indicators.SMALong = model.Dec(v.Round(2))
	}
	if b, ok := indicator.Bollinger(history, cfg.BandPeriod, cfg.BandK); ok {
		p.Indicators.BollingerUpper = model.Dec(b.Upper.Round(2))
		p.Indicators.BollingerMiddle = model.Dec(b.Middle.Round(2))
		p.Indicators.BollingerLower = model.Dec(b.Lower.Round(2))
	}
	return p
}

// synthesizeTrade draws side, price, size and pnl. Buys open exposure and
// always carry zero pnl.
func (s *Simulator) synthesizeTrade(price decimal.Decimal, now time.Time) model.Trade {
	cfg := s.cfg
	side := model.SideBuy
	if s.rng.Intn(2) == 1 {
		side = model.SideSell
	}

	tp := price.Add(s.uniform(cfg.TradePriceJitter)).Round(2)
	if !tp.IsPositive() {
		tp = price
	}
	size := cfg.MinTradeSize.Add(decimal.NewFromFloat(s.rng.Float64()).Mul(cfg.TradeSizeRange)).Round(5)
	pnl := decimal.NewFromFloat(s.rng.Float64() - cfg.PnLBias).Mul(cfg.PnLRange).Round(2)
	if side == model.SideBuy {
		pnl = decimal.Zero
	}

	return model.Trade{
		Timestamp: now.UTC(),
		Side:      side,
		Price:     tp,
		Size:      size,
		PnL:       pnl,
	}
}
