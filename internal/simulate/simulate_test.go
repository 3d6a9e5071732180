package simulate

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trading-dashsync/internal/model"
	"trading-dashsync/internal/reconcile"
	"trading-dashsync/internal/store"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2025, 6, 13, 10, 0, 0, 0, time.UTC)

// constSource returns the same value from every draw.
type constSource int64

func (c constSource) Int63() int64 { return int64(c) }
func (c constSource) Seed(int64)   {}

type fakeGate struct{ up atomic.Bool }

func (g *fakeGate) Connected() bool { return g.up.Load() }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(store.Config{PriceHistoryCap: 20, TradeLogCap: 6}, model.DefaultSnapshot())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return s
}

func fixedClock(at time.Time) func() time.Time { return func() time.Time { return at } }

func TestTick_BuyTradeCarriesNoPnL(t *testing.T) {
	st := newStore(t)
	before := st.Snapshot()
	sim := New(st, &fakeGate{}, DefaultConfig(), WithRand(rand.New(constSource(0))), WithClock(fixedClock(t0)))

	if !sim.Tick(t0) {
		t.Fatal("disconnected simulator with no feed should tick")
	}
	after := st.Snapshot()

	if !after.Price.Equal(dec("67800.32")) {
		t.Errorf("price = %s, want 67800.32", after.Price)
	}
	if !after.Indicators.RSI.Equal(dec("39.8")) {
		t.Errorf("rsi = %s, want 39.8", after.Indicators.RSI)
	}
	if len(after.TradeLog) != 6 {
		t.Fatalf("trade log len = %d, want 6", len(after.TradeLog))
	}
	head := after.TradeLog[0]
	if head.Side != model.SideBuy || !head.PnL.IsZero() {
		t.Errorf("head = %+v, want zero-pnl buy", head)
	}
	if !head.Price.Equal(dec("67775.32")) || !head.Size.Equal(dec("0.001")) {
		t.Errorf("head price/size = %s/%s", head.Price, head.Size)
	}
	if !after.TradeLog[5].Equal(before.TradeLog[4]) {
		t.Error("oldest trade should be evicted")
	}
	if after.TotalTrades != before.TotalTrades || !after.PnL.Total.Equal(before.PnL.Total) {
		t.Errorf("buy changed aggregates: trades %d->%d pnl %s->%s",
			before.TotalTrades, after.TotalTrades, before.PnL.Total, after.PnL.Total)
	}
	if after.LastUpdateSource != model.SourceSimulated {
		t.Errorf("source = %s", after.LastUpdateSource)
	}
}

func TestTick_SellTradeAccrues(t *testing.T) {
	st := newStore(t)
	before := st.Snapshot()
	sim := New(st, nil, DefaultConfig(), WithRand(rand.New(constSource(1<<32))), WithClock(fixedClock(t0)))

	if !sim.Tick(t0) {
		t.Fatal("expected tick")
	}
	after := st.Snapshot()
	head := after.TradeLog[0]

	if head.Side != model.SideSell {
		t.Fatalf("head side = %s, want SELL", head.Side)
	}
	if !head.PnL.Equal(dec("-15")) {
		t.Errorf("pnl = %s, want -15", head.PnL)
	}
	if after.TotalTrades != before.TotalTrades+1 || after.DailyTrades != before.DailyTrades+1 {
		t.Errorf("counters = %d/%d", after.TotalTrades, after.DailyTrades)
	}
	if want := before.PnL.Total.Add(dec("-15")); !after.PnL.Total.Equal(want) {
		t.Errorf("total pnl = %s, want %s", after.PnL.Total, want)
	}
}

func TestTick_DerivesBandsFromHistory(t *testing.T) {
	st := newStore(t)
	cfg := DefaultConfig()
	cfg.SMAShortPeriod = 3
	cfg.SMALongPeriod = 50
	cfg.BandPeriod = 4
	sim := New(st, nil, cfg, WithRand(rand.New(constSource(0))), WithClock(fixedClock(t0)))
	before := st.Snapshot()

	sim.Tick(t0)
	after := st.Snapshot()

	// last three: 67720, 67850, 67800.32
	if !after.Indicators.SMAShort.Equal(dec("67790.11")) {
		t.Errorf("sma short = %s", after.Indicators.SMAShort)
	}
	if !after.Indicators.SMALong.Equal(before.Indicators.SMALong) {
		t.Error("sma long should be kept while history is too short")
	}
	if after.Indicators.BollingerUpper.LessThanOrEqual(after.Indicators.BollingerMiddle) ||
		after.Indicators.BollingerLower.GreaterThanOrEqual(after.Indicators.BollingerMiddle) {
		t.Errorf("bands out of order: %+v", after.Indicators)
	}
}

func TestTick_RSIStaysClamped(t *testing.T) {
	st := newStore(t)
	cfg := DefaultConfig()
	cfg.RSIDrift = dec("400")
	cfg.PriceDelta = dec("100000")
	sim := New(st, nil, cfg, WithRand(rand.New(rand.NewSource(42))), WithClock(fixedClock(t0)))

	at := t0
	for i := 0; i < 300; i++ {
		at = at.Add(time.Second)
		sim.Tick(at)
		snap := st.Snapshot()
		if snap.Indicators.RSI.IsNegative() || snap.Indicators.RSI.GreaterThan(dec("100")) {
			t.Fatalf("tick %d: rsi %s out of range", i, snap.Indicators.RSI)
		}
		if !snap.Price.IsPositive() {
			t.Fatalf("tick %d: non-positive price %s", i, snap.Price)
		}
	}
}

func TestTick_QuietPeriodAfterAuthoritativePatch(t *testing.T) {
	st := newStore(t)
	gate := &fakeGate{}
	gate.up.Store(true)
	sim := New(st, gate, DefaultConfig(), WithRand(rand.New(rand.NewSource(1))), WithClock(fixedClock(t0)))

	if sim.Tick(t0.Add(time.Second)) {
		t.Fatal("connected simulator should wait out the quiet period first")
	}

	st.ApplyPatch(model.Patch{Price: model.Dec(dec("67900"))}, model.SourcePush, t0.Add(2*time.Second))

	if sim.Tick(t0.Add(6 * time.Second)) {
		t.Fatal("tick 4s after a push should be suppressed")
	}
	if !sim.Tick(t0.Add(7 * time.Second)) {
		t.Fatal("tick once the quiet period has elapsed should apply")
	}
}

func TestTick_PullAlsoResetsQuietPeriod(t *testing.T) {
	st := newStore(t)
	sim := New(st, &fakeGate{}, DefaultConfig(), WithRand(rand.New(rand.NewSource(1))), WithClock(fixedClock(t0)))

	if !sim.Tick(t0) {
		t.Fatal("disconnected simulator should tick at start")
	}
	st.ApplyPatch(model.Patch{Price: model.Dec(dec("67900"))}, model.SourcePull, t0.Add(time.Second))
	if sim.Tick(t0.Add(2 * time.Second)) {
		t.Fatal("pull should suppress simulation even while disconnected")
	}
	if !sim.Tick(t0.Add(6 * time.Second)) {
		t.Fatal("simulation should resume after the quiet period")
	}
}

func TestTick_DuplicatePushesKeepFeedLive(t *testing.T) {
	st := newStore(t)
	gate := &fakeGate{}
	gate.up.Store(true)
	sim := New(st, gate, DefaultConfig(), WithRand(rand.New(rand.NewSource(1))), WithClock(fixedClock(t0)))
	rec := reconcile.New(st, reconcile.WithPullInterval(30*time.Second))
	rec.OnReceipt = func(_ model.Source, at time.Time) { sim.Touch(at) }

	raw := []byte(`{"current_price":67900,"signal":"HOLD"}`)
	for i := 0; i <= 6; i++ {
		if err := rec.HandlePush(raw, t0.Add(time.Duration(2*i)*time.Second)); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	if sim.Tick(t0.Add(12 * time.Second)) {
		t.Fatal("repeated pushes should hold off simulation")
	}
	if !sim.Tick(t0.Add(17 * time.Second)) {
		t.Fatal("simulation should start once pushes stop for the quiet period")
	}
	if src := st.Snapshot().LastUpdateSource; src != model.SourceSimulated {
		t.Fatalf("source = %s after tick", src)
	}

	rec.HandlePush(raw, t0.Add(18*time.Second))
	snap := st.Snapshot()
	if !snap.Price.Equal(dec("67900")) || snap.LastUpdateSource != model.SourcePush {
		t.Fatalf("price=%s source=%s; returning push must replace simulated state", snap.Price, snap.LastUpdateSource)
	}
}

func TestTouch_ResetsQuietPeriod(t *testing.T) {
	st := newStore(t)
	sim := New(st, &fakeGate{}, DefaultConfig(), WithRand(rand.New(rand.NewSource(1))), WithClock(fixedClock(t0)))

	sim.Touch(t0.Add(time.Second))
	if sim.Eligible(t0.Add(5 * time.Second)) {
		t.Fatal("touch should start a quiet period")
	}
	sim.Touch(t0)
	if !sim.Eligible(t0.Add(6 * time.Second)) {
		t.Fatal("older touch should not extend the quiet period")
	}
}

// blockingStore holds ApplyPatch until released.
type blockingStore struct {
	*store.Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) ApplyPatch(p model.Patch, src model.Source, at time.Time) bool {
	b.entered <- struct{}{}
	<-b.release
	return b.Store.ApplyPatch(p, src, at)
}

func TestTick_AtMostOneInFlight(t *testing.T) {
	bs := &blockingStore{Store: newStore(t), entered: make(chan struct{}), release: make(chan struct{})}
	sim := New(bs, nil, DefaultConfig(), WithRand(rand.New(rand.NewSource(3))), WithClock(fixedClock(t0)))
	skipped := 0
	sim.OnSkip = func() { skipped++ }
	applied := 0
	bs.Store.OnApplied = func(model.Source) { applied++ }

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sim.Tick(t0)
	}()
	<-bs.entered

	if sim.Tick(t0.Add(time.Second)) {
		t.Fatal("second tick should be skipped while the first is pending")
	}
	close(bs.release)
	wg.Wait()

	if skipped != 1 || applied != 1 {
		t.Fatalf("skipped=%d applied=%d, want 1/1", skipped, applied)
	}
}

func TestRun_StopsOnAuthoritativeAndResumes(t *testing.T) {
	st := newStore(t)
	cfg := DefaultConfig()
	cfg.QuietPeriod = 250 * time.Millisecond
	cfg.TickInterval = 10 * time.Millisecond
	sim := New(st, &fakeGate{}, cfg, WithRand(rand.New(rand.NewSource(9))))
	var ticks atomic.Int64
	sim.OnTick = func() { ticks.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return ticks.Load() >= 2 })

	st.ApplyPatch(model.Patch{Price: model.Dec(dec("67900"))}, model.SourcePush, time.Now())
	time.Sleep(30 * time.Millisecond)
	frozen := ticks.Load()
	time.Sleep(120 * time.Millisecond)
	if got := ticks.Load(); got != frozen {
		t.Fatalf("ticks advanced from %d to %d inside the quiet period", frozen, got)
	}

	waitFor(t, 2*time.Second, func() bool { return ticks.Load() > frozen })

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_OneTickAfterQuietPeriod(t *testing.T) {
	st := newStore(t)
	cfg := DefaultConfig()
	cfg.QuietPeriod = 5 * time.Second
	cfg.TickInterval = 40 * time.Millisecond

	now := t0.Add(cfg.QuietPeriod + cfg.TickInterval)
	sim := New(st, &fakeGate{}, cfg, WithRand(rand.New(rand.NewSource(5))), WithClock(fixedClock(now)))
	st.ApplyPatch(model.Patch{Price: model.Dec(dec("67900"))}, model.SourcePush, t0)

	if sim.Eligible(t0.Add(cfg.QuietPeriod - time.Millisecond)) {
		t.Fatal("should not be eligible inside the quiet period")
	}

	var applied, skipped atomic.Int64
	st.OnApplied = func(model.Source) { applied.Add(1) }
	sim.OnSkip = func() { skipped.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sim.OnTick = cancel

	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not tick")
	}

	if applied.Load() != 1 || skipped.Load() != 0 {
		t.Fatalf("applied=%d skipped=%d, want exactly one tick", applied.Load(), skipped.Load())
	}
	snap := st.Snapshot()
	if snap.LastUpdateSource != model.SourceSimulated || !snap.LastUpdateAt.Equal(now) {
		t.Errorf("last update = %s at %s, want simulated at %s", snap.LastUpdateSource, snap.LastUpdateAt, now)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
