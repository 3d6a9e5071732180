package store

import (
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"trading-dashsync/internal/model"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2025, 6, 13, 10, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newStore(t *testing.T, hist, trades int) *Store {
	t.Helper()
	s, err := New(Config{PriceHistoryCap: hist, TradeLogCap: trades}, model.DefaultSnapshot())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNew_RejectsBadCapacity(t *testing.T) {
	if _, err := New(Config{PriceHistoryCap: 0, TradeLogCap: 6}, model.MarketSnapshot{}); err == nil {
		t.Fatal("expected error for zero history capacity")
	}
}

func TestNew_SeedTruncatedToCapacity(t *testing.T) {
	seed := model.DefaultSnapshot()
	s := newStore(t, 3, 2)
	snap := s.Snapshot()

	if len(snap.PriceHistory) != 3 {
		t.Fatalf("history len = %d, want 3", len(snap.PriceHistory))
	}
	if !snap.PriceHistory[2].Equal(seed.PriceHistory[5]) {
		t.Errorf("history should keep most recent prices, got %v", snap.PriceHistory)
	}
	if len(snap.TradeLog) != 2 {
		t.Fatalf("trade log len = %d, want 2", len(snap.TradeLog))
	}
	if !snap.TradeLog[0].Equal(seed.TradeLog[0]) || !snap.TradeLog[1].Equal(seed.TradeLog[1]) {
		t.Errorf("trade log should keep newest trades")
	}
}

func TestSnapshot_IsCopy(t *testing.T) {
	s := newStore(t, 20, 6)
	snap := s.Snapshot()
	snap.PriceHistory[0] = dec("1")
	snap.TradeLog[0].Side = model.SideBuy
	snap.Position.Size = dec("100")

	again := s.Snapshot()
	if again.PriceHistory[0].Equal(dec("1")) || again.TradeLog[0].Side != model.SideSell || again.Position.Size.Equal(dec("100")) {
		t.Fatal("mutating a snapshot leaked into the store")
	}
}

func TestApplyPatch_PriceAppendsHistory(t *testing.T) {
	s := newStore(t, 20, 6)
	before := len(s.Snapshot().PriceHistory)

	if !s.ApplyPatch(model.Patch{Price: model.Dec(dec("67900"))}, model.SourcePush, t0) {
		t.Fatal("expected patch to apply")
	}
	snap := s.Snapshot()
	if !snap.Price.Equal(dec("67900")) {
		t.Errorf("price = %s", snap.Price)
	}
	if len(snap.PriceHistory) != before+1 || !snap.PriceHistory[len(snap.PriceHistory)-1].Equal(dec("67900")) {
		t.Errorf("history not appended: %v", snap.PriceHistory)
	}
	if snap.LastUpdateSource != model.SourcePush || !snap.LastUpdateAt.Equal(t0) {
		t.Errorf("last update = %s @ %s", snap.LastUpdateSource, snap.LastUpdateAt)
	}
}

func TestApplyPatch_MissingFieldsRetained(t *testing.T) {
	s := newStore(t, 20, 6)
	before := s.Snapshot()

	s.ApplyPatch(model.Patch{Signal: model.SignalPtr(model.SignalBuy)}, model.SourcePull, t0)
	after := s.Snapshot()

	if after.Signal != model.SignalBuy {
		t.Errorf("signal = %s", after.Signal)
	}
	if !after.Price.Equal(before.Price) || !after.Indicators.RSI.Equal(before.Indicators.RSI) {
		t.Error("absent fields should keep prior values")
	}
	if len(after.PriceHistory) != len(before.PriceHistory) {
		t.Error("history should not change without a price")
	}
}

func TestApplyPatch_CapacityNeverExceeded(t *testing.T) {
	s := newStore(t, 5, 3)
	rng := rand.New(rand.NewSource(7))
	at := t0
	for i := 0; i < 200; i++ {
		at = at.Add(time.Second)
		p := model.Patch{Price: model.Dec(decimal.NewFromInt(int64(60000 + rng.Intn(10000))))}
		if rng.Intn(2) == 0 {
			p.Trades = []model.Trade{{Timestamp: at, Side: model.SideSell, Price: *p.Price, Size: dec("0.001"), PnL: dec("1")}}
		}
		s.ApplyPatch(p, model.SourceSimulated, at)

		snap := s.Snapshot()
		if len(snap.PriceHistory) > 5 {
			t.Fatalf("history len %d > 5", len(snap.PriceHistory))
		}
		if len(snap.TradeLog) > 3 {
			t.Fatalf("trade log len %d > 3", len(snap.TradeLog))
		}
	}
}

func TestApplyPatch_RSIClamped(t *testing.T) {
	s := newStore(t, 20, 6)

	s.ApplyPatch(model.Patch{Indicators: model.IndicatorsPatch{RSI: model.Dec(dec("140"))}}, model.SourcePush, t0)
	if got := s.Snapshot().Indicators.RSI; !got.Equal(dec("100")) {
		t.Errorf("rsi = %s, want 100", got)
	}
	s.ApplyPatch(model.Patch{Indicators: model.IndicatorsPatch{RSI: model.Dec(dec("-3"))}}, model.SourcePush, t0.Add(time.Second))
	if got := s.Snapshot().Indicators.RSI; !got.Equal(decimal.Zero) {
		t.Errorf("rsi = %s, want 0", got)
	}
}

func TestApplyPatch_StaleSimulatedIsNoOp(t *testing.T) {
	s := newStore(t, 20, 6)
	s.ApplyPatch(model.Patch{Price: model.Dec(dec("67900"))}, model.SourcePush, t0)
	before := s.Snapshot()

	rejected := 0
	s.OnRejected = func(model.Source) { rejected++ }
	notified := 0
	s.Subscribe(func(model.MarketSnapshot) { notified++ })

	applied := s.ApplyPatch(model.Patch{
		Price:  model.Dec(dec("1")),
		Trades: []model.Trade{{Timestamp: t0, Side: model.SideSell, Price: dec("1"), Size: dec("1"), PnL: dec("5")}},
	}, model.SourceSimulated, t0.Add(-time.Second))

	if applied {
		t.Fatal("stale simulated patch should not apply")
	}
	if !reflect.DeepEqual(before, s.Snapshot()) {
		t.Fatal("snapshot changed after stale simulated patch")
	}
	if rejected != 1 || notified != 0 {
		t.Errorf("rejected=%d notified=%d", rejected, notified)
	}
}

func TestApplyPatch_SimulatedAfterSimulatedAlwaysApplies(t *testing.T) {
	s := newStore(t, 20, 6)
	s.ApplyPatch(model.Patch{Price: model.Dec(dec("67000"))}, model.SourceSimulated, t0)
	if !s.ApplyPatch(model.Patch{Price: model.Dec(dec("67001"))}, model.SourceSimulated, t0.Add(-time.Minute)) {
		t.Fatal("simulated patch should not be ordered against a simulated one")
	}
}

func TestApplyPatch_BuyTradeEvictsOldestKeepsCounters(t *testing.T) {
	s := newStore(t, 20, 6)
	before := s.Snapshot()

	buy := model.Trade{Timestamp: t0, Side: model.SideBuy, Price: dec("67860"), Size: dec("0.0015"), PnL: decimal.Zero}
	s.ApplyPatch(model.Patch{Trades: []model.Trade{buy}}, model.SourceSimulated, t0)
	after := s.Snapshot()

	if len(after.TradeLog) != 6 {
		t.Fatalf("trade log len = %d, want 6", len(after.TradeLog))
	}
	if !after.TradeLog[0].Equal(buy) {
		t.Errorf("head = %+v, want new buy", after.TradeLog[0])
	}
	if !after.TradeLog[5].Equal(before.TradeLog[4]) {
		t.Error("oldest trade should have been evicted")
	}
	if after.TotalTrades != before.TotalTrades || after.DailyTrades != before.DailyTrades {
		t.Errorf("counters changed: total %d->%d daily %d->%d", before.TotalTrades, after.TotalTrades, before.DailyTrades, after.DailyTrades)
	}
	if !after.PnL.Total.Equal(before.PnL.Total) {
		t.Errorf("total pnl changed: %s -> %s", before.PnL.Total, after.PnL.Total)
	}
}

func TestApplyPatch_RealizedTradesAccrue(t *testing.T) {
	s := newStore(t, 20, 6)
	before := s.Snapshot()

	trades := []model.Trade{
		{Timestamp: t0.Add(time.Second), Side: model.SideSell, Price: dec("67900"), Size: dec("0.001"), PnL: dec("12.5")},
		{Timestamp: t0, Side: model.SideSell, Price: dec("67880"), Size: dec("0.001"), PnL: dec("-2.5")},
	}
	s.ApplyPatch(model.Patch{Trades: trades}, model.SourcePush, t0)
	after := s.Snapshot()

	if !after.TradeLog[0].Equal(trades[0]) || !after.TradeLog[1].Equal(trades[1]) {
		t.Error("patch trades should be prepended in order")
	}
	if want := before.PnL.Total.Add(dec("10")); !after.PnL.Total.Equal(want) {
		t.Errorf("total pnl = %s, want %s", after.PnL.Total, want)
	}
	if after.TotalTrades != before.TotalTrades+2 || after.DailyTrades != before.DailyTrades+2 {
		t.Errorf("counters = %d/%d", after.TotalTrades, after.DailyTrades)
	}
	if !after.PnL.Daily.Equal(before.PnL.Daily) {
		t.Error("daily pnl should only change when sent explicitly")
	}
}

func TestApplyPatch_ExplicitAggregatesOverride(t *testing.T) {
	s := newStore(t, 20, 6)
	trade := model.Trade{Timestamp: t0, Side: model.SideSell, Price: dec("67900"), Size: dec("0.001"), PnL: dec("12.5")}
	s.ApplyPatch(model.Patch{
		Trades:      []model.Trade{trade},
		TotalPnL:    model.Dec(dec("500")),
		DailyPnL:    model.Dec(dec("20")),
		TotalTrades: model.Int(60),
		DailyTrades: model.Int(4),
	}, model.SourcePull, t0)
	snap := s.Snapshot()

	if !snap.PnL.Total.Equal(dec("500")) || !snap.PnL.Daily.Equal(dec("20")) {
		t.Errorf("pnl = %+v", snap.PnL)
	}
	if snap.TotalTrades != 60 || snap.DailyTrades != 4 {
		t.Errorf("counters = %d/%d", snap.TotalTrades, snap.DailyTrades)
	}
}

func TestApplyPatch_Position(t *testing.T) {
	s := newStore(t, 20, 6)
	s.ApplyPatch(model.Patch{ClearPosition: true}, model.SourcePush, t0)
	if s.Snapshot().Position != nil {
		t.Fatal("position should be cleared")
	}
	pos := model.Position{Side: model.PositionShort, EntryPrice: dec("68000"), Size: dec("0.002")}
	s.ApplyPatch(model.Patch{Position: &pos}, model.SourcePush, t0.Add(time.Second))
	got := s.Snapshot().Position
	if got == nil || got.Side != model.PositionShort || !got.EntryPrice.Equal(dec("68000")) {
		t.Fatalf("position = %+v", got)
	}
}

func TestApplyPatch_EmptyIgnored(t *testing.T) {
	s := newStore(t, 20, 6)
	if s.ApplyPatch(model.Patch{}, model.SourcePush, t0) {
		t.Fatal("empty patch should not apply")
	}
	if src, _ := s.LastUpdate(); src != model.SourceSimulated {
		t.Errorf("last source = %s, want seed source", src)
	}
}

func TestObservers_PanicIsolated(t *testing.T) {
	s := newStore(t, 20, 6)
	panics := 0
	s.OnObserverPanic = func() { panics++ }

	var got []string
	s.Subscribe(func(model.MarketSnapshot) { got = append(got, "a") })
	s.Subscribe(func(model.MarketSnapshot) { panic("boom") })
	s.Subscribe(func(snap model.MarketSnapshot) {
		got = append(got, "c")
		snap.PriceHistory[0] = dec("0")
	})

	if !s.ApplyPatch(model.Patch{Price: model.Dec(dec("67000"))}, model.SourcePush, t0) {
		t.Fatal("expected apply")
	}
	if !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Errorf("observers called = %v", got)
	}
	if panics != 1 {
		t.Errorf("panics = %d", panics)
	}
	if s.Snapshot().PriceHistory[0].IsZero() {
		t.Error("observer mutation leaked into store")
	}
	if !s.Snapshot().Price.Equal(dec("67000")) {
		t.Error("panicking observer corrupted state")
	}
}

func TestUnsubscribe(t *testing.T) {
	s := newStore(t, 20, 6)
	calls := 0
	tok := s.Subscribe(func(model.MarketSnapshot) { calls++ })

	s.ApplyPatch(model.Patch{Price: model.Dec(dec("1"))}, model.SourcePush, t0)
	if !s.Unsubscribe(tok) {
		t.Fatal("unsubscribe should report true for a live token")
	}
	if s.Unsubscribe(tok) {
		t.Fatal("second unsubscribe should report false")
	}
	s.ApplyPatch(model.Patch{Price: model.Dec(dec("2"))}, model.SourcePush, t0.Add(time.Second))
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestHooks_Evict(t *testing.T) {
	s := newStore(t, 6, 6)
	evicted := map[string]int{}
	s.OnEvict = func(b string) { evicted[b]++ }

	s.ApplyPatch(model.Patch{
		Price:  model.Dec(dec("1")),
		Trades: []model.Trade{{Timestamp: t0, Side: model.SideBuy, Price: dec("1"), Size: dec("1")}},
	}, model.SourcePush, t0)

	if evicted[BufferPriceHistory] != 1 || evicted[BufferTradeLog] != 1 {
		t.Errorf("evicted = %v", evicted)
	}
}

func TestApplyPatch_ConcurrentWritersAndReaders(t *testing.T) {
	s := newStore(t, 20, 6)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				at := t0.Add(time.Duration(w*1000+i) * time.Millisecond)
				s.ApplyPatch(model.Patch{
					Price:  model.Dec(decimal.NewFromInt(int64(i + 1))),
					Trades: []model.Trade{{Timestamp: at, Side: model.SideSell, Price: dec("1"), Size: dec("1"), PnL: dec("1")}},
				}, model.SourcePush, at)
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				snap := s.Snapshot()
				if len(snap.PriceHistory) > 20 || len(snap.TradeLog) > 6 {
					t.Errorf("capacity exceeded: %d/%d", len(snap.PriceHistory), len(snap.TradeLog))
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := s.Snapshot().TotalTrades; got != model.DefaultSnapshot().TotalTrades+400 {
		t.Errorf("total trades = %d", got)
	}
}
