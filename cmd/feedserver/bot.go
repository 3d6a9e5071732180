package main

import (
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// maxRecentTrades matches the dashboard trade log capacity.
const maxRecentTrades = 6

// botTrade uses the bot backend's field names: "type" and "time".
type botTrade struct {
	Type  string          `json:"type"`
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	PnL   decimal.Decimal `json:"pnl"`
	Time  string          `json:"time"`
}

type botPosition struct {
	Side       string          `json:"side"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Size       decimal.Decimal `json:"size"`
}

type botIndicators struct {
	RSI             decimal.Decimal `json:"rsi"`
	SMA12           decimal.Decimal `json:"sma_12"`
	SMA26           decimal.Decimal `json:"sma_26"`
	BollingerUpper  decimal.Decimal `json:"bollinger_upper"`
	BollingerMiddle decimal.Decimal `json:"bollinger_middle"`
	BollingerLower  decimal.Decimal `json:"bollinger_lower"`
}

// botStatus is the payload served on /api/bot/status and pushed as
// bot_update.
type botStatus struct {
	CurrentPrice decimal.Decimal `json:"current_price"`
	Signal       string          `json:"signal"`
	Indicators   botIndicators   `json:"indicators"`
	Position     *botPosition    `json:"position"`
	DailyPnL     decimal.Decimal `json:"daily_pnl"`
	TotalPnL     decimal.Decimal `json:"total_pnl"`
	DailyTrades  int             `json:"daily_trades"`
	TotalTrades  int             `json:"total_trades"`
	RecentTrades []botTrade      `json:"recent_trades"`
	Timestamp    string          `json:"timestamp"`
}

// bot random-walks a plausible trading bot. It opens a long on BUY and
// closes it on SELL, realizing the difference.
type bot struct {
	mu     sync.Mutex
	rng    *rand.Rand
	status botStatus
	closes []decimal.Decimal
}

func newBot(rng *rand.Rand, price decimal.Decimal) *bot {
	return &bot{
		rng: rng,
		status: botStatus{
			CurrentPrice: price,
			Signal:       "HOLD",
			Indicators:   botIndicators{RSI: decimal.NewFromInt(50)},
			RecentTrades: []botTrade{},
		},
	}
}

func (b *bot) snapshot() botStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.status
	out.RecentTrades = append([]botTrade(nil), b.status.RecentTrades...)
	if b.status.Position != nil {
		p := *b.status.Position
		out.Position = &p
	}
	return out
}

// step advances the walk by one interval and returns the new status.
func (b *bot) step(now time.Time) botStatus {
	b.mu.Lock()
	s := &b.status

	// ±0.1% per step, floored at one cent.
	pct := decimal.NewFromFloat((b.rng.Float64()*0.2 - 0.1) / 100.0)
	price := s.CurrentPrice.Add(s.CurrentPrice.Mul(pct)).Round(2)
	if price.LessThan(decimal.RequireFromString("0.01")) {
		price = decimal.RequireFromString("0.01")
	}
	s.CurrentPrice = price
	s.Timestamp = now.UTC().Format(time.RFC3339Nano)

	b.closes = append(b.closes, price)
	if len(b.closes) > 26 {
		b.closes = b.closes[len(b.closes)-26:]
	}

	rsi := s.Indicators.RSI.Add(decimal.NewFromFloat(b.rng.Float64()*6 - 3)).Round(2)
	if rsi.IsNegative() {
		rsi = decimal.Zero
	} else if rsi.GreaterThan(decimal.NewFromInt(100)) {
		rsi = decimal.NewFromInt(100)
	}
	s.Indicators.RSI = rsi
	s.Indicators.SMA12 = mean(b.closes, 12)
	s.Indicators.SMA26 = mean(b.closes, 26)
	mid := mean(b.closes, 20)
	band := price.Mul(decimal.RequireFromString("0.01")).Round(2)
	s.Indicators.BollingerMiddle = mid
	s.Indicators.BollingerUpper = mid.Add(band)
	s.Indicators.BollingerLower = mid.Sub(band)

	switch {
	case rsi.LessThan(decimal.NewFromInt(35)):
		s.Signal = "BUY"
	case rsi.GreaterThan(decimal.NewFromInt(65)):
		s.Signal = "SELL"
	default:
		s.Signal = "HOLD"
	}

	if s.Signal == "BUY" && s.Position == nil {
		size := decimal.NewFromFloat(0.001 + b.rng.Float64()*0.001).Round(5)
		s.Position = &botPosition{Side: "long", EntryPrice: price, Size: size}
		b.record(botTrade{Type: "BUY", Price: price, Size: size, PnL: decimal.Zero, Time: s.Timestamp})
	} else if s.Signal == "SELL" && s.Position != nil {
		pnl := price.Sub(s.Position.EntryPrice).Mul(s.Position.Size).Round(2)
		b.record(botTrade{Type: "SELL", Price: price, Size: s.Position.Size, PnL: pnl, Time: s.Timestamp})
		s.Position = nil
		s.DailyPnL = s.DailyPnL.Add(pnl)
		s.TotalPnL = s.TotalPnL.Add(pnl)
	}
	b.mu.Unlock()
	return b.snapshot()
}

// record prepends t and counts it. Caller holds mu.
func (b *bot) record(t botTrade) {
	s := &b.status
	s.RecentTrades = append([]botTrade{t}, s.RecentTrades...)
	if len(s.RecentTrades) > maxRecentTrades {
		s.RecentTrades = s.RecentTrades[:maxRecentTrades]
	}
	s.DailyTrades++
	s.TotalTrades++
}

// mean averages the last n values, or all of them when fewer exist.
func mean(xs []decimal.Decimal, n int) decimal.Decimal {
	if len(xs) == 0 {
		return decimal.Zero
	}
	if len(xs) > n {
		xs = xs[len(xs)-n:]
	}
	return decimal.Sum(xs[0], xs[1:]...).Div(decimal.NewFromInt(int64(len(xs)))).Round(2)
}
