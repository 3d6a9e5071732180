package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies which inbound path produced a mutation.
type Source string

const (
	SourcePush      Source = "push"
	SourcePull      Source = "pull"
	SourceSimulated Source = "simulated"
)

// Authoritative reports whether updates from this source come from the real feed.
func (s Source) Authoritative() bool {
	return s == SourcePush || s == SourcePull
}

// Signal is the bot's current trading recommendation.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Indicators holds the technical indicator values shown next to the chart.
// RSI is always kept within [0, 100].
type Indicators struct {
	RSI             decimal.Decimal `json:"rsi"`
	SMAShort        decimal.Decimal `json:"sma_short"`
	SMALong         decimal.Decimal `json:"sma_long"`
	BollingerUpper  decimal.Decimal `json:"bollinger_upper"`
	BollingerMiddle decimal.Decimal `json:"bollinger_middle"`
	BollingerLower  decimal.Decimal `json:"bollinger_lower"`
}

// Position represents the bot's open position, if any.
type Position struct {
	Side       PositionSide    `json:"side"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Size       decimal.Decimal `json:"size"`
}

// PnL holds realized profit and loss aggregates.
type PnL struct {
	Daily decimal.Decimal `json:"daily"`
	Total decimal.Decimal `json:"total"`
}

// MarketSnapshot is the complete dashboard state at one point in time.
//
// PriceHistory is ordered oldest first; TradeLog is ordered newest first.
// A snapshot returned by the store is a private copy and may be modified
// freely by the caller.
type MarketSnapshot struct {
	Price            decimal.Decimal   `json:"price"`
	PriceHistory     []decimal.Decimal `json:"price_history"`
	Indicators       Indicators        `json:"indicators"`
	Position         *Position         `json:"position"`
	PnL              PnL               `json:"pnl"`
	DailyTrades      int               `json:"daily_trades"`
	TotalTrades      int               `json:"total_trades"`
	TradeLog         []Trade           `json:"trade_log"`
	Signal           Signal            `json:"signal"`
	LastUpdateSource Source            `json:"last_update_source"`
	LastUpdateAt     time.Time         `json:"last_update_at"`
}

// Clone returns a deep copy that shares no mutable memory with s.
func (s MarketSnapshot) Clone() MarketSnapshot {
	out := s
	if s.PriceHistory != nil {
		out.PriceHistory = make([]decimal.Decimal, len(s.PriceHistory))
		copy(out.PriceHistory, s.PriceHistory)
	}
	if s.TradeLog != nil {
		out.TradeLog = make([]Trade, len(s.TradeLog))
		copy(out.TradeLog, s.TradeLog)
	}
	if s.Position != nil {
		p := *s.Position
		out.Position = &p
	}
	return out
}

// HeadTrade returns the most recent trade in the log.
func (s MarketSnapshot) HeadTrade() (Trade, bool) {
	if len(s.TradeLog) == 0 {
		return Trade{}, false
	}
	return s.TradeLog[0], true
}
