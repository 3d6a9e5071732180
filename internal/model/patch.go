package model

import "github.com/shopspring/decimal"

// IndicatorsPatch carries the indicator fields present in an update.
// A nil field means "keep the current value".
type IndicatorsPatch struct {
	RSI             *decimal.Decimal
	SMAShort        *decimal.Decimal
	SMALong         *decimal.Decimal
	BollingerUpper  *decimal.Decimal
	BollingerMiddle *decimal.Decimal
	BollingerLower  *decimal.Decimal
}

// IsEmpty reports whether no indicator is set.
func (p IndicatorsPatch) IsEmpty() bool {
	return p.RSI == nil && p.SMAShort == nil && p.SMALong == nil &&
		p.BollingerUpper == nil && p.BollingerMiddle == nil && p.BollingerLower == nil
}

// Patch is a partial update to a MarketSnapshot. Only non-nil fields are
// applied; everything else keeps its prior value.
//
// Trades are ordered newest first and are prepended to the log so that
// Trades[0] becomes the new head. When a patch carries no explicit P&L total
// or trade counters, realized trades in it accrue into those aggregates.
type Patch struct {
	Price         *decimal.Decimal
	Signal        *Signal
	Indicators    IndicatorsPatch
	Position      *Position
	ClearPosition bool
	DailyPnL      *decimal.Decimal
	TotalPnL      *decimal.Decimal
	DailyTrades   *int
	TotalTrades   *int
	Trades        []Trade
}

// IsEmpty reports whether applying the patch would change nothing.
func (p Patch) IsEmpty() bool {
	return p.Price == nil && p.Signal == nil && p.Indicators.IsEmpty() &&
		p.Position == nil && !p.ClearPosition &&
		p.DailyPnL == nil && p.TotalPnL == nil &&
		p.DailyTrades == nil && p.TotalTrades == nil &&
		len(p.Trades) == 0
}

// Dec returns a pointer to d, for building patches inline.
func Dec(d decimal.Decimal) *decimal.Decimal {
	return &d
}

// Int returns a pointer to n.
func Int(n int) *int {
	return &n
}

// SignalPtr returns a pointer to s.
func SignalPtr(s Signal) *Signal {
	return &s
}
