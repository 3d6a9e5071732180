package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an executed trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Trade is a single execution shown in the recent trades table.
// Trades are values and are never modified once recorded.
type Trade struct {
	Timestamp time.Time       `json:"timestamp"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	PnL       decimal.Decimal `json:"pnl"`
}

// Realized reports whether the trade closed exposure with a non-zero result.
// Opening trades carry zero P&L by convention.
func (t Trade) Realized() bool {
	return !t.PnL.IsZero()
}

// Equal compares two trades field by field. Decimals compare numerically.
func (t Trade) Equal(o Trade) bool {
	return t.Timestamp.Equal(o.Timestamp) &&
		t.Side == o.Side &&
		t.Price.Equal(o.Price) &&
		t.Size.Equal(o.Size) &&
		t.PnL.Equal(o.PnL)
}

// ContainsTrade reports whether log holds a trade equal to t.
func ContainsTrade(log []Trade, t Trade) bool {
	for _, x := range log {
		if x.Equal(t) {
			return true
		}
	}
	return false
}
