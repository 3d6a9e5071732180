package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultSnapshot returns the sample state shown before any feed data
// arrives, so the dashboard never renders an empty view.
func DefaultSnapshot() MarketSnapshot {
	d := decimal.RequireFromString
	ts := func(s string) time.Time {
		t, _ := time.Parse("2006-01-02 15:04:05", s)
		return t.UTC()
	}

	return MarketSnapshot{
		Price: d("67850.32"),
		PriceHistory: []decimal.Decimal{
			d("67450"), d("67520"), d("67380"), d("67600"), d("67720"), d("67850"),
		},
		Indicators: Indicators{
			RSI:             d("42.3"),
			SMAShort:        d("67245.67"),
			SMALong:         d("66980.23"),
			BollingerUpper:  d("68500.00"),
			BollingerMiddle: d("67850.00"),
			BollingerLower:  d("67200.00"),
		},
		Position: &Position{
			Side:       PositionLong,
			EntryPrice: d("67654.32"),
			Size:       d("0.00148"),
		},
		PnL: PnL{
			Daily: d("53.89"),
			Total: d("342.56"),
		},
		DailyTrades: 3,
		TotalTrades: 47,
		TradeLog: []Trade{
			{Timestamp: ts("2025-06-13 09:45:23"), Side: SideSell, Price: d("67820.45"), Size: d("0.00147"), PnL: d("23.45")},
			{Timestamp: ts("2025-06-13 09:32:15"), Side: SideBuy, Price: d("67654.32"), Size: d("0.00148"), PnL: decimal.Zero},
			{Timestamp: ts("2025-06-13 09:18:42"), Side: SideSell, Price: d("67890.12"), Size: d("0.00145"), PnL: d("45.67")},
			{Timestamp: ts("2025-06-13 08:56:33"), Side: SideBuy, Price: d("67576.89"), Size: d("0.00148"), PnL: decimal.Zero},
			{Timestamp: ts("2025-06-13 08:42:18"), Side: SideSell, Price: d("67423.55"), Size: d("0.00149"), PnL: d("-15.23")},
			{Timestamp: ts("2025-06-13 08:29:07"), Side: SideBuy, Price: d("67521.44"), Size: d("0.00148"), PnL: decimal.Zero},
		},
		Signal:           SignalHold,
		LastUpdateSource: SourceSimulated,
	}
}
