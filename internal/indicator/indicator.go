// Package indicator computes technical indicators over a price series.
//
// Series are ordered oldest first. Functions look only at the most recent
// period values and report false when the series is too short.
package indicator

import "github.com/shopspring/decimal"

// window returns the last period values of series, or false if there are
// not enough.
func window(series []decimal.Decimal, period int) ([]decimal.Decimal, bool) {
	if period <= 0 || len(series) < period {
		return nil, false
	}
	return series[len(series)-period:], true
}
