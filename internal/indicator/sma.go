package indicator

import "github.com/shopspring/decimal"

// SMA returns the simple moving average of the last period values.
func SMA(series []decimal.Decimal, period int) (decimal.Decimal, bool) {
	w, ok := window(series, period)
	if !ok {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, v := range w {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(period))), true
}
