package indicator

import (
	"math"

	"github.com/shopspring/decimal"
)

// Bands holds Bollinger band values.
type Bands struct {
	Upper  decimal.Decimal
	Middle decimal.Decimal
	Lower  decimal.Decimal
}

// Bollinger returns the SMA of the last period values with bands k
// population standard deviations above and below it.
func Bollinger(series []decimal.Decimal, period int, k decimal.Decimal) (Bands, bool) {
	w, ok := window(series, period)
	if !ok {
		return Bands{}, false
	}
	mid, _ := SMA(w, period)

	sq := decimal.Zero
	for _, v := range w {
		d := v.Sub(mid)
		sq = sq.Add(d.Mul(d))
	}
	variance := sq.Div(decimal.NewFromInt(int64(period)))
	// decimal has no square root; float64 precision is ample for band width.
	sd := decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64()))
	width := sd.Mul(k)

	return Bands{
		Upper:  mid.Add(width),
		Middle: mid,
		Lower:  mid.Sub(width),
	}, true
}
