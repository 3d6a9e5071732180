package reconcile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"trading-dashsync/internal/model"

	"github.com/shopspring/decimal"
)

var (
	// ErrMalformed marks a payload with an unparseable field. The whole
	// payload is rejected.
	ErrMalformed = errors.New("malformed payload")
	// ErrEmpty marks a well-formed payload that carries no known field.
	ErrEmpty = errors.New("empty payload")
)

// Field aliases accepted on the wire, in lookup order.
var (
	priceKeys       = []string{"price", "current_price", "currentPrice"}
	signalKeys      = []string{"signal"}
	indicatorsKeys  = []string{"indicators"}
	rsiKeys         = []string{"rsi"}
	smaShortKeys    = []string{"sma_short", "smaShort", "sma_12"}
	smaLongKeys     = []string{"sma_long", "smaLong", "sma_26"}
	bbUpperKeys     = []string{"bollinger_upper", "bollingerUpper"}
	bbMiddleKeys    = []string{"bollinger_middle", "bollingerMiddle"}
	bbLowerKeys     = []string{"bollinger_lower", "bollingerLower"}
	positionKeys    = []string{"position"}
	pnlKeys         = []string{"pnl"}
	dailyPnLKeys    = []string{"daily_pnl", "dailyPnL", "daily"}
	totalPnLKeys    = []string{"total_pnl", "totalPnL", "total"}
	dailyTradesKeys = []string{"daily_trades", "dailyTrades"}
	totalTradesKeys = []string{"total_trades", "totalTrades"}
	tradesKeys      = []string{"trades", "recent_trades", "recentTrades"}
	sideKeys        = []string{"side", "type"}
	entryKeys       = []string{"entry_price", "entryPrice"}
	sizeKeys        = []string{"size"}
	tsKeys          = []string{"timestamp", "time", "ts"}
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
}

type object map[string]json.RawMessage

// lookup returns the first alias present with a non-null value.
func (o object) lookup(keys []string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := o[k]; ok && !isNull(v) {
			return v, true
		}
	}
	return nil, false
}

// explicitNull reports whether one of keys is present and null.
func (o object) explicitNull(keys []string) bool {
	for _, k := range keys {
		if v, ok := o[k]; ok && isNull(v) {
			return true
		}
	}
	return false
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// Decode parses a feed payload into a Patch. Fields missing from the payload
// are left unset in the patch. Any field that is present but unparseable
// fails the whole payload with ErrMalformed. A non-positive price counts as
// absent; bots report 0 before their first quote.
func Decode(raw []byte) (model.Patch, error) {
	var p model.Patch

	var root object
	if err := json.Unmarshal(raw, &root); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if root == nil {
		return p, fmt.Errorf("%w: payload is not an object", ErrMalformed)
	}

	var err error
	if p.Price, err = optDecimal(root, priceKeys, "price"); err != nil {
		return model.Patch{}, err
	}
	if p.Price != nil && !p.Price.IsPositive() {
		p.Price = nil
	}

	if v, ok := root.lookup(signalKeys); ok {
		sig, err := parseSignal(v)
		if err != nil {
			return model.Patch{}, err
		}
		p.Signal = &sig
	}

	if p.Indicators, err = decodeIndicators(root); err != nil {
		return model.Patch{}, err
	}

	if v, ok := root.lookup(positionKeys); ok {
		pos, err := parsePosition(v)
		if err != nil {
			return model.Patch{}, err
		}
		if pos == nil {
			p.ClearPosition = true
		} else {
			p.Position = pos
		}
	} else if root.explicitNull(positionKeys) {
		p.ClearPosition = true
	}

	if err := decodePnL(root, &p); err != nil {
		return model.Patch{}, err
	}

	if p.DailyTrades, err = optCount(root, dailyTradesKeys, "daily_trades"); err != nil {
		return model.Patch{}, err
	}
	if p.TotalTrades, err = optCount(root, totalTradesKeys, "total_trades"); err != nil {
		return model.Patch{}, err
	}

	if v, ok := root.lookup(tradesKeys); ok {
		if p.Trades, err = parseTrades(v); err != nil {
			return model.Patch{}, err
		}
	}

	if p.IsEmpty() {
		return p, ErrEmpty
	}
	return p, nil
}

// decodeIndicators reads the nested indicators object, falling back to
// top-level keys for values it does not carry.
func decodeIndicators(root object) (model.IndicatorsPatch, error) {
	var ip model.IndicatorsPatch
	sources := []object{}
	if v, ok := root.lookup(indicatorsKeys); ok {
		var nested object
		if err := json.Unmarshal(v, &nested); err != nil || nested == nil {
			return ip, fmt.Errorf("%w: indicators must be an object", ErrMalformed)
		}
		sources = append(sources, nested)
	}
	sources = append(sources, root)

	fields := []struct {
		dst  **decimal.Decimal
		keys []string
		name string
	}{
		{&ip.RSI, rsiKeys, "rsi"},
		{&ip.SMAShort, smaShortKeys, "sma_short"},
		{&ip.SMALong, smaLongKeys, "sma_long"},
		{&ip.BollingerUpper, bbUpperKeys, "bollinger_upper"},
		{&ip.BollingerMiddle, bbMiddleKeys, "bollinger_middle"},
		{&ip.BollingerLower, bbLowerKeys, "bollinger_lower"},
	}
	for _, f := range fields {
		for _, src := range sources {
			d, err := optDecimal(src, f.keys, f.name)
			if err != nil {
				return model.IndicatorsPatch{}, err
			}
			if d != nil {
				*f.dst = d
				break
			}
		}
	}
	return ip, nil
}

func decodePnL(root object, p *model.Patch) error {
	sources := []object{}
	if v, ok := root.lookup(pnlKeys); ok {
		var nested object
		if err := json.Unmarshal(v, &nested); err != nil || nested == nil {
			return fmt.Errorf("%w: pnl must be an object", ErrMalformed)
		}
		sources = append(sources, nested)
	}
	sources = append(sources, root)

	for _, src := range sources {
		if p.DailyPnL == nil {
			d, err := optDecimal(src, dailyPnLKeys, "daily_pnl")
			if err != nil {
				return err
			}
			p.DailyPnL = d
		}
		if p.TotalPnL == nil {
			d, err := optDecimal(src, totalPnLKeys, "total_pnl")
			if err != nil {
				return err
			}
			p.TotalPnL = d
		}
	}
	return nil
}

func optDecimal(o object, keys []string, name string) (*decimal.Decimal, error) {
	v, ok := o.lookup(keys)
	if !ok {
		return nil, nil
	}
	d, err := parseDecimal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	return &d, nil
}

func optCount(o object, keys []string, name string) (*int, error) {
	d, err := optDecimal(o, keys, name)
	if err != nil || d == nil {
		return nil, err
	}
	if !d.IsInteger() || d.IsNegative() || d.GreaterThan(decimal.NewFromInt(math.MaxInt32)) {
		return nil, fmt.Errorf("%w: %s must be a non-negative integer, got %s", ErrMalformed, name, d)
	}
	n := int(d.IntPart())
	return &n, nil
}

// parseDecimal accepts a JSON number or a string holding a number.
func parseDecimal(v json.RawMessage) (decimal.Decimal, error) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return decimal.Zero, errors.New("empty value")
	}
	s := string(v)
	if v[0] == '"' {
		if err := json.Unmarshal(v, &s); err != nil {
			return decimal.Zero, err
		}
		s = strings.TrimSpace(s)
	} else if v[0] != '-' && (v[0] < '0' || v[0] > '9') {
		return decimal.Zero, fmt.Errorf("not a number: %s", s)
	}
	return decimal.NewFromString(s)
}

func parseString(v json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

func parseSignal(v json.RawMessage) (model.Signal, error) {
	s, err := parseString(v)
	if err != nil {
		return "", fmt.Errorf("%w: signal: %v", ErrMalformed, err)
	}
	switch sig := model.Signal(strings.ToUpper(s)); sig {
	case model.SignalBuy, model.SignalSell, model.SignalHold:
		return sig, nil
	}
	return "", fmt.Errorf("%w: unknown signal %q", ErrMalformed, s)
}

func parseSide(v json.RawMessage) (model.Side, error) {
	s, err := parseString(v)
	if err != nil {
		return "", err
	}
	switch side := model.Side(strings.ToUpper(s)); side {
	case model.SideBuy, model.SideSell:
		return side, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

// parsePosition returns nil for a flat position ("none", "flat" or "").
func parsePosition(v json.RawMessage) (*model.Position, error) {
	v = bytes.TrimSpace(v)
	if len(v) > 0 && v[0] == '"' {
		s, err := parseString(v)
		if err != nil {
			return nil, fmt.Errorf("%w: position: %v", ErrMalformed, err)
		}
		switch strings.ToLower(s) {
		case "", "none", "flat":
			return nil, nil
		}
		return nil, fmt.Errorf("%w: position %q carries no entry", ErrMalformed, s)
	}

	var o object
	if err := json.Unmarshal(v, &o); err != nil || o == nil {
		return nil, fmt.Errorf("%w: position must be an object", ErrMalformed)
	}
	sv, ok := o.lookup(sideKeys)
	if !ok {
		return nil, fmt.Errorf("%w: position side missing", ErrMalformed)
	}
	s, err := parseString(sv)
	if err != nil {
		return nil, fmt.Errorf("%w: position side: %v", ErrMalformed, err)
	}
	pos := &model.Position{}
	switch model.PositionSide(strings.ToLower(s)) {
	case model.PositionLong:
		pos.Side = model.PositionLong
	case model.PositionShort:
		pos.Side = model.PositionShort
	default:
		return nil, fmt.Errorf("%w: unknown position side %q", ErrMalformed, s)
	}

	entry, err := optDecimal(o, entryKeys, "position.entry_price")
	if err != nil {
		return nil, err
	}
	size, err := optDecimal(o, sizeKeys, "position.size")
	if err != nil {
		return nil, err
	}
	if entry == nil || size == nil {
		return nil, fmt.Errorf("%w: position requires entry_price and size", ErrMalformed)
	}
	pos.EntryPrice, pos.Size = *entry, *size
	return pos, nil
}

// parseTrades decodes a newest-first list of trades.
func parseTrades(v json.RawMessage) ([]model.Trade, error) {
	var items []object
	if err := json.Unmarshal(v, &items); err != nil {
		return nil, fmt.Errorf("%w: trades must be an array of objects", ErrMalformed)
	}
	out := make([]model.Trade, 0, len(items))
	for i, o := range items {
		t, err := parseTrade(o)
		if err != nil {
			return nil, fmt.Errorf("%w: trades[%d]: %v", ErrMalformed, i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func parseTrade(o object) (model.Trade, error) {
	var t model.Trade
	if o == nil {
		return t, errors.New("trade must be an object")
	}

	sv, ok := o.lookup(sideKeys)
	if !ok {
		return t, errors.New("side missing")
	}
	side, err := parseSide(sv)
	if err != nil {
		return t, err
	}
	t.Side = side

	tv, ok := o.lookup(tsKeys)
	if !ok {
		return t, errors.New("timestamp missing")
	}
	if t.Timestamp, err = parseTimestamp(tv); err != nil {
		return t, err
	}

	pv, ok := o.lookup([]string{"price"})
	if !ok {
		return t, errors.New("price missing")
	}
	if t.Price, err = parseDecimal(pv); err != nil {
		return t, fmt.Errorf("price: %v", err)
	}
	zv, ok := o.lookup(sizeKeys)
	if !ok {
		return t, errors.New("size missing")
	}
	if t.Size, err = parseDecimal(zv); err != nil {
		return t, fmt.Errorf("size: %v", err)
	}
	if lv, ok := o.lookup([]string{"pnl"}); ok {
		if t.PnL, err = parseDecimal(lv); err != nil {
			return t, fmt.Errorf("pnl: %v", err)
		}
	}
	return t, nil
}

// parseTimestamp accepts RFC 3339, "2006-01-02 15:04:05" (UTC), or epoch
// seconds / milliseconds.
func parseTimestamp(v json.RawMessage) (time.Time, error) {
	v = bytes.TrimSpace(v)
	if len(v) > 0 && v[0] != '"' {
		d, err := parseDecimal(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %v", err)
		}
		if d.Abs().GreaterThanOrEqual(decimal.NewFromInt(1e12)) {
			return time.UnixMilli(d.IntPart()).UTC(), nil
		}
		sec := d.IntPart()
		nsec := d.Sub(decimal.NewFromInt(sec)).Shift(9).IntPart()
		return time.Unix(sec, nsec).UTC(), nil
	}
	s, err := parseString(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %v", err)
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
