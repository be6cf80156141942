package feeds

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDERBOOK LADDERS - top of book from bid/ask rungs
// ═══════════════════════════════════════════════════════════════════════════════

// PriceLevel represents a single price level in the orderbook
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// UnmarshalJSON accepts both {"price":"0.5","size":"10"} and ["0.5","10"].
func (pl *PriceLevel) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var pair []interface{}
		if err := json.Unmarshal(data, &pair); err != nil {
			return err
		}
		if len(pair) < 2 {
			return fmt.Errorf("price level needs price and size, got %d fields", len(pair))
		}
		price, ok := parseDecimal(pair[0])
		if !ok {
			return fmt.Errorf("bad level price %v", pair[0])
		}
		size, ok := parseDecimal(pair[1])
		if !ok {
			return fmt.Errorf("bad level size %v", pair[1])
		}
		pl.Price, pl.Size = price, size
		return nil
	}

	var obj struct {
		Price flexDecimal `json:"price"`
		Size  flexDecimal `json:"size"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if !obj.Price.Valid || !obj.Size.Valid {
		return fmt.Errorf("price level missing price or size")
	}
	pl.Price, pl.Size = obj.Price.Decimal, obj.Size.Decimal
	return nil
}

// TopOfBook derives best bid and ask from ladder rungs. Rungs with zero size
// are ignored. The exchange does not promise any rung order, so each side is
// sorted best-first before the first rung is taken.
func TopOfBook(bids, asks []PriceLevel) (bid, ask decimal.NullDecimal) {
	b := liveLevels(bids)
	a := liveLevels(asks)

	sort.Slice(b, func(i, j int) bool { return b[i].Price.GreaterThan(b[j].Price) })
	sort.Slice(a, func(i, j int) bool { return a[i].Price.LessThan(a[j].Price) })

	if len(b) > 0 {
		bid = decimal.NullDecimal{Decimal: b[0].Price, Valid: true}
	}
	if len(a) > 0 {
		ask = decimal.NullDecimal{Decimal: a[0].Price, Valid: true}
	}
	return bid, ask
}

func liveLevels(levels []PriceLevel) []PriceLevel {
	out := make([]PriceLevel, 0, len(levels))
	for _, l := range levels {
		if l.Size.GreaterThan(decimal.Zero) {
			out = append(out, l)
		}
	}
	return out
}

// flexDecimal decodes a JSON string, number or null into a nullable decimal.
type flexDecimal struct {
	decimal.NullDecimal
}

func (f *flexDecimal) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" || string(data) == `""` {
		f.Valid = false
		return nil
	}
	if data[0] == '"' {
		s, err := strconv.Unquote(string(data))
		if err != nil {
			return err
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return err
		}
		f.Decimal, f.Valid = d, true
		return nil
	}
	d, err := decimal.NewFromString(string(data))
	if err != nil {
		return err
	}
	f.Decimal, f.Valid = d, true
	return nil
}

// parseDecimal converts interface{} to decimal
func parseDecimal(v interface{}) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case string:
		d, err := decimal.NewFromString(val)
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(val), true
	case int:
		return decimal.NewFromInt(int64(val)), true
	case int64:
		return decimal.NewFromInt(val), true
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}
