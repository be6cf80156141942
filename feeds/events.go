package feeds

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EVENTS - closed variant over market channel messages
// ═══════════════════════════════════════════════════════════════════════════════

// Kind names an event variant.
type Kind string

const (
	KindPriceChange Kind = "price_change"
	KindBook        Kind = "book"
	KindBestBidAsk  Kind = "best_bid_ask"
	KindTrade       Kind = "last_trade_price"
	KindUnknown     Kind = "unknown"
)

// Event is implemented only by the variants in this file.
type Event interface {
	Kind() Kind
	// Timestamp is the exchange time of the event, zero when the message had none.
	Timestamp() time.Time
	isEvent()
}

// Quote is one instrument's top of book inside a price_change message.
// Any leg may be unset.
type Quote struct {
	InstrumentID   string
	BestBid        decimal.NullDecimal
	BestAsk        decimal.NullDecimal
	LastTradePrice decimal.NullDecimal
}

// PriceChange carries one or more quotes.
type PriceChange struct {
	Market string
	Quotes []Quote
	At     time.Time
}

// Book is a full ladder snapshot for one instrument.
type Book struct {
	Market       string
	InstrumentID string
	Bids         []PriceLevel
	Asks         []PriceLevel
	At           time.Time
}

// BestBidAsk is a direct top-of-book update.
type BestBidAsk struct {
	Market       string
	InstrumentID string
	BestBid      decimal.NullDecimal
	BestAsk      decimal.NullDecimal
	At           time.Time
}

// Trade is a last-trade tick.
type Trade struct {
	Market       string
	InstrumentID string
	Price        decimal.NullDecimal
	Size         decimal.NullDecimal
	Side         string
	At           time.Time
}

// Unknown is any message whose event_type is not recognized. It is kept so
// callers can count it rather than confuse it with an empty update.
type Unknown struct {
	Type string
	Raw  json.RawMessage
	At   time.Time
}

func (PriceChange) Kind() Kind { return KindPriceChange }
func (Book) Kind() Kind        { return KindBook }
func (BestBidAsk) Kind() Kind  { return KindBestBidAsk }
func (Trade) Kind() Kind       { return KindTrade }
func (Unknown) Kind() Kind     { return KindUnknown }

func (e PriceChange) Timestamp() time.Time { return e.At }
func (e Book) Timestamp() time.Time        { return e.At }
func (e BestBidAsk) Timestamp() time.Time  { return e.At }
func (e Trade) Timestamp() time.Time       { return e.At }
func (e Unknown) Timestamp() time.Time     { return e.At }

func (PriceChange) isEvent() {}
func (Book) isEvent()        {}
func (BestBidAsk) isEvent()  {}
func (Trade) isEvent()       {}
func (Unknown) isEvent()     {}

// wireMessage is the union of fields used by every market channel message.
type wireMessage struct {
	EventType    string          `json:"event_type"`
	Market       string          `json:"market"`
	AssetID      string          `json:"asset_id"`
	Timestamp    json.RawMessage `json:"timestamp"`
	Price        flexDecimal     `json:"price"`
	Size         flexDecimal     `json:"size"`
	Side         string          `json:"side"`
	BestBid      flexDecimal     `json:"best_bid"`
	BestAsk      flexDecimal     `json:"best_ask"`
	Bids         []PriceLevel    `json:"bids"`
	Asks         []PriceLevel    `json:"asks"`
	Buys         []PriceLevel    `json:"buys"`
	Sells        []PriceLevel    `json:"sells"`
	PriceChanges []wireChange    `json:"price_changes"`
}

type wireChange struct {
	AssetID string      `json:"asset_id"`
	Price   flexDecimal `json:"price"`
	Size    flexDecimal `json:"size"`
	Side    string      `json:"side"`
	BestBid flexDecimal `json:"best_bid"`
	BestAsk flexDecimal `json:"best_ask"`
}

// ParseMessage decodes one websocket frame into events. A frame may hold a
// single object or an array of objects. Keep-alive text such as PONG yields
// no events and no error.
func ParseMessage(data []byte) ([]Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] != '{' && data[0] != '[' {
		if isKeepAlive(data) {
			return nil, nil
		}
		return nil, fmt.Errorf("non-json frame %q", truncate(data, 32))
	}

	var raws []json.RawMessage
	if data[0] == '[' {
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
	} else {
		raws = []json.RawMessage{data}
	}

	events := make([]Event, 0, len(raws))
	var errs []error
	for _, raw := range raws {
		ev, err := parseOne(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, ev)
	}
	return events, errors.Join(errs...)
}

func parseOne(raw json.RawMessage) (Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", truncate(raw, 48), err)
	}
	at := parseTimestamp(msg.Timestamp)

	switch Kind(msg.EventType) {
	case KindPriceChange:
		pc := PriceChange{Market: msg.Market, At: at}
		for _, ch := range msg.PriceChanges {
			if ch.AssetID == "" {
				continue
			}
			pc.Quotes = append(pc.Quotes, Quote{
				InstrumentID: ch.AssetID,
				BestBid:      ch.BestBid.NullDecimal,
				BestAsk:      ch.BestAsk.NullDecimal,
			})
		}
		// Older frames put a single change at the top level.
		if len(msg.PriceChanges) == 0 && msg.AssetID != "" {
			pc.Quotes = append(pc.Quotes, Quote{
				InstrumentID: msg.AssetID,
				BestBid:      msg.BestBid.NullDecimal,
				BestAsk:      msg.BestAsk.NullDecimal,
			})
		}
		return pc, nil

	case KindBook, "tick":
		bids, asks := msg.Bids, msg.Asks
		if len(bids) == 0 && len(asks) == 0 {
			bids, asks = msg.Buys, msg.Sells
		}
		if len(bids) == 0 && len(asks) == 0 && (msg.BestBid.Valid || msg.BestAsk.Valid) {
			return BestBidAsk{
				Market:       msg.Market,
				InstrumentID: msg.AssetID,
				BestBid:      msg.BestBid.NullDecimal,
				BestAsk:      msg.BestAsk.NullDecimal,
				At:           at,
			}, nil
		}
		return Book{Market: msg.Market, InstrumentID: msg.AssetID, Bids: bids, Asks: asks, At: at}, nil

	case KindBestBidAsk:
		return BestBidAsk{
			Market:       msg.Market,
			InstrumentID: msg.AssetID,
			BestBid:      msg.BestBid.NullDecimal,
			BestAsk:      msg.BestAsk.NullDecimal,
			At:           at,
		}, nil

	case KindTrade:
		return Trade{
			Market:       msg.Market,
			InstrumentID: msg.AssetID,
			Price:        msg.Price.NullDecimal,
			Size:         msg.Size.NullDecimal,
			Side:         msg.Side,
			At:           at,
		}, nil
	}

	return Unknown{Type: msg.EventType, Raw: raw, At: at}, nil
}

// parseTimestamp accepts unix seconds or milliseconds, quoted or bare.
func parseTimestamp(raw json.RawMessage) time.Time {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return time.Time{}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return time.Time{}
	}
	if f > 1e12 {
		return time.UnixMilli(int64(f))
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9))
}

func isKeepAlive(data []byte) bool {
	s := strings.ToUpper(string(data))
	return s == "PONG" || s == "PING"
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
