package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Snapshot is the latest known top of book for one instrument.
// Price legs are nullable: an unset leg keeps the previous value on merge.
type Snapshot struct {
	InstrumentID   string              `json:"-"`
	BestBid        decimal.NullDecimal `json:"best_bid"`
	BestAsk        decimal.NullDecimal `json:"best_ask"`
	LastTradePrice decimal.NullDecimal `json:"last_trade_price"`
	Sequence       uint64              `json:"sequence"`
	ObservedAt     time.Time           `json:"ts"`
	WrittenAt      time.Time           `json:"written_at"`
}

// Merge copies every set leg of upd into s. Unset legs are left alone.
func (s *Snapshot) Merge(upd Snapshot) {
	if upd.BestBid.Valid {
		s.BestBid = upd.BestBid
	}
	if upd.BestAsk.Valid {
		s.BestAsk = upd.BestAsk
	}
	if upd.LastTradePrice.Valid {
		s.LastTradePrice = upd.LastTradePrice
	}
}

// HasTopOfBook reports whether at least one side of the book is known.
func (s Snapshot) HasTopOfBook() bool {
	return s.BestBid.Valid || s.BestAsk.Valid
}

// Mid returns (bid+ask)/2 when both legs are known, otherwise the known leg,
// otherwise the last trade price.
func (s Snapshot) Mid() (decimal.Decimal, bool) {
	switch {
	case s.BestBid.Valid && s.BestAsk.Valid:
		return s.BestBid.Decimal.Add(s.BestAsk.Decimal).Div(decimal.NewFromInt(2)), true
	case s.BestBid.Valid:
		return s.BestBid.Decimal, true
	case s.BestAsk.Valid:
		return s.BestAsk.Decimal, true
	case s.LastTradePrice.Valid:
		return s.LastTradePrice.Decimal, true
	}
	return decimal.Zero, false
}

// Spread returns ask-bid, false when either leg is missing.
func (s Snapshot) Spread() (decimal.Decimal, bool) {
	if !s.BestBid.Valid || !s.BestAsk.Valid {
		return decimal.Zero, false
	}
	return s.BestAsk.Decimal.Sub(s.BestBid.Decimal), true
}

// Price wraps a decimal as a set snapshot leg.
func Price(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// ═══════════════════════════════════════════════════════════════════════════════
// WORKERS
// ═══════════════════════════════════════════════════════════════════════════════

// WorkerState is the scheduler-side lifecycle of one instrument.
type WorkerState string

const (
	WorkerPending WorkerState = "PENDING"
	WorkerRunning WorkerState = "RUNNING"
	WorkerExiting WorkerState = "EXITING"
	WorkerExited  WorkerState = "EXITED"
)

// WorkerRecord is one instrument under management.
type WorkerRecord struct {
	InstrumentID  string      `json:"instrument_id"`
	State         WorkerState `json:"state"`
	SourceAccount string      `json:"source_account,omitempty"`
	EnqueuedAt    time.Time   `json:"enqueued_at"`
	StartedAt     time.Time   `json:"started_at,omitempty"`
	Handle        string      `json:"handle,omitempty"` // pid or goroutine label
	LastHeartbeat time.Time   `json:"last_heartbeat,omitempty"`
	ExitReason    *ExitReason `json:"exit_reason,omitempty"`
	ExitedAt      time.Time   `json:"exited_at,omitempty"`
	Refillable    bool        `json:"refillable"`
	RetryCount    int         `json:"retry_count"`
	HadPosition   bool        `json:"had_position"`
	LowLiquidity  bool        `json:"low_liquidity"`
}

// ExitReport is the hand-off a worker leaves behind when it terminates.
type ExitReport struct {
	InstrumentID string            `json:"instrument_id"`
	Reason       ExitReason        `json:"exit_reason"`
	Refillable   bool              `json:"refillable"`
	HadPosition  bool              `json:"had_position"`
	ExitedAt     time.Time         `json:"exit_ts"`
	Data         map[string]string `json:"exit_data,omitempty"`
}

// NewExitReport builds a report with the default refillable flag for reason.
func NewExitReport(id string, reason ExitReason, at time.Time) ExitReport {
	return ExitReport{
		InstrumentID: id,
		Reason:       reason,
		Refillable:   reason.Refillable(),
		ExitedAt:     at,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// UPSTREAM FEEDS
// ═══════════════════════════════════════════════════════════════════════════════

// Candidate is an instrument surfaced by the copy-trade signal collector.
type Candidate struct {
	InstrumentID  string    `json:"instrument_id"`
	SourceAccount string    `json:"source_account"`
	LastSeen      time.Time `json:"last_seen"`
}

// SellSignal asks for the position in an instrument to be unwound.
type SellSignal struct {
	InstrumentID  string    `json:"instrument_id"`
	SourceAccount string    `json:"source_account"`
	LastSeen      time.Time `json:"last_seen"`
}

// Fill is an executed order, as seen by a worker.
type Fill struct {
	InstrumentID string
	OrderID      string
	Side         string // BUY or SELL
	Price        decimal.Decimal
	Size         decimal.Decimal
	At           time.Time
}
