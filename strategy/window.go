package strategy

import (
	"time"

	"github.com/shopspring/decimal"
)

// pricePoint is one observation in a rolling window.
type pricePoint struct {
	price decimal.Decimal
	at    time.Time
}

// rollingWindow keeps observations newer than span.
type rollingWindow struct {
	span   time.Duration
	points []pricePoint
}

func newRollingWindow(span time.Duration) *rollingWindow {
	return &rollingWindow{span: span}
}

// Push appends p and drops anything older than span.
func (w *rollingWindow) Push(price decimal.Decimal, at time.Time) {
	w.points = append(w.points, pricePoint{price: price, at: at})
	w.trim(at)
}

func (w *rollingWindow) trim(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.points) && w.points[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.points = append(w.points[:0], w.points[i:]...)
	}
}

// High returns the highest price at or after since.
func (w *rollingWindow) High(since time.Time) (decimal.Decimal, bool) {
	var high decimal.Decimal
	found := false
	for _, p := range w.points {
		if p.at.Before(since) {
			continue
		}
		if !found || p.price.GreaterThan(high) {
			high = p.price
			found = true
		}
	}
	return high, found
}

// First returns the oldest point at or after since.
func (w *rollingWindow) First(since time.Time) (pricePoint, bool) {
	for _, p := range w.points {
		if !p.at.Before(since) {
			return p, true
		}
	}
	return pricePoint{}, false
}

func (w *rollingWindow) Len() int { return len(w.points) }
