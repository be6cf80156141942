package exec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polymaker/internal/metrics"
	"github.com/web3guy0/polymaker/internal/retry"
	"github.com/web3guy0/polymaker/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PLACER - retries with backoff, shrinks on insufficient balance
// ═══════════════════════════════════════════════════════════════════════════════
//
//   retriable error        → wait Backoff.Next(attempt), same size
//   insufficient balance   → wait, size *= ShrinkFactor
//   size below MinSize     → ErrOrderAbandoned (wraps the balance error)
//   attempts exhausted     → ErrOrderAbandoned
//   anything else          → returned as is
//
// ═══════════════════════════════════════════════════════════════════════════════

// OrderClient is the part of the exchange client the placer drives.
type OrderClient interface {
	PlaceOrder(ctx context.Context, o OrderRequest) (OrderResult, error)
}

// PlacerConfig controls retries.
type PlacerConfig struct {
	Attempts     int             `yaml:"attempts"`
	Backoff      retry.Backoff   `yaml:"backoff"`
	ShrinkFactor decimal.Decimal `yaml:"shrink_factor"`
	MinSize      decimal.Decimal `yaml:"min_size"`
	CallTimeout  time.Duration   `yaml:"call_timeout"`
}

// DefaultPlacerConfig returns production defaults.
func DefaultPlacerConfig() PlacerConfig {
	return PlacerConfig{
		Attempts:     5,
		Backoff:      retry.Backoff{Min: 500 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0.1},
		ShrinkFactor: decimal.RequireFromString("0.5"),
		MinSize:      decimal.NewFromInt(1),
		CallTimeout:  10 * time.Second,
	}
}

type Placer struct {
	client OrderClient
	cfg    PlacerConfig
	sleep  retry.SleepFunc
}

func NewPlacer(client OrderClient, cfg PlacerConfig) *Placer {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if !cfg.ShrinkFactor.IsPositive() || cfg.ShrinkFactor.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		cfg.ShrinkFactor = decimal.RequireFromString("0.5")
	}
	return &Placer{client: client, cfg: cfg, sleep: retry.Sleep}
}

// Place submits o, retrying per the policy above.
func (p *Placer) Place(ctx context.Context, o OrderRequest) (OrderResult, error) {
	var errs []error
	size := o.Size

	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		req := o
		req.Size = size

		callCtx := ctx
		cancel := func() {}
		if p.cfg.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.cfg.CallTimeout)
		}
		res, err := p.client.PlaceOrder(callCtx, req)
		cancel()
		if err == nil {
			metrics.OrderAttempts.WithLabelValues("ok").Inc()
			return res, nil
		}
		errs = append(errs, fmt.Errorf("attempt %d size %s: %w", attempt, size.StringFixed(2), err))

		switch {
		case types.IsInsufficientBalance(err):
			metrics.OrderAttempts.WithLabelValues("insufficient_balance").Inc()
			next := size.Mul(p.cfg.ShrinkFactor).RoundDown(2)
			if next.LessThan(p.cfg.MinSize) {
				log.Warn().
					Str("token", shortToken(o.TokenID)).
					Str("side", o.Side).
					Str("size", next.StringFixed(2)).
					Msg("❌ Order abandoned, size below minimum")
				return OrderResult{}, fmt.Errorf("%s %s: %w", o.Side, shortToken(o.TokenID), errors.Join(append([]error{types.ErrOrderAbandoned}, errs...)...))
			}
			log.Warn().
				Str("side", o.Side).
				Str("from", size.StringFixed(2)).
				Str("to", next.StringFixed(2)).
				Msg("💸 Insufficient balance, shrinking order")
			size = next
		case types.IsRetriable(err) || errors.Is(err, context.DeadlineExceeded):
			metrics.OrderAttempts.WithLabelValues("retry").Inc()
		default:
			metrics.OrderAttempts.WithLabelValues("fatal").Inc()
			return OrderResult{}, err
		}

		if attempt == p.cfg.Attempts {
			break
		}
		wait := p.cfg.Backoff.Next(attempt)
		log.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("Order retry")
		if err := p.sleep(ctx, wait); err != nil {
			return OrderResult{}, err
		}
	}

	log.Warn().
		Str("token", shortToken(o.TokenID)).
		Str("side", o.Side).
		Int("attempts", p.cfg.Attempts).
		Msg("❌ Order abandoned after retries")
	return OrderResult{}, fmt.Errorf("%s %s: %w", o.Side, shortToken(o.TokenID), errors.Join(append([]error{types.ErrOrderAbandoned}, errs...)...))
}
