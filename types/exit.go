package types

// ExitReason is the closed taxonomy of worker terminations.
type ExitReason string

const (
	ExitSignalTimeout       ExitReason = "SIGNAL_TIMEOUT"
	ExitStaleData           ExitReason = "STALE_DATA"
	ExitNoDataTimeout       ExitReason = "NO_DATA_TIMEOUT"
	ExitLowLiquidity        ExitReason = "LOW_LIQUIDITY"
	ExitMarketClosed        ExitReason = "MARKET_CLOSED"
	ExitMarketResolved      ExitReason = "MARKET_RESOLVED"
	ExitMarketArchived      ExitReason = "MARKET_ARCHIVED"
	ExitMarketNotFound      ExitReason = "MARKET_NOT_FOUND"
	ExitAdmissionRejected   ExitReason = "ADMISSION_REJECTED"
	ExitSellAbandoned       ExitReason = "SELL_ABANDONED"
	ExitBalanceInsufficient ExitReason = "BALANCE_INSUFFICIENT"
	ExitPositionClosed      ExitReason = "POSITION_CLOSED"
	ExitDeadlineReached     ExitReason = "DEADLINE_REACHED"
	ExitUserStopped         ExitReason = "USER_STOPPED"
	ExitLiquidated          ExitReason = "LIQUIDATED"
	ExitInternal            ExitReason = "INTERNAL"
)

// AllExitReasons lists every reason, in taxonomy order.
var AllExitReasons = []ExitReason{
	ExitSignalTimeout, ExitStaleData, ExitNoDataTimeout, ExitLowLiquidity,
	ExitMarketClosed, ExitMarketResolved, ExitMarketArchived, ExitMarketNotFound,
	ExitAdmissionRejected, ExitSellAbandoned, ExitBalanceInsufficient,
	ExitPositionClosed, ExitDeadlineReached, ExitUserStopped, ExitLiquidated,
	ExitInternal,
}

// Refillable reports whether an instrument that exited for this reason may be
// re-admitted later.
func (r ExitReason) Refillable() bool {
	switch r {
	case ExitMarketClosed, ExitMarketResolved, ExitMarketArchived, ExitMarketNotFound,
		ExitAdmissionRejected, ExitSellAbandoned, ExitDeadlineReached, ExitUserStopped:
		return false
	}
	return r.Valid()
}

// MarketGone reports whether the exit means the market itself is no longer
// tradable. These exits trigger cleanup of every record for the instrument.
func (r ExitReason) MarketGone() bool {
	switch r {
	case ExitMarketClosed, ExitMarketResolved, ExitMarketArchived, ExitMarketNotFound:
		return true
	}
	return false
}

// MaxRetries caps refills for reasons that need a tighter budget than the
// configured default. Zero means no override.
func (r ExitReason) MaxRetries() int {
	if r == ExitNoDataTimeout {
		return 1
	}
	return 0
}

// Valid reports whether r belongs to the taxonomy.
func (r ExitReason) Valid() bool {
	for _, known := range AllExitReasons {
		if r == known {
			return true
		}
	}
	return false
}

func (r ExitReason) String() string { return string(r) }
