// Package risk implements exposure limits layered on top of the pool's
// solvency gate: a cap on the total wagered notional committed against
// one asset's pool, and a cap on any single trader's wager.
//
// The solvency buffer bounds what the pool can promise; these limits
// bound how concentrated that promise may get before the buffer is
// even consulted.
package risk

import "errors"

var (
	// ErrAssetNotionalCap is returned when a wager would push the
	// asset's total open notional beyond the configured maximum.
	ErrAssetNotionalCap = errors.New("risk: asset open-notional cap exceeded")

	// ErrTraderWagerCap is returned when a single wager exceeds the
	// per-trader maximum.
	ErrTraderWagerCap = errors.New("risk: per-trader wager cap exceeded")
)

// Limiter enforces notional exposure limits. A zero cap disables the
// corresponding check.
type Limiter struct {
	// MaxAssetNotional is the maximum total wagered notional open
	// against one asset's pool.
	MaxAssetNotional uint64

	// MaxTraderWager is the maximum size of a single wager.
	MaxTraderWager uint64
}

// NewLimiter creates a limiter with the given caps.
func NewLimiter(maxAssetNotional, maxTraderWager uint64) *Limiter {
	return &Limiter{
		MaxAssetNotional: maxAssetNotional,
		MaxTraderWager:   maxTraderWager,
	}
}

// CheckOpen validates a prospective wager against the caps.
//
// Parameters:
//   - openNotional: the asset's current committed notional
//   - wager: the new position's wagered amount
//
// Returns nil if the open is within limits.
func (l *Limiter) CheckOpen(openNotional, wager uint64) error {
	if l.MaxTraderWager > 0 && wager > l.MaxTraderWager {
		return ErrTraderWagerCap
	}
	if l.MaxAssetNotional > 0 {
		if wager > l.MaxAssetNotional || openNotional > l.MaxAssetNotional-wager {
			return ErrAssetNotionalCap
		}
	}
	return nil
}
