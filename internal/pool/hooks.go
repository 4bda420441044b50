package pool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/perpx/perp-engine/internal/fixedmath"
)

// Hooks is the trusted-collaborator surface of the pool: the entry
// points only the position engine may call as part of position
// lifecycle transitions. The capability is handed to the position
// engine at wiring time and never exposed over the API.
type Hooks struct {
	e *Engine
}

// Hooks returns the position-engine capability for this pool engine.
func (e *Engine) Hooks() *Hooks {
	return &Hooks{e: e}
}

// DepositCollateral moves a trader's wager into the pool reserve and
// commits it to the active-positions notional. Called when a trade
// opens. The coverage requirement is re-verified here under the pool
// mutex: the reserve, less the 5% operational buffer, must still cover
// maxPayout at the moment the collateral lands, so an LP withdrawal
// racing the open cannot leave the pool committed beyond its means.
func (h *Hooks) DepositCollateral(ctx context.Context, a, from string, amount, maxPayout uint64, ref string) error {
	e := h.e
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.Get(ctx, a)
	if err != nil {
		return err
	}
	buffer, err := fixedmath.MulDivFloor(p.Reserve, fixedmath.ReserveBufferBps, fixedmath.BasisPoints)
	if err != nil {
		return err
	}
	if p.Reserve-buffer < maxPayout {
		return fmt.Errorf("%w: reserve %d cannot cover max payout %d",
			ErrInsufficientLiquidity, p.Reserve, maxPayout)
	}
	if err := e.transfer.Withdraw(ctx, from, a, amount, ref); err != nil {
		return err
	}
	newReserve, err := fixedmath.Add(p.Reserve, amount)
	if err != nil {
		return err
	}
	newNotional, err := fixedmath.Add(p.OpenNotional, amount)
	if err != nil {
		return err
	}
	p.Reserve = newReserve
	p.OpenNotional = newNotional
	return e.store.UpdatePool(ctx, p)
}

// WithdrawPayout settles a winning (or partially losing) position:
// the reserve drops by the gross payout, the full gross payout is
// recorded against the PnL accumulator, the wager leaves the active
// notional, and the net payout (gross minus fee) is transferred to the
// trader. The pool's loss equals the gross payout regardless of how
// the fee is split.
func (h *Hooks) WithdrawPayout(ctx context.Context, a, to string, gross, net, wagered uint64, ref string) error {
	e := h.e
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.Get(ctx, a)
	if err != nil {
		return err
	}
	if gross > p.Reserve {
		return fmt.Errorf("%w: reserve %d, payout %d", ErrInsufficientLiquidity, p.Reserve, gross)
	}
	newPnL, err := fixedmath.PnLSub(p.RealizedPnL, gross)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	p.Reserve -= gross
	p.RealizedPnL = newPnL
	if wagered >= p.OpenNotional {
		p.OpenNotional = 0
	} else {
		p.OpenNotional -= wagered
	}
	if err := e.store.UpdatePool(ctx, p); err != nil {
		return err
	}
	if net > 0 {
		if err := e.transfer.Deposit(ctx, to, a, net, ref); err != nil {
			return err
		}
	}
	return nil
}

// RecordLoss books a trader's full loss as pool gain: the accumulator
// moves up by amount and the wager leaves the active notional. The
// collateral itself already sits in the reserve from DepositCollateral.
func (h *Hooks) RecordLoss(ctx context.Context, a string, amount uint64) error {
	e := h.e
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.Get(ctx, a)
	if err != nil {
		return err
	}
	if amount > p.OpenNotional {
		return fmt.Errorf("%w: loss %d exceeds open notional %d",
			ErrInvalidState, amount, p.OpenNotional)
	}
	newPnL, err := fixedmath.PnLAdd(p.RealizedPnL, amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	p.RealizedPnL = newPnL
	p.OpenNotional -= amount
	return e.store.UpdatePool(ctx, p)
}

// CanCoverPayout reports whether the reserve, less the 5% operational
// buffer, covers a prospective maximum payout. This is an advisory
// pre-check for early rejection at open time; the authoritative check
// happens inside DepositCollateral under the same lock as the deposit.
func (h *Hooks) CanCoverPayout(ctx context.Context, a string, maxPayout uint64) (bool, error) {
	e := h.e
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.Get(ctx, a)
	if err != nil {
		return false, err
	}
	buffer, err := fixedmath.MulDivFloor(p.Reserve, fixedmath.ReserveBufferBps, fixedmath.BasisPoints)
	if err != nil {
		return false, err
	}
	return p.Reserve-buffer >= maxPayout, nil
}

// Paused reports the pool's pause flag (gate for opens).
func (h *Hooks) Paused(ctx context.Context, a string) (bool, error) {
	p, err := h.e.Get(ctx, a)
	if err != nil {
		return false, err
	}
	return p.Paused, nil
}

// Describe returns the pricing pair and decimals for an asset, failing
// ErrUnsupportedAsset when no pool is registered.
func (h *Hooks) Describe(ctx context.Context, a string) (pair string, decimals uint32, err error) {
	p, err := h.e.Get(ctx, a)
	if err != nil {
		return "", 0, err
	}
	return p.Pair, p.Decimals, nil
}

// OpenNotional returns the pool's committed active-positions notional.
func (h *Hooks) OpenNotional(ctx context.Context, a string) (uint64, error) {
	p, err := h.e.Get(ctx, a)
	if err != nil {
		return 0, err
	}
	return p.OpenNotional, nil
}

// CreditFeeReserve accumulates the treasury share of a distributed fee.
// Satisfies the fee engine's TreasuryReserve.
func (e *Engine) CreditFeeReserve(ctx context.Context, a string, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.Get(ctx, a)
	if err != nil {
		return err
	}
	newReserve, err := fixedmath.Add(p.FeeReserve, amount)
	if err != nil {
		return err
	}
	p.FeeReserve = newReserve
	if err := e.store.UpdatePool(ctx, p); err != nil {
		return err
	}
	slog.Debug("fee reserve credited", "asset", a, "amount", amount)
	return nil
}
