// Package position implements the position engine: opening leveraged
// positions against the pool, trader-initiated closes, and the
// automation-driven force-close path for liquidations and profit-cap
// hits. All payouts and fees route through the pool and fee engines;
// positions are an append-only ledger with a single terminal mutation.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/fee"
	"github.com/perpx/perp-engine/internal/fixedmath"
	"github.com/perpx/perp-engine/internal/model"
	"github.com/perpx/perp-engine/internal/oracle"
	"github.com/perpx/perp-engine/internal/pool"
	"github.com/perpx/perp-engine/internal/risk"
	"github.com/perpx/perp-engine/internal/store"
)

var (
	ErrPaused                    = errors.New("position: asset is paused")
	ErrInvalidDirection          = errors.New("position: direction must be long or short")
	ErrInvalidAmount             = errors.New("position: wager must be positive")
	ErrExistingOpenPosition      = errors.New("position: trader already has an open position")
	ErrBelowMinimum              = errors.New("position: wager is below the USD minimum")
	ErrInsufficientPoolLiquidity = errors.New("position: pool cannot cover the maximum payout")
	ErrNotFound                  = errors.New("position: not found")
	ErrNotOwner                  = errors.New("position: caller does not own this position")
	ErrPositionClosed            = errors.New("position: already closed")
	ErrNotAuthorized             = errors.New("position: caller is not the automation identity")
	ErrNotEligible               = errors.New("position: price triggers neither liquidation nor profit cap")
	ErrInsufficientPayout        = errors.New("position: fee exceeds gross payout")
)

// ErrInvalidLeverage re-exports the kernel's bounds error.
var ErrInvalidLeverage = fixedmath.ErrInvalidLeverage

// Engine orchestrates the position lifecycle. A single mutex serializes
// every mutating operation, making each open/close an atomic
// read-check-update step against the pool (single-instance: for
// horizontal scaling, replace with per-asset distributed locking).
type Engine struct {
	mu         sync.Mutex
	store      store.Store
	pool       *pool.Hooks
	fees       *fee.Engine
	prices     oracle.Source
	limiter    *risk.Limiter
	automation string
	minWager   decimal.Decimal // USD
	now        func() time.Time
}

// NewEngine wires the position engine to its collaborators. The pool
// capability must come from the same pool engine that serves LP
// deposits; automation is the only identity allowed to force-close.
func NewEngine(st store.Store, hooks *pool.Hooks, fees *fee.Engine,
	prices oracle.Source, limiter *risk.Limiter,
	automation string, minWagerUSD decimal.Decimal) *Engine {
	return &Engine{
		store:      st,
		pool:       hooks,
		fees:       fees,
		prices:     prices,
		limiter:    limiter,
		automation: automation,
		minWager:   minWagerUSD,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// freshQuote fetches and validates the price for an asset's pair.
func (e *Engine) freshQuote(ctx context.Context, pair string) (oracle.Quote, error) {
	q, err := e.prices.GetPrice(ctx, pair)
	if err != nil {
		return oracle.Quote{}, err
	}
	if err := oracle.Validate(q, e.now()); err != nil {
		return oracle.Quote{}, err
	}
	return q, nil
}

// Open opens a leveraged position for owner. The liquidation and
// target prices are fixed here and never recomputed.
func (e *Engine) Open(ctx context.Context, owner, a string, wager uint64, leverage uint32, dir model.Direction) (*model.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if wager == 0 {
		return nil, ErrInvalidAmount
	}
	if !dir.Valid() {
		return nil, ErrInvalidDirection
	}
	if err := fixedmath.CheckLeverage(leverage); err != nil {
		return nil, err
	}

	pair, decimals, err := e.pool.Describe(ctx, a)
	if err != nil {
		return nil, err
	}
	paused, err := e.pool.Paused(ctx, a)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, ErrPaused
	}

	if existing, err := e.store.GetOpenPositionByOwner(ctx, owner); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExistingOpenPosition, existing.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	q, err := e.freshQuote(ctx, pair)
	if err != nil {
		return nil, err
	}
	if oracle.USDValue(wager, decimals, q).LessThan(e.minWager) {
		return nil, fmt.Errorf("%w: wager values %s USD, minimum %s",
			ErrBelowMinimum, oracle.USDValue(wager, decimals, q), e.minWager)
	}

	maxPayout, err := fixedmath.MaxPayout(wager)
	if err != nil {
		return nil, err
	}
	covered, err := e.pool.CanCoverPayout(ctx, a, maxPayout)
	if err != nil {
		return nil, err
	}
	if !covered {
		return nil, fmt.Errorf("%w: max payout %d", ErrInsufficientPoolLiquidity, maxPayout)
	}

	if e.limiter != nil {
		notional, err := e.pool.OpenNotional(ctx, a)
		if err != nil {
			return nil, err
		}
		if err := e.limiter.CheckOpen(notional, wager); err != nil {
			return nil, err
		}
	}

	liqPrice, err := fixedmath.LiquidationPrice(q.Price, leverage, dir)
	if err != nil {
		return nil, err
	}
	targetPrice, err := fixedmath.TargetPrice(q.Price, leverage, dir)
	if err != nil {
		return nil, err
	}

	pos := &model.Position{
		ID:               uuid.New().String(),
		Owner:            owner,
		Asset:            a,
		Wagered:          wager,
		Leverage:         leverage,
		EntryPrice:       q.Price,
		LiquidationPrice: liqPrice,
		TargetPrice:      targetPrice,
		Direction:        dir,
		OpenedAt:         e.now(),
	}

	if err := e.pool.DepositCollateral(ctx, a, owner, wager, maxPayout, "open-"+pos.ID); err != nil {
		if errors.Is(err, pool.ErrInsufficientLiquidity) {
			return nil, fmt.Errorf("%w: max payout %d", ErrInsufficientPoolLiquidity, maxPayout)
		}
		return nil, err
	}
	if err := e.store.InsertPosition(ctx, pos); err != nil {
		return nil, err
	}

	slog.Info("position opened",
		"id", pos.ID,
		"owner", owner,
		"asset", a,
		"wagered", wager,
		"leverage", leverage,
		"direction", dir,
		"entry_price", q.Price,
		"liquidation_price", liqPrice,
		"target_price", targetPrice,
	)
	return pos, nil
}

// Close settles the caller's position at the current price.
func (e *Engine) Close(ctx context.Context, caller, id string) (*model.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, err := e.loadOpen(ctx, id)
	if err != nil {
		return nil, err
	}
	if pos.Owner != caller {
		return nil, ErrNotOwner
	}

	pair, _, err := e.pool.Describe(ctx, pos.Asset)
	if err != nil {
		return nil, err
	}
	q, err := e.freshQuote(ctx, pair)
	if err != nil {
		return nil, err
	}

	s, err := fixedmath.Settle(pos.Wagered, pos.Leverage, pos.EntryPrice, q.Price, pos.Direction)
	if err != nil {
		return nil, err
	}
	return e.settle(ctx, pos, q.Price, s.GrossPayout, model.CloseManual)
}

// ForceClose settles a position on behalf of the automation identity
// when the price has crossed the liquidation or target threshold.
// Liquidations pay nothing and charge no fee; profit-cap hits pay
// exactly the capped maximum rather than the live PnL, so racing the
// automation trigger yields no extra upside.
func (e *Engine) ForceClose(ctx context.Context, caller, id string) (*model.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.automation {
		return nil, ErrNotAuthorized
	}
	pos, err := e.loadOpen(ctx, id)
	if err != nil {
		return nil, err
	}

	pair, _, err := e.pool.Describe(ctx, pos.Asset)
	if err != nil {
		return nil, err
	}
	q, err := e.freshQuote(ctx, pair)
	if err != nil {
		return nil, err
	}

	switch {
	case liquidated(pos, q.Price):
		return e.settle(ctx, pos, q.Price, 0, model.CloseLiquidation)

	case targetHit(pos, q.Price):
		gross, err := fixedmath.MaxPayout(pos.Wagered)
		if err != nil {
			return nil, err
		}
		return e.settle(ctx, pos, q.Price, gross, model.CloseProfitCap)

	default:
		return nil, fmt.Errorf("%w: price %d, liquidation %d, target %d",
			ErrNotEligible, q.Price, pos.LiquidationPrice, pos.TargetPrice)
	}
}

// UnrealizedPnL recomputes the settlement against the latest price
// without mutating state.
func (e *Engine) UnrealizedPnL(ctx context.Context, id string) (*PnLView, error) {
	pos, err := e.loadOpen(ctx, id)
	if err != nil {
		return nil, err
	}
	pair, _, err := e.pool.Describe(ctx, pos.Asset)
	if err != nil {
		return nil, err
	}
	q, err := e.freshQuote(ctx, pair)
	if err != nil {
		return nil, err
	}
	s, err := fixedmath.Settle(pos.Wagered, pos.Leverage, pos.EntryPrice, q.Price, pos.Direction)
	if err != nil {
		return nil, err
	}
	return &PnLView{
		PositionID:   pos.ID,
		CurrentPrice: q.Price,
		IsProfit:     s.IsProfit,
		GrossPayout:  s.GrossPayout,
		PnLBps:       s.PnLBps,
	}, nil
}

// PnLView is the read-model result of UnrealizedPnL.
type PnLView struct {
	PositionID   string `json:"position_id"`
	CurrentPrice uint64 `json:"current_price"`
	IsProfit     bool   `json:"is_profit"`
	GrossPayout  uint64 `json:"gross_payout"`
	PnLBps       uint64 `json:"pnl_bps"`
}

// Get returns a position by id.
func (e *Engine) Get(ctx context.Context, id string) (*model.Position, error) {
	pos, err := e.store.GetPosition(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return pos, err
}

// History returns a trader's full position history, open and closed.
func (e *Engine) History(ctx context.Context, owner string) ([]model.Position, error) {
	return e.store.ListPositionsByOwner(ctx, owner)
}

func (e *Engine) loadOpen(ctx context.Context, id string) (*model.Position, error) {
	pos, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if pos.Closed {
		return nil, fmt.Errorf("%w: %s", ErrPositionClosed, id)
	}
	return pos, nil
}

// settle performs the single terminal transition: route money through
// the pool and fee engines, then flip the row closed. A zero gross
// payout is a full loss: the wager is booked as pool gain and no fee
// is charged (nothing to tax).
//
// Every fallible precondition is checked before any money moves, so a
// failed settlement leaves the position open and the books untouched.
func (e *Engine) settle(ctx context.Context, pos *model.Position, exitPrice, gross uint64, reason string) (*model.Position, error) {
	var payout uint64

	if gross == 0 {
		if err := e.pool.RecordLoss(ctx, pos.Asset, pos.Wagered); err != nil {
			return nil, err
		}
	} else {
		cfg, err := e.fees.Config(ctx)
		if err != nil {
			return nil, err
		}
		feeAmount := fixedmath.FeeAmount(gross, cfg.RateBps)
		if feeAmount > gross {
			return nil, fmt.Errorf("%w: fee %d, gross %d", ErrInsufficientPayout, feeAmount, gross)
		}
		if feeAmount > 0 && cfg.Paused {
			return nil, fee.ErrPaused
		}
		payout = gross - feeAmount

		ref := "settle-" + pos.ID
		if err := e.pool.WithdrawPayout(ctx, pos.Asset, pos.Owner, gross, payout, pos.Wagered, ref); err != nil {
			return nil, err
		}
		if feeAmount > 0 {
			if err := e.fees.Distribute(ctx, pos.Asset, feeAmount); err != nil {
				return nil, err
			}
		}
	}

	closedAt := e.now()
	if err := e.store.SettlePosition(ctx, pos.ID, exitPrice, payout, reason, closedAt); err != nil {
		if errors.Is(err, store.ErrPositionClosed) {
			return nil, fmt.Errorf("%w: %s", ErrPositionClosed, pos.ID)
		}
		return nil, err
	}

	pos.Closed = true
	pos.ExitPrice = exitPrice
	pos.Payout = payout
	pos.CloseReason = reason
	pos.ClosedAt = &closedAt

	slog.Info("position settled",
		"id", pos.ID,
		"owner", pos.Owner,
		"asset", pos.Asset,
		"reason", reason,
		"exit_price", exitPrice,
		"gross", gross,
		"payout", payout,
	)
	return pos, nil
}

// liquidated reports whether the price has crossed the liquidation
// threshold against the trader.
func liquidated(pos *model.Position, price uint64) bool {
	if pos.Direction == model.Long {
		return price <= pos.LiquidationPrice
	}
	return price >= pos.LiquidationPrice
}

// targetHit reports whether the price has crossed the profit-cap
// target in the trader's favor. A zero target (clamped low-leverage
// short) never triggers.
func targetHit(pos *model.Position, price uint64) bool {
	if pos.TargetPrice == 0 {
		return false
	}
	if pos.Direction == model.Long {
		return price >= pos.TargetPrice
	}
	return price <= pos.TargetPrice
}
