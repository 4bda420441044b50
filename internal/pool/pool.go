// Package pool implements the pool accounting engine: per-asset
// collateral reserves, liquidity-share minting and burning, realized
// PnL bookkeeping, and the solvency gate the position engine checks
// before committing new exposure.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/asset"
	"github.com/perpx/perp-engine/internal/custody"
	"github.com/perpx/perp-engine/internal/fixedmath"
	"github.com/perpx/perp-engine/internal/model"
	"github.com/perpx/perp-engine/internal/oracle"
	"github.com/perpx/perp-engine/internal/store"
)

var (
	ErrPaused                = errors.New("pool: pool is paused")
	ErrNotPaused             = errors.New("pool: pool must be paused first")
	ErrUnsupportedAsset      = errors.New("pool: asset has no registered pool")
	ErrAlreadyExists         = errors.New("pool: asset already registered")
	ErrBelowMinimum          = errors.New("pool: amount is below the USD minimum")
	ErrInsufficientShares    = errors.New("pool: share balance is insufficient")
	ErrInsufficientLiquidity = errors.New("pool: reserve cannot cover the withdrawal")
	ErrInvalidAmount         = errors.New("pool: amount must be positive")

	// ErrInvalidState signals a violated bookkeeping invariant. It is
	// fatal: it means the accounting is wrong, not that the caller is.
	ErrInvalidState = errors.New("pool: invariant violation")
)

// Engine owns every PoolState. All mutating operations on one asset are
// serialized by a single engine mutex; the position engine reaches the
// trusted entry points only through Hooks.
type Engine struct {
	mu         sync.Mutex
	store      store.Store
	transfer   custody.Transferer
	minDeposit decimal.Decimal // USD
	now        func() time.Time
}

// NewEngine creates a pool engine. minDepositUSD gates LP deposits.
func NewEngine(st store.Store, transfer custody.Transferer, minDepositUSD decimal.Decimal) *Engine {
	return &Engine{
		store:      st,
		transfer:   transfer,
		minDeposit: minDepositUSD,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RegisterAsset provisions the pool and share instrument for a new
// collateral asset. Fails ErrAlreadyExists on re-registration.
func (e *Engine) RegisterAsset(ctx context.Context, desc asset.Descriptor) (*model.PoolState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := &model.PoolState{
		Asset:     desc.Symbol,
		Pair:      desc.Pair,
		Decimals:  desc.Decimals,
		CreatedAt: e.now(),
	}
	if err := e.store.CreatePool(ctx, p); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, desc.Symbol)
		}
		return nil, err
	}
	slog.Info("asset registered", "asset", desc.Symbol, "pair", desc.Pair, "decimals", desc.Decimals)
	return p, nil
}

// Get returns the pool state for an asset.
func (e *Engine) Get(ctx context.Context, a string) (*model.PoolState, error) {
	p, err := e.store.GetPool(ctx, a)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, a)
	}
	return p, err
}

// Snapshot returns the read-model view of a pool, including share price.
func (e *Engine) Snapshot(ctx context.Context, a string) (*model.PoolSnapshot, error) {
	p, err := e.Get(ctx, a)
	if err != nil {
		return nil, err
	}
	sharePrice := decimal.NewFromInt(1) // bootstrap 1:1
	if p.TotalShares > 0 {
		sharePrice = decimal.NewFromUint64(p.Value()).
			Div(decimal.NewFromUint64(p.TotalShares)).Round(12)
	}
	open, err := e.store.CountOpenPositions(ctx, a)
	if err != nil {
		return nil, err
	}
	return &model.PoolSnapshot{
		Asset:         p.Asset,
		Pair:          p.Pair,
		Value:         p.Value(),
		Reserve:       p.Reserve,
		FeeReserve:    p.FeeReserve,
		TotalShares:   p.TotalShares,
		TotalDeposits: p.TotalDeposits,
		OpenNotional:  p.OpenNotional,
		OpenPositions: open,
		RealizedPnL:   p.RealizedPnL,
		SharePrice:    sharePrice,
		Paused:        p.Paused,
	}, nil
}

// List returns snapshots of every registered pool.
func (e *Engine) List(ctx context.Context) ([]model.PoolSnapshot, error) {
	pools, err := e.store.ListPools(ctx)
	if err != nil {
		return nil, err
	}
	snaps := make([]model.PoolSnapshot, 0, len(pools))
	for i := range pools {
		snap, err := e.Snapshot(ctx, pools[i].Asset)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	return snaps, nil
}

// ShareBalance returns a holder's liquidity-share balance.
func (e *Engine) ShareBalance(ctx context.Context, a, holder string) (uint64, error) {
	return e.store.ShareBalance(ctx, a, holder)
}

// Deposit adds liquidity. Shares minted 1:1 on the first deposit, then
// pro-rata against pool value: floor(amount * totalShares / poolValue).
// The quote values the deposit against the USD minimum.
func (e *Engine) Deposit(ctx context.Context, owner, a string, amount uint64, q oracle.Quote) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	p, err := e.Get(ctx, a)
	if err != nil {
		return 0, err
	}
	if p.Paused {
		return 0, ErrPaused
	}
	if err := oracle.Validate(q, e.now()); err != nil {
		return 0, err
	}
	if oracle.USDValue(amount, p.Decimals, q).LessThan(e.minDeposit) {
		return 0, fmt.Errorf("%w: deposit values %s USD, minimum %s",
			ErrBelowMinimum, oracle.USDValue(amount, p.Decimals, q), e.minDeposit)
	}

	var shares uint64
	if p.TotalShares == 0 {
		shares = amount
	} else {
		value := p.Value()
		if value == 0 {
			// Shares exist but the pool is worthless: the books are
			// broken, refuse rather than mint unbounded shares.
			return 0, fmt.Errorf("%w: %d shares outstanding against zero pool value",
				ErrInvalidState, p.TotalShares)
		}
		shares, err = fixedmath.MulDivFloor(amount, p.TotalShares, value)
		if err != nil {
			return 0, err
		}
	}

	ref := "lp-deposit-" + uuid.New().String()
	if err := e.transfer.Withdraw(ctx, owner, a, amount, ref); err != nil {
		return 0, err
	}

	newReserve, err := fixedmath.Add(p.Reserve, amount)
	if err != nil {
		return 0, err
	}
	newDeposits, err := fixedmath.Add(p.TotalDeposits, amount)
	if err != nil {
		return 0, err
	}
	newShares, err := fixedmath.Add(p.TotalShares, shares)
	if err != nil {
		return 0, err
	}
	p.Reserve = newReserve
	p.TotalDeposits = newDeposits
	p.TotalShares = newShares

	if err := e.store.MintShares(ctx, a, owner, shares); err != nil {
		return 0, err
	}
	if err := e.store.UpdatePool(ctx, p); err != nil {
		return 0, err
	}

	slog.Info("liquidity deposited",
		"asset", a, "owner", owner, "amount", amount, "shares", shares)
	return shares, nil
}

// Withdraw burns shares and pays out the pro-rata slice of pool value:
// floor(shares * poolValue / totalShares).
func (e *Engine) Withdraw(ctx context.Context, owner, a string, shareAmount uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if shareAmount == 0 {
		return 0, ErrInvalidAmount
	}
	p, err := e.Get(ctx, a)
	if err != nil {
		return 0, err
	}
	if p.Paused {
		return 0, ErrPaused
	}
	balance, err := e.store.ShareBalance(ctx, a, owner)
	if err != nil {
		return 0, err
	}
	if balance < shareAmount {
		return 0, fmt.Errorf("%w: have %d, want %d", ErrInsufficientShares, balance, shareAmount)
	}
	if p.TotalShares == 0 {
		return 0, fmt.Errorf("%w: withdraw with zero total shares", ErrInvalidState)
	}

	withdrawal, err := fixedmath.MulDivFloor(shareAmount, p.Value(), p.TotalShares)
	if err != nil {
		return 0, err
	}
	if withdrawal > p.Reserve {
		return 0, fmt.Errorf("%w: reserve %d, withdrawal %d", ErrInsufficientLiquidity,
			p.Reserve, withdrawal)
	}

	if err := e.store.BurnShares(ctx, a, owner, shareAmount); err != nil {
		if errors.Is(err, store.ErrInsufficientShares) {
			return 0, fmt.Errorf("%w: %v", ErrInsufficientShares, err)
		}
		return 0, err
	}
	p.TotalShares -= shareAmount
	p.Reserve -= withdrawal
	// TotalDeposits is the lifetime sum of nominal deposits and never
	// decreases; withdrawals are reflected in shares and reserve only.
	if err := e.store.UpdatePool(ctx, p); err != nil {
		return 0, err
	}

	ref := "lp-withdraw-" + uuid.New().String()
	if err := e.transfer.Deposit(ctx, owner, a, withdrawal, ref); err != nil {
		return 0, err
	}

	slog.Info("liquidity withdrawn",
		"asset", a, "owner", owner, "shares", shareAmount, "amount", withdrawal)
	return withdrawal, nil
}

// Pause suspends deposits, withdrawals, and opens for one asset.
func (e *Engine) Pause(ctx context.Context, a string) error {
	return e.setPaused(ctx, a, true)
}

// Unpause resumes operations for one asset.
func (e *Engine) Unpause(ctx context.Context, a string) error {
	return e.setPaused(ctx, a, false)
}

func (e *Engine) setPaused(ctx context.Context, a string, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.Get(ctx, a)
	if err != nil {
		return err
	}
	p.Paused = paused
	if err := e.store.UpdatePool(ctx, p); err != nil {
		return err
	}
	slog.Info("pool pause state changed", "asset", a, "paused", paused)
	return nil
}

// EmergencyWithdraw drains the full reserve to a rescue address. Only
// valid while the pool is paused.
func (e *Engine) EmergencyWithdraw(ctx context.Context, a, to string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.Get(ctx, a)
	if err != nil {
		return 0, err
	}
	if !p.Paused {
		return 0, ErrNotPaused
	}
	amount := p.Reserve
	if amount == 0 {
		return 0, nil
	}
	ref := "emergency-" + uuid.New().String()
	if err := e.transfer.Deposit(ctx, to, a, amount, ref); err != nil {
		return 0, err
	}
	p.Reserve = 0
	if err := e.store.UpdatePool(ctx, p); err != nil {
		return 0, err
	}
	slog.Warn("emergency withdrawal", "asset", a, "to", to, "amount", amount)
	return amount, nil
}
