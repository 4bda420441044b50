package pool

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/perpx/perp-engine/internal/asset"
	"github.com/perpx/perp-engine/internal/custody"
	"github.com/perpx/perp-engine/internal/oracle"
	"github.com/perpx/perp-engine/internal/store"
)

const (
	unit = uint64(1_000_000)
	lp   = "lp-1"
	lp2  = "lp-2"
)

func freshQuote() oracle.Quote {
	return oracle.Quote{
		Pair:       "SOL/USD",
		Price:      100 * unit, // $100, 6 decimals
		Decimals:   6,
		ObservedAt: time.Now().UTC(),
	}
}

func newPoolEnv(t *testing.T) (*Engine, *custody.MemoryLedger) {
	t.Helper()
	st := store.NewMemoryStore()
	ledger := custody.NewMemoryLedger()
	e := NewEngine(st, ledger, decimal.NewFromInt(1))

	desc, err := asset.NewDescriptor("SOL", "SOL/USD", 6)
	require.NoError(t, err)
	_, err = e.RegisterAsset(context.Background(), desc)
	require.NoError(t, err)
	return e, ledger
}

func TestRegisterAsset_Duplicate(t *testing.T) {
	e, _ := newPoolEnv(t)
	desc, err := asset.NewDescriptor("SOL", "SOL/USD", 6)
	require.NoError(t, err)
	_, err = e.RegisterAsset(context.Background(), desc)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestDeposit_Bootstrap(t *testing.T) {
	e, ledger := newPoolEnv(t)
	ctx := context.Background()

	ledger.Credit(lp, "SOL", 1000*unit)
	shares, err := e.Deposit(ctx, lp, "SOL", 1000*unit, freshQuote())
	require.NoError(t, err)
	require.Equal(t, 1000*unit, shares)

	snap, err := e.Snapshot(ctx, "SOL")
	require.NoError(t, err)
	require.Equal(t, 1000*unit, snap.Reserve)
	require.Equal(t, 1000*unit, snap.TotalShares)
	require.Equal(t, 1000*unit, snap.Value)
	require.True(t, snap.SharePrice.Equal(decimal.NewFromInt(1)),
		"share price %s", snap.SharePrice)
	require.Zero(t, ledger.Balance(lp, "SOL"))
}

func TestDeposit_ProRataAfterGain(t *testing.T) {
	e, ledger := newPoolEnv(t)
	ctx := context.Background()
	hooks := e.Hooks()

	ledger.Credit(lp, "SOL", 1000*unit)
	_, err := e.Deposit(ctx, lp, "SOL", 1000*unit, freshQuote())
	require.NoError(t, err)

	// A liquidated 100-unit wager lifts pool value to 1200:
	// 1100 reserve plus a +100 realized PnL.
	ledger.Credit("trader", "SOL", 100*unit)
	require.NoError(t, hooks.DepositCollateral(ctx, "SOL", "trader", 100*unit, 600*unit, "open-x"))
	require.NoError(t, hooks.RecordLoss(ctx, "SOL", 100*unit))

	snap, err := e.Snapshot(ctx, "SOL")
	require.NoError(t, err)
	require.Equal(t, 1200*unit, snap.Value)
	require.True(t, snap.SharePrice.Equal(decimal.RequireFromString("1.2")),
		"share price %s", snap.SharePrice)

	// 600 units buys 600 * 1000 / 1200 = 500 shares.
	ledger.Credit(lp2, "SOL", 600*unit)
	shares, err := e.Deposit(ctx, lp2, "SOL", 600*unit, freshQuote())
	require.NoError(t, err)
	require.Equal(t, 500*unit, shares)
}

func TestDeposit_Validations(t *testing.T) {
	ctx := context.Background()

	t.Run("zero amount", func(t *testing.T) {
		e, _ := newPoolEnv(t)
		_, err := e.Deposit(ctx, lp, "SOL", 0, freshQuote())
		require.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("unknown asset", func(t *testing.T) {
		e, _ := newPoolEnv(t)
		_, err := e.Deposit(ctx, lp, "DOGE", unit, freshQuote())
		require.ErrorIs(t, err, ErrUnsupportedAsset)
	})

	t.Run("paused", func(t *testing.T) {
		e, ledger := newPoolEnv(t)
		ledger.Credit(lp, "SOL", unit)
		require.NoError(t, e.Pause(ctx, "SOL"))
		_, err := e.Deposit(ctx, lp, "SOL", unit, freshQuote())
		require.ErrorIs(t, err, ErrPaused)
	})

	t.Run("stale quote", func(t *testing.T) {
		e, ledger := newPoolEnv(t)
		ledger.Credit(lp, "SOL", unit)
		q := freshQuote()
		q.ObservedAt = time.Now().UTC().Add(-time.Minute)
		_, err := e.Deposit(ctx, lp, "SOL", unit, q)
		require.ErrorIs(t, err, oracle.ErrStaleQuote)
	})

	t.Run("below USD minimum", func(t *testing.T) {
		e, ledger := newPoolEnv(t)
		ledger.Credit(lp, "SOL", unit)
		// 5000 base units at $100 is $0.50.
		_, err := e.Deposit(ctx, lp, "SOL", 5000, freshQuote())
		require.ErrorIs(t, err, ErrBelowMinimum)
	})

	t.Run("insufficient custody balance", func(t *testing.T) {
		e, _ := newPoolEnv(t)
		_, err := e.Deposit(ctx, lp, "SOL", unit, freshQuote())
		require.ErrorIs(t, err, custody.ErrInsufficientBalance)
	})
}

func TestDeposit_ZeroValueWithLiveShares(t *testing.T) {
	e, ledger := newPoolEnv(t)
	ctx := context.Background()
	hooks := e.Hooks()

	ledger.Credit(lp, "SOL", 1000*unit)
	_, err := e.Deposit(ctx, lp, "SOL", 1000*unit, freshQuote())
	require.NoError(t, err)

	// Drain the pool to zero value: a 550-unit gross payout against a
	// 100-unit wager leaves 550 reserve and -550 PnL while 1000 shares
	// are live.
	ledger.Credit("trader", "SOL", 100*unit)
	require.NoError(t, hooks.DepositCollateral(ctx, "SOL", "trader", 100*unit, 600*unit, "open-x"))
	require.NoError(t, hooks.WithdrawPayout(ctx, "SOL", "trader", 550*unit, 550*unit, 100*unit, "settle-x"))

	snap, err := e.Snapshot(ctx, "SOL")
	require.NoError(t, err)
	require.Zero(t, snap.Value)

	ledger.Credit(lp2, "SOL", 100*unit)
	_, err = e.Deposit(ctx, lp2, "SOL", 100*unit, freshQuote())
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestHooks_DepositCollateralRequiresCoverage(t *testing.T) {
	e, ledger := newPoolEnv(t)
	ctx := context.Background()
	hooks := e.Hooks()

	ledger.Credit(lp, "SOL", 1000*unit)
	_, err := e.Deposit(ctx, lp, "SOL", 1000*unit, freshQuote())
	require.NoError(t, err)

	// An LP withdrawal after the advisory pre-check leaves the reserve
	// unable to cover the prospective payout. The deposit itself must
	// re-run the coverage check and refuse to commit the wager.
	ok, err := hooks.CanCoverPayout(ctx, "SOL", 600*unit)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = e.Withdraw(ctx, lp, "SOL", 500*unit)
	require.NoError(t, err)

	ledger.Credit("trader", "SOL", 100*unit)
	err = hooks.DepositCollateral(ctx, "SOL", "trader", 100*unit, 600*unit, "open-x")
	require.ErrorIs(t, err, ErrInsufficientLiquidity)

	// Nothing moved: the trader keeps the wager and the pool state is
	// what the withdrawal left behind.
	require.Equal(t, 100*unit, ledger.Balance("trader", "SOL"))
	p, err := e.Get(ctx, "SOL")
	require.NoError(t, err)
	require.Equal(t, 500*unit, p.Reserve)
	require.Zero(t, p.OpenNotional)
}

func TestWithdraw_RoundTrip(t *testing.T) {
	e, ledger := newPoolEnv(t)
	ctx := context.Background()

	ledger.Credit(lp, "SOL", 1000*unit)
	shares, err := e.Deposit(ctx, lp, "SOL", 1000*unit, freshQuote())
	require.NoError(t, err)

	// No trading between deposit and withdrawal: the LP gets back
	// exactly what went in.
	out, err := e.Withdraw(ctx, lp, "SOL", shares)
	require.NoError(t, err)
	require.Equal(t, 1000*unit, out)
	require.Equal(t, 1000*unit, ledger.Balance(lp, "SOL"))

	snap, err := e.Snapshot(ctx, "SOL")
	require.NoError(t, err)
	require.Zero(t, snap.TotalShares)
	require.Zero(t, snap.Reserve)

	// The lifetime deposit counter is unaffected by the redemption.
	require.Equal(t, 1000*unit, snap.TotalDeposits)
}

func TestWithdraw_ProRataAfterGain(t *testing.T) {
	e, ledger := newPoolEnv(t)
	ctx := context.Background()
	hooks := e.Hooks()

	ledger.Credit(lp, "SOL", 1000*unit)
	_, err := e.Deposit(ctx, lp, "SOL", 1000*unit, freshQuote())
	require.NoError(t, err)

	ledger.Credit("trader", "SOL", 100*unit)
	require.NoError(t, hooks.DepositCollateral(ctx, "SOL", "trader", 100*unit, 600*unit, "open-x"))
	require.NoError(t, hooks.RecordLoss(ctx, "SOL", 100*unit))

	// Pool value 1200 across 1000 shares: 500 shares redeem for 600.
	out, err := e.Withdraw(ctx, lp, "SOL", 500*unit)
	require.NoError(t, err)
	require.Equal(t, 600*unit, out)

	balance, err := e.ShareBalance(ctx, "SOL", lp)
	require.NoError(t, err)
	require.Equal(t, 500*unit, balance)
}

func TestWithdraw_Guards(t *testing.T) {
	ctx := context.Background()

	t.Run("zero shares", func(t *testing.T) {
		e, _ := newPoolEnv(t)
		_, err := e.Withdraw(ctx, lp, "SOL", 0)
		require.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("insufficient shares", func(t *testing.T) {
		e, ledger := newPoolEnv(t)
		ledger.Credit(lp, "SOL", 100*unit)
		_, err := e.Deposit(ctx, lp, "SOL", 100*unit, freshQuote())
		require.NoError(t, err)
		_, err = e.Withdraw(ctx, lp, "SOL", 101*unit)
		require.ErrorIs(t, err, ErrInsufficientShares)
	})

	t.Run("paused", func(t *testing.T) {
		e, ledger := newPoolEnv(t)
		ledger.Credit(lp, "SOL", 100*unit)
		_, err := e.Deposit(ctx, lp, "SOL", 100*unit, freshQuote())
		require.NoError(t, err)
		require.NoError(t, e.Pause(ctx, "SOL"))
		_, err = e.Withdraw(ctx, lp, "SOL", 100*unit)
		require.ErrorIs(t, err, ErrPaused)
	})

	t.Run("reserve cannot cover", func(t *testing.T) {
		e, ledger := newPoolEnv(t)
		hooks := e.Hooks()
		ledger.Credit(lp, "SOL", 1000*unit)
		_, err := e.Deposit(ctx, lp, "SOL", 1000*unit, freshQuote())
		require.NoError(t, err)

		// Value 1200 vs reserve 1100: a full redemption prices at
		// 1200 and must be refused.
		ledger.Credit("trader", "SOL", 100*unit)
		require.NoError(t, hooks.DepositCollateral(ctx, "SOL", "trader", 100*unit, 600*unit, "open-x"))
		require.NoError(t, hooks.RecordLoss(ctx, "SOL", 100*unit))

		_, err = e.Withdraw(ctx, lp, "SOL", 1000*unit)
		require.ErrorIs(t, err, ErrInsufficientLiquidity)
	})
}

func TestCanCoverPayout_BufferEdge(t *testing.T) {
	e, ledger := newPoolEnv(t)
	ctx := context.Background()
	hooks := e.Hooks()

	ledger.Credit(lp, "SOL", 1000*unit)
	_, err := e.Deposit(ctx, lp, "SOL", 1000*unit, freshQuote())
	require.NoError(t, err)

	// 5% of a 1000-unit reserve is held back: 950 is coverable, one
	// base unit more is not.
	ok, err := hooks.CanCoverPayout(ctx, "SOL", 950*unit)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = hooks.CanCoverPayout(ctx, "SOL", 950*unit+1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHooks_WithdrawPayoutGuards(t *testing.T) {
	e, ledger := newPoolEnv(t)
	ctx := context.Background()
	hooks := e.Hooks()

	ledger.Credit(lp, "SOL", 100*unit)
	_, err := e.Deposit(ctx, lp, "SOL", 100*unit, freshQuote())
	require.NoError(t, err)

	err = hooks.WithdrawPayout(ctx, "SOL", "trader", 200*unit, 190*unit, 50*unit, "settle-x")
	require.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestHooks_RecordLossExceedsNotional(t *testing.T) {
	e, ledger := newPoolEnv(t)
	ctx := context.Background()
	hooks := e.Hooks()

	ledger.Credit(lp, "SOL", 1000*unit)
	_, err := e.Deposit(ctx, lp, "SOL", 1000*unit, freshQuote())
	require.NoError(t, err)

	ledger.Credit("trader", "SOL", 50*unit)
	require.NoError(t, hooks.DepositCollateral(ctx, "SOL", "trader", 50*unit, 300*unit, "open-x"))

	err = hooks.RecordLoss(ctx, "SOL", 51*unit)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestHooks_PnLSignCrossover(t *testing.T) {
	e, ledger := newPoolEnv(t)
	ctx := context.Background()
	hooks := e.Hooks()

	ledger.Credit(lp, "SOL", 1000*unit)
	_, err := e.Deposit(ctx, lp, "SOL", 1000*unit, freshQuote())
	require.NoError(t, err)

	// A 100-unit loss then a 300-unit payout swings the accumulator
	// from +100 through to -200.
	ledger.Credit("trader", "SOL", 200*unit)
	require.NoError(t, hooks.DepositCollateral(ctx, "SOL", "trader", 100*unit, 600*unit, "open-1"))
	require.NoError(t, hooks.RecordLoss(ctx, "SOL", 100*unit))

	p, err := e.Get(ctx, "SOL")
	require.NoError(t, err)
	require.Equal(t, int64(100)*int64(unit), p.RealizedPnL)

	require.NoError(t, hooks.DepositCollateral(ctx, "SOL", "trader", 100*unit, 600*unit, "open-2"))
	require.NoError(t, hooks.WithdrawPayout(ctx, "SOL", "trader", 300*unit, 300*unit, 100*unit, "settle-2"))

	p, err = e.Get(ctx, "SOL")
	require.NoError(t, err)
	require.Equal(t, int64(-200)*int64(unit), p.RealizedPnL)
	require.Zero(t, p.OpenNotional)
}

func TestCreditFeeReserve(t *testing.T) {
	e, _ := newPoolEnv(t)
	ctx := context.Background()

	require.NoError(t, e.CreditFeeReserve(ctx, "SOL", 7*unit))
	require.NoError(t, e.CreditFeeReserve(ctx, "SOL", 3*unit))

	p, err := e.Get(ctx, "SOL")
	require.NoError(t, err)
	require.Equal(t, 10*unit, p.FeeReserve)
}

func TestEmergencyWithdraw(t *testing.T) {
	e, ledger := newPoolEnv(t)
	ctx := context.Background()

	ledger.Credit(lp, "SOL", 500*unit)
	_, err := e.Deposit(ctx, lp, "SOL", 500*unit, freshQuote())
	require.NoError(t, err)

	_, err = e.EmergencyWithdraw(ctx, "SOL", "rescue")
	require.ErrorIs(t, err, ErrNotPaused)

	require.NoError(t, e.Pause(ctx, "SOL"))
	amount, err := e.EmergencyWithdraw(ctx, "SOL", "rescue")
	require.NoError(t, err)
	require.Equal(t, 500*unit, amount)
	require.Equal(t, 500*unit, ledger.Balance("rescue", "SOL"))

	p, err := e.Get(ctx, "SOL")
	require.NoError(t, err)
	require.Zero(t, p.Reserve)
}
