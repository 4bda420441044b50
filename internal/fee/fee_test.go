package fee

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/perpx/perp-engine/internal/custody"
	"github.com/perpx/perp-engine/internal/model"
	"github.com/perpx/perp-engine/internal/store"
)

const (
	admin     = "fee-admin"
	recipient = "protocol-treasury"
)

// recordingTreasury captures treasury credits per asset.
type recordingTreasury struct {
	credits map[string]uint64
}

func (r *recordingTreasury) CreditFeeReserve(_ context.Context, asset string, amount uint64) error {
	if r.credits == nil {
		r.credits = make(map[string]uint64)
	}
	r.credits[asset] += amount
	return nil
}

// rejectingTransferer refuses every custody movement.
type rejectingTransferer struct{}

func (rejectingTransferer) Withdraw(context.Context, string, string, uint64, string) error {
	return custody.ErrInsufficientBalance
}

func (rejectingTransferer) Deposit(context.Context, string, string, uint64, string) error {
	return custody.ErrInsufficientBalance
}

func newFeeEnv(t *testing.T) (*Engine, *recordingTreasury, *custody.MemoryLedger) {
	t.Helper()
	treasury := &recordingTreasury{}
	ledger := custody.NewMemoryLedger()
	e := NewEngine(store.NewMemoryStore(), treasury, ledger)
	require.NoError(t, e.Init(context.Background(), model.FeeConfig{
		RateBps:           500,
		TreasuryShareBps:  5000,
		ProtocolShareBps:  5000,
		ProtocolRecipient: recipient,
		Admin:             admin,
	}))
	return e, treasury, ledger
}

func TestInit(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects bad seeds", func(t *testing.T) {
		e := NewEngine(store.NewMemoryStore(), &recordingTreasury{}, custody.LogTransferer{})
		base := model.FeeConfig{
			RateBps: 500, TreasuryShareBps: 5000, ProtocolShareBps: 5000,
			ProtocolRecipient: recipient, Admin: admin,
		}

		cfg := base
		cfg.RateBps = 0
		require.ErrorIs(t, e.Init(ctx, cfg), ErrInvalidRate)

		cfg = base
		cfg.RateBps = 10_000
		require.ErrorIs(t, e.Init(ctx, cfg), ErrInvalidRate)

		cfg = base
		cfg.TreasuryShareBps = 6000
		require.ErrorIs(t, e.Init(ctx, cfg), ErrInvalidShares)

		cfg = base
		cfg.ProtocolRecipient = ""
		require.ErrorIs(t, e.Init(ctx, cfg), ErrInvalidAddress)
	})

	t.Run("does not overwrite existing config", func(t *testing.T) {
		e, _, _ := newFeeEnv(t)
		require.NoError(t, e.Init(ctx, model.FeeConfig{
			RateBps: 100, TreasuryShareBps: 5000, ProtocolShareBps: 5000,
			ProtocolRecipient: "other", Admin: "other",
		}))
		cfg, err := e.Config(ctx)
		require.NoError(t, err)
		require.Equal(t, uint32(500), cfg.RateBps)
		require.Equal(t, admin, cfg.Admin)
	})
}

func TestCalculateFee(t *testing.T) {
	e, _, _ := newFeeEnv(t)
	ctx := context.Background()

	got, err := e.CalculateFee(ctx, 200_000_000)
	require.NoError(t, err)
	require.Equal(t, uint64(10_000_000), got) // 5%

	// Floors: 5% of 19 is 0.95.
	got, err = e.CalculateFee(ctx, 19)
	require.NoError(t, err)
	require.Zero(t, got)
}

func TestDistribute(t *testing.T) {
	ctx := context.Background()

	t.Run("even split", func(t *testing.T) {
		e, treasury, ledger := newFeeEnv(t)
		require.NoError(t, e.Distribute(ctx, "SOL", 10_000_000))
		require.Equal(t, uint64(5_000_000), treasury.credits["SOL"])
		require.Equal(t, uint64(5_000_000), ledger.Balance(recipient, "SOL"))

		stats, err := e.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(10_000_000), stats.TotalCollected)
		require.Equal(t, uint64(5_000_000), stats.TotalToTreasury)
		require.Equal(t, uint64(5_000_000), stats.TotalToProtocol)
	})

	t.Run("remainder goes to protocol", func(t *testing.T) {
		e, treasury, ledger := newFeeEnv(t)
		// 1001 at 50/50: treasury floors to 500, protocol takes 501.
		require.NoError(t, e.Distribute(ctx, "SOL", 1001))
		require.Equal(t, uint64(500), treasury.credits["SOL"])
		require.Equal(t, uint64(501), ledger.Balance(recipient, "SOL"))
	})

	t.Run("zero total is a no-op", func(t *testing.T) {
		e, treasury, _ := newFeeEnv(t)
		require.NoError(t, e.Distribute(ctx, "SOL", 0))
		require.Empty(t, treasury.credits)
		stats, err := e.Stats(ctx)
		require.NoError(t, err)
		require.Zero(t, stats.TotalCollected)
	})

	t.Run("paused", func(t *testing.T) {
		e, _, _ := newFeeEnv(t)
		require.NoError(t, e.Pause(ctx, admin))
		require.ErrorIs(t, e.Distribute(ctx, "SOL", 1000), ErrPaused)

		require.NoError(t, e.Unpause(ctx, admin))
		require.NoError(t, e.Distribute(ctx, "SOL", 1000))
	})

	t.Run("rejected protocol transfer leaves treasury uncredited", func(t *testing.T) {
		treasury := &recordingTreasury{}
		e := NewEngine(store.NewMemoryStore(), treasury, rejectingTransferer{})
		require.NoError(t, e.Init(ctx, model.FeeConfig{
			RateBps: 500, TreasuryShareBps: 5000, ProtocolShareBps: 5000,
			ProtocolRecipient: recipient, Admin: admin,
		}))

		require.Error(t, e.Distribute(ctx, "SOL", 1000))

		// The protocol share clears first, so a refused transfer makes
		// the whole distribution a no-op.
		require.Empty(t, treasury.credits)
		stats, err := e.Stats(ctx)
		require.NoError(t, err)
		require.Zero(t, stats.TotalCollected)
	})
}

func TestAdminGating(t *testing.T) {
	e, _, _ := newFeeEnv(t)
	ctx := context.Background()

	require.ErrorIs(t, e.SetFeeRate(ctx, "mallory", 100), ErrNotAuthorized)
	require.ErrorIs(t, e.SetFeeShares(ctx, "mallory", 7000, 3000), ErrNotAuthorized)
	require.ErrorIs(t, e.SetProtocolRecipient(ctx, "mallory", "x"), ErrNotAuthorized)
	require.ErrorIs(t, e.TransferAdmin(ctx, "mallory", "x"), ErrNotAuthorized)
	require.ErrorIs(t, e.Pause(ctx, "mallory"), ErrNotAuthorized)
	require.ErrorIs(t, e.Unpause(ctx, "mallory"), ErrNotAuthorized)
}

func TestAdminMutations(t *testing.T) {
	e, _, _ := newFeeEnv(t)
	ctx := context.Background()

	require.ErrorIs(t, e.SetFeeRate(ctx, admin, 0), ErrInvalidRate)
	require.ErrorIs(t, e.SetFeeRate(ctx, admin, 10_000), ErrInvalidRate)
	require.NoError(t, e.SetFeeRate(ctx, admin, 250))

	require.ErrorIs(t, e.SetFeeShares(ctx, admin, 7000, 4000), ErrInvalidShares)
	require.NoError(t, e.SetFeeShares(ctx, admin, 7000, 3000))

	require.ErrorIs(t, e.SetProtocolRecipient(ctx, admin, ""), ErrInvalidAddress)
	require.NoError(t, e.SetProtocolRecipient(ctx, admin, "new-recipient"))

	cfg, err := e.Config(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(250), cfg.RateBps)
	require.Equal(t, uint32(7000), cfg.TreasuryShareBps)
	require.Equal(t, uint32(3000), cfg.ProtocolShareBps)
	require.Equal(t, "new-recipient", cfg.ProtocolRecipient)

	// Admin handoff: the old admin loses control.
	require.NoError(t, e.TransferAdmin(ctx, admin, "new-admin"))
	require.ErrorIs(t, e.SetFeeRate(ctx, admin, 100), ErrNotAuthorized)
	require.NoError(t, e.SetFeeRate(ctx, "new-admin", 100))
}
