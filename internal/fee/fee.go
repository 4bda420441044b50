// Package fee implements the fee engine: fee calculation from a
// notional, and the exact split/distribution of collected fees between
// the pool's treasury reserve and the external protocol recipient.
package fee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perpx/perp-engine/internal/custody"
	"github.com/perpx/perp-engine/internal/fixedmath"
	"github.com/perpx/perp-engine/internal/metrics"
	"github.com/perpx/perp-engine/internal/model"
	"github.com/perpx/perp-engine/internal/store"
)

var (
	ErrPaused         = errors.New("fee: distribution is paused")
	ErrNotAuthorized  = errors.New("fee: caller is not the fee admin")
	ErrInvalidRate    = errors.New("fee: rate must be between 1 and 9999 basis points")
	ErrInvalidShares  = errors.New("fee: treasury and protocol shares must sum to 10000")
	ErrInvalidAddress = errors.New("fee: address must be non-empty")
)

// TreasuryReserve is the pool-side entry point fees are credited to.
// Implemented by the pool engine.
type TreasuryReserve interface {
	CreditFeeReserve(ctx context.Context, asset string, amount uint64) error
}

// Engine holds the fee configuration and distributes collected fees.
// Mutating operations are serialized by an internal mutex.
type Engine struct {
	mu       sync.Mutex
	store    store.Store
	treasury TreasuryReserve
	transfer custody.Transferer
	now      func() time.Time
}

// NewEngine creates a fee engine. The initial config is persisted on
// first use via Init.
func NewEngine(st store.Store, treasury TreasuryReserve, transfer custody.Transferer) *Engine {
	return &Engine{
		store:    st,
		treasury: treasury,
		transfer: transfer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Init seeds the fee configuration if none is stored yet.
func (e *Engine) Init(ctx context.Context, cfg model.FeeConfig) error {
	if cfg.RateBps == 0 || cfg.RateBps >= fixedmath.BasisPoints {
		return ErrInvalidRate
	}
	if cfg.TreasuryShareBps+cfg.ProtocolShareBps != fixedmath.BasisPoints {
		return ErrInvalidShares
	}
	if cfg.ProtocolRecipient == "" || cfg.Admin == "" {
		return ErrInvalidAddress
	}
	if _, err := e.store.GetFeeConfig(ctx); err == nil {
		return nil // already configured
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return e.store.SaveFeeConfig(ctx, &cfg)
}

// Config returns the current fee configuration.
func (e *Engine) Config(ctx context.Context) (*model.FeeConfig, error) {
	return e.store.GetFeeConfig(ctx)
}

// Stats returns the cumulative distribution totals.
func (e *Engine) Stats(ctx context.Context) (*model.FeeStats, error) {
	return e.store.GetFeeStats(ctx)
}

// CalculateFee returns floor(amount * rate / 10000) under the current
// configuration. Pure with respect to engine state.
func (e *Engine) CalculateFee(ctx context.Context, amount uint64) (uint64, error) {
	cfg, err := e.store.GetFeeConfig(ctx)
	if err != nil {
		return 0, err
	}
	return fixedmath.FeeAmount(amount, cfg.RateBps), nil
}

// Distribute splits a collected fee between the pool's treasury reserve
// and the protocol recipient. The treasury share rounds down and the
// protocol receives the remainder, so the parts always sum exactly to
// total. Updates the distribution stats.
func (e *Engine) Distribute(ctx context.Context, asset string, total uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.store.GetFeeConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.Paused {
		return ErrPaused
	}
	if total == 0 {
		return nil
	}

	treasuryAmount, protocolAmount := fixedmath.SplitFee(total, cfg.TreasuryShareBps)

	// The external custody transfer goes first: if it is rejected the
	// treasury has not been credited and the distribution is a no-op.
	if protocolAmount > 0 {
		ref := "fee-" + uuid.New().String()
		if err := e.transfer.Deposit(ctx, cfg.ProtocolRecipient, asset, protocolAmount, ref); err != nil {
			return fmt.Errorf("transfer protocol share: %w", err)
		}
	}
	if treasuryAmount > 0 {
		if err := e.treasury.CreditFeeReserve(ctx, asset, treasuryAmount); err != nil {
			return fmt.Errorf("credit treasury: %w", err)
		}
	}

	metrics.FeesDistributed.WithLabelValues(asset).Add(float64(total))

	stats, err := e.store.GetFeeStats(ctx)
	if err != nil {
		return err
	}
	stats.TotalCollected += total
	stats.TotalToTreasury += treasuryAmount
	stats.TotalToProtocol += protocolAmount
	stats.UpdatedAt = e.now()
	if err := e.store.SaveFeeStats(ctx, stats); err != nil {
		return err
	}

	slog.Info("fee distributed",
		"asset", asset,
		"total", total,
		"treasury", treasuryAmount,
		"protocol", protocolAmount,
	)
	return nil
}

// --- Admin operations ---

func (e *Engine) withAdmin(ctx context.Context, caller string, mutate func(cfg *model.FeeConfig) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.store.GetFeeConfig(ctx)
	if err != nil {
		return err
	}
	if caller != cfg.Admin {
		return ErrNotAuthorized
	}
	if err := mutate(cfg); err != nil {
		return err
	}
	return e.store.SaveFeeConfig(ctx, cfg)
}

// SetFeeRate updates the fee rate in basis points.
func (e *Engine) SetFeeRate(ctx context.Context, caller string, rateBps uint32) error {
	return e.withAdmin(ctx, caller, func(cfg *model.FeeConfig) error {
		if rateBps == 0 || rateBps >= fixedmath.BasisPoints {
			return ErrInvalidRate
		}
		cfg.RateBps = rateBps
		slog.Info("fee rate changed", "rate_bps", rateBps, "admin", caller)
		return nil
	})
}

// SetFeeShares updates the treasury/protocol split; the shares must sum
// exactly to 10000.
func (e *Engine) SetFeeShares(ctx context.Context, caller string, treasuryBps, protocolBps uint32) error {
	return e.withAdmin(ctx, caller, func(cfg *model.FeeConfig) error {
		if treasuryBps+protocolBps != fixedmath.BasisPoints {
			return ErrInvalidShares
		}
		cfg.TreasuryShareBps = treasuryBps
		cfg.ProtocolShareBps = protocolBps
		slog.Info("fee shares changed", "treasury_bps", treasuryBps, "protocol_bps", protocolBps)
		return nil
	})
}

// SetProtocolRecipient updates the external fee recipient.
func (e *Engine) SetProtocolRecipient(ctx context.Context, caller, recipient string) error {
	return e.withAdmin(ctx, caller, func(cfg *model.FeeConfig) error {
		if recipient == "" {
			return ErrInvalidAddress
		}
		cfg.ProtocolRecipient = recipient
		slog.Info("protocol recipient changed", "recipient", recipient)
		return nil
	})
}

// TransferAdmin hands fee administration to a new identity.
func (e *Engine) TransferAdmin(ctx context.Context, caller, newAdmin string) error {
	return e.withAdmin(ctx, caller, func(cfg *model.FeeConfig) error {
		if newAdmin == "" {
			return ErrInvalidAddress
		}
		cfg.Admin = newAdmin
		slog.Info("fee admin transferred", "new_admin", newAdmin)
		return nil
	})
}

// Pause suspends fee distribution.
func (e *Engine) Pause(ctx context.Context, caller string) error {
	return e.withAdmin(ctx, caller, func(cfg *model.FeeConfig) error {
		cfg.Paused = true
		return nil
	})
}

// Unpause resumes fee distribution.
func (e *Engine) Unpause(ctx context.Context, caller string) error {
	return e.withAdmin(ctx, caller, func(cfg *model.FeeConfig) error {
		cfg.Paused = false
		return nil
	})
}
