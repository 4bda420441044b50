// Package store defines the persistence interface for the engine.
// Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/perpx/perp-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned on a duplicate insert.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrPositionClosed is returned when settling an already-settled
	// position; closed is a terminal state.
	ErrPositionClosed = errors.New("store: position already closed")

	// ErrInsufficientShares is returned when a burn exceeds the
	// holder's share balance.
	ErrInsufficientShares = errors.New("store: insufficient share balance")
)

// Store is the persistence interface. Positions are append-only: one
// insert at open, one settle update that flips closed and fixes
// exit price and payout, nothing else ever.
type Store interface {
	// --- Pools ---

	// CreatePool persists a new pool. Fails ErrAlreadyExists on a
	// duplicate asset.
	CreatePool(ctx context.Context, p *model.PoolState) error

	// GetPool retrieves the pool for an asset.
	GetPool(ctx context.Context, asset string) (*model.PoolState, error)

	// ListPools returns all pools.
	ListPools(ctx context.Context) ([]model.PoolState, error)

	// UpdatePool writes back a mutated pool state.
	UpdatePool(ctx context.Context, p *model.PoolState) error

	// --- Positions (append-only ledger) ---

	// InsertPosition appends a newly opened position.
	InsertPosition(ctx context.Context, pos *model.Position) error

	// GetPosition retrieves a position by id.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// GetOpenPositionByOwner returns the owner's single open position,
	// or ErrNotFound when every prior position is closed.
	GetOpenPositionByOwner(ctx context.Context, owner string) (*model.Position, error)

	// ListPositionsByOwner returns the owner's full position history.
	ListPositionsByOwner(ctx context.Context, owner string) ([]model.Position, error)

	// SettlePosition performs the single terminal mutation. Fails
	// ErrPositionClosed if already settled.
	SettlePosition(ctx context.Context, id string, exitPrice, payout uint64, reason string, closedAt time.Time) error

	// CountOpenPositions returns the number of open positions per asset.
	CountOpenPositions(ctx context.Context, asset string) (int64, error)

	// --- Liquidity shares ---

	// ShareBalance returns a holder's share balance for an asset.
	ShareBalance(ctx context.Context, asset, holder string) (uint64, error)

	// MintShares credits shares to a holder.
	MintShares(ctx context.Context, asset, holder string, amount uint64) error

	// BurnShares debits shares from a holder; fails
	// ErrInsufficientShares when the balance is short.
	BurnShares(ctx context.Context, asset, holder string, amount uint64) error

	// --- Fee configuration and stats (singletons) ---

	GetFeeConfig(ctx context.Context) (*model.FeeConfig, error)
	SaveFeeConfig(ctx context.Context, c *model.FeeConfig) error
	GetFeeStats(ctx context.Context) (*model.FeeStats, error)
	SaveFeeStats(ctx context.Context, s *model.FeeStats) error
}
