package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perpx/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis
// read-through cache for pool and position reads. Writes go to the
// primary store and invalidate the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

func poolKey(asset string) string    { return fmt.Sprintf("pool:%s", asset) }
func positionKey(id string) string   { return fmt.Sprintf("position:%s", id) }
func openPosKey(owner string) string { return fmt.Sprintf("openpos:%s", owner) }

// --- Pools ---

func (s *CachedStore) CreatePool(ctx context.Context, p *model.PoolState) error {
	if err := s.primary.CreatePool(ctx, p); err != nil {
		return err
	}
	s.cachePool(ctx, p)
	return nil
}

func (s *CachedStore) GetPool(ctx context.Context, asset string) (*model.PoolState, error) {
	data, err := s.rdb.Get(ctx, poolKey(asset)).Bytes()
	if err == nil {
		var p model.PoolState
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPool(ctx, asset)
	if err != nil {
		return nil, err
	}
	s.cachePool(ctx, p)
	return p, nil
}

func (s *CachedStore) ListPools(ctx context.Context) ([]model.PoolState, error) {
	return s.primary.ListPools(ctx)
}

func (s *CachedStore) UpdatePool(ctx context.Context, p *model.PoolState) error {
	if err := s.primary.UpdatePool(ctx, p); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, poolKey(p.Asset))
	return nil
}

func (s *CachedStore) cachePool(ctx context.Context, p *model.PoolState) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, poolKey(p.Asset), data, s.ttl)
	}
}

// --- Positions ---

func (s *CachedStore) InsertPosition(ctx context.Context, pos *model.Position) error {
	if err := s.primary.InsertPosition(ctx, pos); err != nil {
		return err
	}
	s.rdb.Del(ctx, openPosKey(pos.Owner))
	return nil
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	data, err := s.rdb.Get(ctx, positionKey(id)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(p.ID), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) GetOpenPositionByOwner(ctx context.Context, owner string) (*model.Position, error) {
	return s.primary.GetOpenPositionByOwner(ctx, owner)
}

func (s *CachedStore) ListPositionsByOwner(ctx context.Context, owner string) ([]model.Position, error) {
	return s.primary.ListPositionsByOwner(ctx, owner)
}

func (s *CachedStore) SettlePosition(ctx context.Context, id string, exitPrice, payout uint64, reason string, closedAt time.Time) error {
	if err := s.primary.SettlePosition(ctx, id, exitPrice, payout, reason, closedAt); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(id))
	return nil
}

func (s *CachedStore) CountOpenPositions(ctx context.Context, asset string) (int64, error) {
	return s.primary.CountOpenPositions(ctx, asset)
}

// --- Shares (no caching: balances gate burns, reads must be exact) ---

func (s *CachedStore) ShareBalance(ctx context.Context, asset, holder string) (uint64, error) {
	return s.primary.ShareBalance(ctx, asset, holder)
}

func (s *CachedStore) MintShares(ctx context.Context, asset, holder string, amount uint64) error {
	return s.primary.MintShares(ctx, asset, holder, amount)
}

func (s *CachedStore) BurnShares(ctx context.Context, asset, holder string, amount uint64) error {
	return s.primary.BurnShares(ctx, asset, holder, amount)
}

// --- Fee config / stats ---

func (s *CachedStore) GetFeeConfig(ctx context.Context) (*model.FeeConfig, error) {
	return s.primary.GetFeeConfig(ctx)
}

func (s *CachedStore) SaveFeeConfig(ctx context.Context, c *model.FeeConfig) error {
	return s.primary.SaveFeeConfig(ctx, c)
}

func (s *CachedStore) GetFeeStats(ctx context.Context) (*model.FeeStats, error) {
	return s.primary.GetFeeStats(ctx)
}

func (s *CachedStore) SaveFeeStats(ctx context.Context, st *model.FeeStats) error {
	return s.primary.SaveFeeStats(ctx, st)
}
