package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/perpx/perp-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	pools     map[string]*model.PoolState
	positions []model.Position
	byID      map[string]int // position id → index into positions
	shares    map[string]map[string]uint64
	feeConfig *model.FeeConfig
	feeStats  model.FeeStats
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:  make(map[string]*model.PoolState),
		byID:   make(map[string]int),
		shares: make(map[string]map[string]uint64),
	}
}

// --- Pools ---

func (s *MemoryStore) CreatePool(_ context.Context, p *model.PoolState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[p.Asset]; ok {
		return fmt.Errorf("%w: pool for %s", ErrAlreadyExists, p.Asset)
	}
	cp := *p
	s.pools[p.Asset] = &cp
	return nil
}

func (s *MemoryStore) GetPool(_ context.Context, asset string) (*model.PoolState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[asset]
	if !ok {
		return nil, fmt.Errorf("%w: pool for %s", ErrNotFound, asset)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPools(_ context.Context) ([]model.PoolState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pools := make([]model.PoolState, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, *p)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Asset < pools[j].Asset })
	return pools, nil
}

func (s *MemoryStore) UpdatePool(_ context.Context, p *model.PoolState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[p.Asset]; !ok {
		return fmt.Errorf("%w: pool for %s", ErrNotFound, p.Asset)
	}
	cp := *p
	s.pools[p.Asset] = &cp
	return nil
}

// --- Positions ---

func (s *MemoryStore) InsertPosition(_ context.Context, pos *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[pos.ID]; ok {
		return fmt.Errorf("%w: position %s", ErrAlreadyExists, pos.ID)
	}
	s.positions = append(s.positions, *pos)
	s.byID[pos.ID] = len(s.positions) - 1
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: position %s", ErrNotFound, id)
	}
	cp := s.positions[idx]
	return &cp, nil
}

func (s *MemoryStore) GetOpenPositionByOwner(_ context.Context, owner string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.positions {
		if s.positions[i].Owner == owner && !s.positions[i].Closed {
			cp := s.positions[i]
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: open position for %s", ErrNotFound, owner)
}

func (s *MemoryStore) ListPositionsByOwner(_ context.Context, owner string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []model.Position
	for i := range s.positions {
		if s.positions[i].Owner == owner {
			result = append(result, s.positions[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) SettlePosition(_ context.Context, id string, exitPrice, payout uint64, reason string, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: position %s", ErrNotFound, id)
	}
	pos := &s.positions[idx]
	if pos.Closed {
		return fmt.Errorf("%w: %s", ErrPositionClosed, id)
	}
	pos.Closed = true
	pos.ExitPrice = exitPrice
	pos.Payout = payout
	pos.CloseReason = reason
	t := closedAt
	pos.ClosedAt = &t
	return nil
}

func (s *MemoryStore) CountOpenPositions(_ context.Context, asset string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for i := range s.positions {
		if s.positions[i].Asset == asset && !s.positions[i].Closed {
			n++
		}
	}
	return n, nil
}

// --- Shares ---

func (s *MemoryStore) ShareBalance(_ context.Context, asset, holder string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shares[asset][holder], nil
}

func (s *MemoryStore) MintShares(_ context.Context, asset, holder string, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shares[asset] == nil {
		s.shares[asset] = make(map[string]uint64)
	}
	s.shares[asset][holder] += amount
	return nil
}

func (s *MemoryStore) BurnShares(_ context.Context, asset, holder string, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shares[asset][holder] < amount {
		return fmt.Errorf("%w: %s has %d, burn %d", ErrInsufficientShares,
			holder, s.shares[asset][holder], amount)
	}
	s.shares[asset][holder] -= amount
	return nil
}

// --- Fee config / stats ---

func (s *MemoryStore) GetFeeConfig(_ context.Context) (*model.FeeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.feeConfig == nil {
		return nil, fmt.Errorf("%w: fee config", ErrNotFound)
	}
	cp := *s.feeConfig
	return &cp, nil
}

func (s *MemoryStore) SaveFeeConfig(_ context.Context, c *model.FeeConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.feeConfig = &cp
	return nil
}

func (s *MemoryStore) GetFeeStats(_ context.Context) (*model.FeeStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := s.feeStats
	return &cp, nil
}

func (s *MemoryStore) SaveFeeStats(_ context.Context, st *model.FeeStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeStats = *st
	return nil
}
