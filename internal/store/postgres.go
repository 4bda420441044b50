package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perpx/perp-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of
// truth. All uint64 amounts are stored as NUMERIC(20,0) and scanned
// through TEXT for exactness.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func u(v uint64) string { return strconv.FormatUint(v, 10) }

func parseU(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

// --- Pools ---

func (s *PostgresStore) CreatePool(ctx context.Context, p *model.PoolState) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO pools (asset, pair, decimals, total_deposits, total_shares, open_notional,
		                    realized_pnl, fee_reserve, reserve, paused, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10, $11)
		 ON CONFLICT (asset) DO NOTHING`,
		p.Asset, p.Pair, p.Decimals,
		u(p.TotalDeposits), u(p.TotalShares), u(p.OpenNotional),
		p.RealizedPnL, u(p.FeeReserve), u(p.Reserve),
		p.Paused, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create pool %s: %w", p.Asset, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: pool for %s", ErrAlreadyExists, p.Asset)
	}
	return nil
}

const poolColumns = `asset, pair, decimals,
       total_deposits::TEXT, total_shares::TEXT, open_notional::TEXT,
       realized_pnl, fee_reserve::TEXT, reserve::TEXT,
       paused, created_at`

func scanPool(row pgx.Row) (*model.PoolState, error) {
	var p model.PoolState
	var deposits, shares, notional, feeReserve, reserve string
	err := row.Scan(&p.Asset, &p.Pair, &p.Decimals,
		&deposits, &shares, &notional,
		&p.RealizedPnL, &feeReserve, &reserve,
		&p.Paused, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.TotalDeposits = parseU(deposits)
	p.TotalShares = parseU(shares)
	p.OpenNotional = parseU(notional)
	p.FeeReserve = parseU(feeReserve)
	p.Reserve = parseU(reserve)
	return &p, nil
}

func (s *PostgresStore) GetPool(ctx context.Context, asset string) (*model.PoolState, error) {
	p, err := scanPool(s.pool.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM pools WHERE asset = $1`, asset))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: pool for %s", ErrNotFound, asset)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", asset, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.PoolState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+poolColumns+` FROM pools ORDER BY asset`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.PoolState
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) UpdatePool(ctx context.Context, p *model.PoolState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pools
		 SET total_deposits = $2::NUMERIC, total_shares = $3::NUMERIC,
		     open_notional = $4::NUMERIC, realized_pnl = $5,
		     fee_reserve = $6::NUMERIC, reserve = $7::NUMERIC, paused = $8
		 WHERE asset = $1`,
		p.Asset, u(p.TotalDeposits), u(p.TotalShares), u(p.OpenNotional),
		p.RealizedPnL, u(p.FeeReserve), u(p.Reserve), p.Paused,
	)
	if err != nil {
		return fmt.Errorf("update pool %s: %w", p.Asset, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: pool for %s", ErrNotFound, p.Asset)
	}
	return nil
}

// --- Positions ---

func (s *PostgresStore) InsertPosition(ctx context.Context, pos *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, owner, asset, wagered, leverage, entry_price,
		                        liquidation_price, target_price, direction, opened_at,
		                        closed, exit_price, payout, close_reason, closed_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9, $10, $11, $12::NUMERIC, $13::NUMERIC, $14, $15)`,
		pos.ID, pos.Owner, pos.Asset, u(pos.Wagered), pos.Leverage,
		u(pos.EntryPrice), u(pos.LiquidationPrice), u(pos.TargetPrice),
		string(pos.Direction), pos.OpenedAt,
		pos.Closed, u(pos.ExitPrice), u(pos.Payout), pos.CloseReason, pos.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("insert position %s: %w", pos.ID, err)
	}
	return nil
}

const positionColumns = `id, owner, asset, wagered::TEXT, leverage,
       entry_price::TEXT, liquidation_price::TEXT, target_price::TEXT,
       direction, opened_at, closed, exit_price::TEXT, payout::TEXT,
       close_reason, closed_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var wagered, entry, liq, target, exit, payout string
	var direction string
	err := row.Scan(&p.ID, &p.Owner, &p.Asset, &wagered, &p.Leverage,
		&entry, &liq, &target,
		&direction, &p.OpenedAt, &p.Closed, &exit, &payout,
		&p.CloseReason, &p.ClosedAt)
	if err != nil {
		return nil, err
	}
	p.Wagered = parseU(wagered)
	p.EntryPrice = parseU(entry)
	p.LiquidationPrice = parseU(liq)
	p.TargetPrice = parseU(target)
	p.ExitPrice = parseU(exit)
	p.Payout = parseU(payout)
	p.Direction = model.Direction(direction)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: position %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) GetOpenPositionByOwner(ctx context.Context, owner string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE owner = $1 AND NOT closed
		 ORDER BY opened_at DESC LIMIT 1`, owner))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: open position for %s", ErrNotFound, owner)
	}
	if err != nil {
		return nil, fmt.Errorf("get open position for %s: %w", owner, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositionsByOwner(ctx context.Context, owner string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE owner = $1 ORDER BY opened_at`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) SettlePosition(ctx context.Context, id string, exitPrice, payout uint64, reason string, closedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions
		 SET closed = TRUE, exit_price = $2::NUMERIC, payout = $3::NUMERIC,
		     close_reason = $4, closed_at = $5
		 WHERE id = $1 AND NOT closed`,
		id, u(exitPrice), u(payout), reason, closedAt,
	)
	if err != nil {
		return fmt.Errorf("settle position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already closed; disambiguate for callers.
		var closed bool
		err := s.pool.QueryRow(ctx,
			`SELECT closed FROM positions WHERE id = $1`, id).Scan(&closed)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: position %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("settle position %s: %w", id, err)
		}
		return fmt.Errorf("%w: %s", ErrPositionClosed, id)
	}
	return nil
}

func (s *PostgresStore) CountOpenPositions(ctx context.Context, asset string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE asset = $1 AND NOT closed`, asset).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open positions for %s: %w", asset, err)
	}
	return n, nil
}

// --- Shares ---

func (s *PostgresStore) ShareBalance(ctx context.Context, asset, holder string) (uint64, error) {
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT FROM share_balances WHERE asset = $1 AND holder = $2`,
		asset, holder).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("share balance %s/%s: %w", asset, holder, err)
	}
	return parseU(balance), nil
}

func (s *PostgresStore) MintShares(ctx context.Context, asset, holder string, amount uint64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO share_balances (asset, holder, balance)
		 VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (asset, holder) DO UPDATE
		 SET balance = share_balances.balance + EXCLUDED.balance`,
		asset, holder, u(amount),
	)
	if err != nil {
		return fmt.Errorf("mint %d shares of %s to %s: %w", amount, asset, holder, err)
	}
	return nil
}

func (s *PostgresStore) BurnShares(ctx context.Context, asset, holder string, amount uint64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE share_balances
		 SET balance = balance - $3::NUMERIC
		 WHERE asset = $1 AND holder = $2 AND balance >= $3::NUMERIC`,
		asset, holder, u(amount),
	)
	if err != nil {
		return fmt.Errorf("burn %d shares of %s from %s: %w", amount, asset, holder, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s burn %d", ErrInsufficientShares, asset, holder, amount)
	}
	return nil
}

// --- Fee config / stats ---

func (s *PostgresStore) GetFeeConfig(ctx context.Context) (*model.FeeConfig, error) {
	var c model.FeeConfig
	err := s.pool.QueryRow(ctx,
		`SELECT rate_bps, treasury_share_bps, protocol_share_bps,
		        protocol_recipient, admin, paused
		 FROM fee_config WHERE id = 1`).
		Scan(&c.RateBps, &c.TreasuryShareBps, &c.ProtocolShareBps,
			&c.ProtocolRecipient, &c.Admin, &c.Paused)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: fee config", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get fee config: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) SaveFeeConfig(ctx context.Context, c *model.FeeConfig) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fee_config (id, rate_bps, treasury_share_bps, protocol_share_bps,
		                         protocol_recipient, admin, paused)
		 VALUES (1, $1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET rate_bps = EXCLUDED.rate_bps,
		     treasury_share_bps = EXCLUDED.treasury_share_bps,
		     protocol_share_bps = EXCLUDED.protocol_share_bps,
		     protocol_recipient = EXCLUDED.protocol_recipient,
		     admin = EXCLUDED.admin,
		     paused = EXCLUDED.paused`,
		c.RateBps, c.TreasuryShareBps, c.ProtocolShareBps,
		c.ProtocolRecipient, c.Admin, c.Paused,
	)
	if err != nil {
		return fmt.Errorf("save fee config: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFeeStats(ctx context.Context) (*model.FeeStats, error) {
	var st model.FeeStats
	var collected, treasury, protocol string
	err := s.pool.QueryRow(ctx,
		`SELECT total_collected::TEXT, total_to_treasury::TEXT,
		        total_to_protocol::TEXT, updated_at
		 FROM fee_stats WHERE id = 1`).
		Scan(&collected, &treasury, &protocol, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.FeeStats{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fee stats: %w", err)
	}
	st.TotalCollected = parseU(collected)
	st.TotalToTreasury = parseU(treasury)
	st.TotalToProtocol = parseU(protocol)
	return &st, nil
}

func (s *PostgresStore) SaveFeeStats(ctx context.Context, st *model.FeeStats) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fee_stats (id, total_collected, total_to_treasury, total_to_protocol, updated_at)
		 VALUES (1, $1::NUMERIC, $2::NUMERIC, $3::NUMERIC, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET total_collected = EXCLUDED.total_collected,
		     total_to_treasury = EXCLUDED.total_to_treasury,
		     total_to_protocol = EXCLUDED.total_to_protocol,
		     updated_at = EXCLUDED.updated_at`,
		u(st.TotalCollected), u(st.TotalToTreasury), u(st.TotalToProtocol), st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save fee stats: %w", err)
	}
	return nil
}
