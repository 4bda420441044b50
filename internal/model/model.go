// Package model defines the core domain types shared across the engine.
// All amounts and prices are unsigned integer base units; the realized
// PnL accumulator is a signed int64. Never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction of a leveraged position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// Close reasons recorded on settlement.
const (
	CloseManual      = "manual"
	CloseLiquidation = "liquidation"
	CloseProfitCap   = "profit_cap"
)

// Position is one leveraged trade. Rows are append-only: a position is
// created by open and mutated exactly once, by close or force-close,
// which flips Closed and fixes ExitPrice/Payout. Never deleted.
type Position struct {
	ID               string     `json:"id" db:"id"`
	Owner            string     `json:"owner" db:"owner"`
	Asset            string     `json:"asset" db:"asset"`
	Wagered          uint64     `json:"wagered" db:"wagered"`
	Leverage         uint32     `json:"leverage" db:"leverage"`
	EntryPrice       uint64     `json:"entry_price" db:"entry_price"`
	LiquidationPrice uint64     `json:"liquidation_price" db:"liquidation_price"`
	TargetPrice      uint64     `json:"target_price" db:"target_price"`
	Direction        Direction  `json:"direction" db:"direction"`
	OpenedAt         time.Time  `json:"opened_at" db:"opened_at"`
	Closed           bool       `json:"closed" db:"closed"`
	ExitPrice        uint64     `json:"exit_price" db:"exit_price"`
	Payout           uint64     `json:"payout" db:"payout"`
	CloseReason      string     `json:"close_reason,omitempty" db:"close_reason"`
	ClosedAt         *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// PoolState is the liquidity pool backing all positions of one asset.
//
// Reserve is the exact balance of backing collateral. RealizedPnL is the
// pool's cumulative realized trading PnL: positive when traders have lost
// in aggregate, negative when they have won. FeeReserve accumulates the
// treasury share of trading fees and is excluded from Value. TotalDeposits
// is the lifetime sum of nominal LP deposits and is monotonic; it is an
// observational counter, not a balance.
type PoolState struct {
	Asset         string    `json:"asset" db:"asset"`
	Pair          string    `json:"pair" db:"pair"`
	Decimals      uint32    `json:"decimals" db:"decimals"`
	TotalDeposits uint64    `json:"total_deposits" db:"total_deposits"`
	TotalShares   uint64    `json:"total_shares" db:"total_shares"`
	OpenNotional  uint64    `json:"open_notional" db:"open_notional"`
	RealizedPnL   int64     `json:"realized_pnl" db:"realized_pnl"`
	FeeReserve    uint64    `json:"fee_reserve" db:"fee_reserve"`
	Reserve       uint64    `json:"reserve" db:"reserve"`
	Paused        bool      `json:"paused" db:"paused"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Value is the pool's net asset value: Reserve adjusted by RealizedPnL,
// floored at zero when accumulated losses exceed the reserve.
func (p *PoolState) Value() uint64 {
	if p.RealizedPnL >= 0 {
		v := p.Reserve + uint64(p.RealizedPnL)
		if v < p.Reserve { // wrapped
			return ^uint64(0)
		}
		return v
	}
	loss := uint64(-p.RealizedPnL)
	if loss >= p.Reserve {
		return 0
	}
	return p.Reserve - loss
}

// PoolSnapshot is the read-model view of a pool returned by the API.
type PoolSnapshot struct {
	Asset         string          `json:"asset"`
	Pair          string          `json:"pair"`
	Value         uint64          `json:"value"`
	Reserve       uint64          `json:"reserve"`
	FeeReserve    uint64          `json:"fee_reserve"`
	TotalShares   uint64          `json:"total_shares"`
	TotalDeposits uint64          `json:"total_deposits"`
	OpenNotional  uint64          `json:"open_notional"`
	OpenPositions int64           `json:"open_positions"`
	RealizedPnL   int64           `json:"realized_pnl"`
	SharePrice    decimal.Decimal `json:"share_price"`
	Paused        bool            `json:"paused"`
}

// FeeConfig holds the fee rate and distribution split. TreasuryShareBps
// and ProtocolShareBps always sum to exactly 10000.
type FeeConfig struct {
	RateBps           uint32 `json:"rate_bps" db:"rate_bps"`
	TreasuryShareBps  uint32 `json:"treasury_share_bps" db:"treasury_share_bps"`
	ProtocolShareBps  uint32 `json:"protocol_share_bps" db:"protocol_share_bps"`
	ProtocolRecipient string `json:"protocol_recipient" db:"protocol_recipient"`
	Admin             string `json:"admin" db:"admin"`
	Paused            bool   `json:"paused" db:"paused"`
}

// FeeStats are monotonically increasing distribution totals. They are
// observational only and never drive control flow.
type FeeStats struct {
	TotalCollected  uint64    `json:"total_collected" db:"total_collected"`
	TotalToTreasury uint64    `json:"total_to_treasury" db:"total_to_treasury"`
	TotalToProtocol uint64    `json:"total_to_protocol" db:"total_to_protocol"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}
