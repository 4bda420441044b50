// Package fixedmath implements the fixed-point settlement math for
// leveraged positions: liquidation/target price derivation, the shared
// payout function, and exact basis-point fee splitting.
//
// All values are unsigned integer base units with basis-point precision
// (10000 = 100%). Division always floors. Every multiply-divide runs at
// full precision through shopspring/decimal and is range-checked back
// into uint64, so intermediate products never wrap silently.
package fixedmath

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/perpx/perp-engine/internal/model"
)

const (
	// BasisPoints is the fixed-point scale: 10000 = 100%.
	BasisPoints = 10_000

	// MinLeverage and MaxLeverage bound the leverage multiplier.
	MinLeverage = 1
	MaxLeverage = 100

	// ProfitCapBps caps any favorable PnL at 500% of the wager.
	ProfitCapBps = 50_000

	// ReserveBufferBps is the operational buffer withheld from
	// payout-coverage calculations (5% of reserve).
	ReserveBufferBps = 500
)

var (
	// ErrOverflow is returned when a result exceeds the uint64 range,
	// or when a signed accumulator update would exceed int64.
	ErrOverflow = errors.New("fixedmath: arithmetic overflow")

	// ErrDivideByZero is returned on a zero divisor (zero entry price
	// or zero total shares reaching the kernel is a bookkeeping bug).
	ErrDivideByZero = errors.New("fixedmath: division by zero")

	// ErrInvalidLeverage is returned when leverage is outside [1, 100].
	ErrInvalidLeverage = errors.New("fixedmath: leverage must be between 1 and 100")
)

var maxUint64 = decimal.NewFromUint64(math.MaxUint64)

// Settlement is the result of the shared payout function.
type Settlement struct {
	IsProfit    bool
	GrossPayout uint64
	PnLBps      uint64
}

// CheckLeverage validates the leverage multiplier bounds.
func CheckLeverage(leverage uint32) error {
	if leverage < MinLeverage || leverage > MaxLeverage {
		return ErrInvalidLeverage
	}
	return nil
}

// MulDivFloor returns floor(a*b/c) computed at full precision.
func MulDivFloor(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, ErrDivideByZero
	}
	num := decimal.NewFromUint64(a).Mul(decimal.NewFromUint64(b))
	q, _ := num.QuoRem(decimal.NewFromUint64(c), 0)
	return toUint64(q)
}

// Add returns a+b, failing on wrap.
func Add(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Sub returns a-b, failing on underflow.
func Sub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrOverflow
	}
	return a - b, nil
}

// PnLAdd moves the signed accumulator up by gain (pool gained).
func PnLAdd(acc int64, gain uint64) (int64, error) {
	if gain > math.MaxInt64 {
		return 0, ErrOverflow
	}
	g := int64(gain)
	if acc > 0 && g > math.MaxInt64-acc {
		return 0, ErrOverflow
	}
	return acc + g, nil
}

// PnLSub moves the signed accumulator down by loss (pool paid out).
func PnLSub(acc int64, loss uint64) (int64, error) {
	if loss > math.MaxInt64 {
		return 0, ErrOverflow
	}
	l := int64(loss)
	if acc < 0 && acc < math.MinInt64+l {
		return 0, ErrOverflow
	}
	return acc - l, nil
}

// LiquidationPrice returns the price at which a position's loss consumes
// 100% of the wager: entry*(1 - 1/leverage) for long, entry*(1 + 1/leverage)
// for short, in basis-point fixed math.
func LiquidationPrice(entry uint64, leverage uint32, dir model.Direction) (uint64, error) {
	if err := CheckLeverage(leverage); err != nil {
		return 0, err
	}
	moveBps := uint64(BasisPoints) / uint64(leverage)
	if dir == model.Long {
		return MulDivFloor(entry, BasisPoints-moveBps, BasisPoints)
	}
	return MulDivFloor(entry, BasisPoints+moveBps, BasisPoints)
}

// TargetPrice returns the price at which unrealized gain reaches the
// profit cap. The cap scales inversely with leverage: higher leverage
// reaches 500% on a smaller move. A short target that would fall below
// zero clamps to 0, which is unreachable, so low-leverage shorts simply
// never hit the cap.
func TargetPrice(entry uint64, leverage uint32, dir model.Direction) (uint64, error) {
	if err := CheckLeverage(leverage); err != nil {
		return 0, err
	}
	moveBps := uint64(ProfitCapBps) / uint64(leverage)
	if dir == model.Long {
		return MulDivFloor(entry, BasisPoints+moveBps, BasisPoints)
	}
	if moveBps >= BasisPoints {
		return 0, nil
	}
	return MulDivFloor(entry, BasisPoints-moveBps, BasisPoints)
}

// MaxPayout is the largest gross payout a position can ever demand:
// wager * (1 + profit cap).
func MaxPayout(wagered uint64) (uint64, error) {
	return MulDivFloor(wagered, BasisPoints+ProfitCapBps, BasisPoints)
}

// Settle computes the gross payout for closing a position at the current
// price. It is pure and deterministic; callers on the profit-cap
// automation path pay MaxPayout instead of calling this with the live
// price, so the trader is paid the cap exactly rather than the unbounded
// PnL (front-running the automation trigger yields no extra upside).
//
// Steps:
//  1. No movement: full return of the wager.
//  2. pnl_bps = |price change| * leverage * 10000 / entry, with an
//     explicit pre-multiplication overflow guard.
//  3. Favorable: cap at ProfitCapBps, payout = wager + wager*pnl/10000.
//  4. Unfavorable and pnl >= 10000: full liquidation, payout 0.
//  5. Otherwise: payout = wager - wager*pnl/10000.
func Settle(wagered uint64, leverage uint32, entry, current uint64, dir model.Direction) (Settlement, error) {
	if err := CheckLeverage(leverage); err != nil {
		return Settlement{}, err
	}
	if entry == 0 {
		return Settlement{}, ErrDivideByZero
	}
	if current == entry {
		return Settlement{IsProfit: true, GrossPayout: wagered, PnLBps: 0}, nil
	}

	var change uint64
	var favorable bool
	if current > entry {
		change = current - entry
		favorable = dir == model.Long
	} else {
		change = entry - current
		favorable = dir == model.Short
	}

	// Pre-multiplication guard: reject inputs whose scaled movement
	// exceeds the uint64 domain before any payout math runs.
	if change > math.MaxUint64/(uint64(leverage)*BasisPoints) {
		return Settlement{}, ErrOverflow
	}

	pnlBps, err := MulDivFloor(change, uint64(leverage)*BasisPoints, entry)
	if err != nil {
		return Settlement{}, err
	}

	if favorable {
		if pnlBps > ProfitCapBps {
			pnlBps = ProfitCapBps
		}
		profit, err := MulDivFloor(wagered, pnlBps, BasisPoints)
		if err != nil {
			return Settlement{}, err
		}
		gross, err := Add(wagered, profit)
		if err != nil {
			return Settlement{}, err
		}
		return Settlement{IsProfit: true, GrossPayout: gross, PnLBps: pnlBps}, nil
	}

	if pnlBps >= BasisPoints {
		return Settlement{IsProfit: false, GrossPayout: 0, PnLBps: pnlBps}, nil
	}
	loss, err := MulDivFloor(wagered, pnlBps, BasisPoints)
	if err != nil {
		return Settlement{}, err
	}
	gross := wagered - loss // loss < wagered since pnlBps < BasisPoints
	return Settlement{IsProfit: false, GrossPayout: gross, PnLBps: pnlBps}, nil
}

// FeeAmount returns floor(amount * rateBps / 10000). The result never
// exceeds amount for rates under 10000.
func FeeAmount(amount uint64, rateBps uint32) uint64 {
	fee, _ := MulDivFloor(amount, uint64(rateBps), BasisPoints)
	return fee
}

// SplitFee divides a total fee between treasury and protocol by
// remainder assignment: the treasury share rounds down and the protocol
// receives everything left, so the two always sum exactly to total.
func SplitFee(total uint64, treasuryBps uint32) (treasury, protocol uint64) {
	treasury, _ = MulDivFloor(total, uint64(treasuryBps), BasisPoints)
	return treasury, total - treasury
}

// toUint64 converts an exact non-negative decimal into uint64.
func toUint64(d decimal.Decimal) (uint64, error) {
	if d.IsNegative() || d.Cmp(maxUint64) > 0 {
		return 0, ErrOverflow
	}
	return d.BigInt().Uint64(), nil
}
