// Package oracle is the price gateway: quote types, freshness
// validation, and the sources the engine consumes prices from. The
// engine never trusts a quote without running it through Validate.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MaxQuoteAge is the freshness window. Quotes older than this are
// rejected as stale.
const MaxQuoteAge = 10 * time.Second

var (
	ErrZeroPrice   = errors.New("oracle: quote price is zero")
	ErrStaleQuote  = errors.New("oracle: quote is older than the freshness window")
	ErrUnknownPair = errors.New("oracle: no quote for pair")
)

// Quote is one price observation for an asset pair.
type Quote struct {
	Pair       string    `json:"pair"`
	Price      uint64    `json:"price"`
	Decimals   uint32    `json:"decimals"`
	ObservedAt time.Time `json:"observed_at"`
}

// Source supplies quotes per asset pair.
type Source interface {
	GetPrice(ctx context.Context, pair string) (Quote, error)
}

// Validate rejects zero-priced or stale quotes.
func Validate(q Quote, now time.Time) error {
	if q.Price == 0 {
		return ErrZeroPrice
	}
	if now.Sub(q.ObservedAt) > MaxQuoteAge {
		return fmt.Errorf("%w: observed %s ago", ErrStaleQuote,
			now.Sub(q.ObservedAt).Round(time.Millisecond))
	}
	return nil
}

// USDValue returns the quote-currency value of an amount of base units,
// adjusted for both the asset's and the quote's decimals.
func USDValue(amount uint64, assetDecimals uint32, q Quote) decimal.Decimal {
	units := decimal.NewFromUint64(amount).Shift(-int32(assetDecimals))
	price := decimal.NewFromUint64(q.Price).Shift(-int32(q.Decimals))
	return units.Mul(price)
}

// StaticSource serves fixed quotes set by the caller. Used in tests and
// development; SetQuote stamps ObservedAt when left zero.
type StaticSource struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewStaticSource creates an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{quotes: make(map[string]Quote)}
}

// SetQuote installs or replaces the quote for a pair.
func (s *StaticSource) SetQuote(q Quote) {
	if q.ObservedAt.IsZero() {
		q.ObservedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.quotes[q.Pair] = q
	s.mu.Unlock()
}

func (s *StaticSource) GetPrice(_ context.Context, pair string) (Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[pair]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownPair, pair)
	}
	return q, nil
}
