// Package asset handles collateral asset descriptors: symbol and price
// pair parsing, validation, and the decimals metadata the valuation
// paths need.
package asset

import (
	"errors"
	"fmt"
	"regexp"
)

// MaxDecimals bounds the fixed-point precision of a collateral asset.
const MaxDecimals = 18

// symbolRegex matches an asset symbol: 2-10 uppercase alphanumerics.
// Example: BTC, SOL, WETH2
var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)

// pairRegex matches an oracle price pair: {base}/{quote}.
// Example: BTC/USD
var pairRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})/([A-Z0-9]{2,10})$`)

var (
	ErrInvalidSymbol   = errors.New("asset: invalid asset symbol")
	ErrInvalidPair     = errors.New("asset: invalid price pair format")
	ErrInvalidDecimals = errors.New("asset: decimals out of range")
)

// Descriptor describes one supported collateral asset.
type Descriptor struct {
	Symbol   string `json:"symbol"`   // e.g. BTC
	Pair     string `json:"pair"`     // oracle price pair, e.g. BTC/USD
	Decimals uint32 `json:"decimals"` // base-unit precision, e.g. 9
}

// ParseSymbol validates an asset symbol.
func ParseSymbol(symbol string) (string, error) {
	if !symbolRegex.MatchString(symbol) {
		return "", fmt.Errorf("%w: %q (expected 2-10 uppercase alphanumerics)",
			ErrInvalidSymbol, symbol)
	}
	return symbol, nil
}

// ParsePair validates a price pair and returns its base and quote legs.
func ParsePair(pair string) (base, quote string, err error) {
	matches := pairRegex.FindStringSubmatch(pair)
	if matches == nil {
		return "", "", fmt.Errorf("%w: %q (expected BASE/QUOTE)", ErrInvalidPair, pair)
	}
	return matches[1], matches[2], nil
}

// NewDescriptor validates and builds a Descriptor. The pair's base leg
// must match the symbol so a pool can never be priced off a foreign feed.
func NewDescriptor(symbol, pair string, decimals uint32) (Descriptor, error) {
	sym, err := ParseSymbol(symbol)
	if err != nil {
		return Descriptor{}, err
	}
	base, _, err := ParsePair(pair)
	if err != nil {
		return Descriptor{}, err
	}
	if base != sym {
		return Descriptor{}, fmt.Errorf("%w: pair %q does not price asset %q",
			ErrInvalidPair, pair, sym)
	}
	if decimals > MaxDecimals {
		return Descriptor{}, fmt.Errorf("%w: %d (max %d)", ErrInvalidDecimals,
			decimals, MaxDecimals)
	}
	return Descriptor{Symbol: sym, Pair: pair, Decimals: decimals}, nil
}
