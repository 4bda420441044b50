package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestValidate_Fresh(t *testing.T) {
	now := time.Now().UTC()
	q := Quote{Pair: "BTC/USD", Price: 100_000_000, Decimals: 8, ObservedAt: now.Add(-2 * time.Second)}
	if err := Validate(q, now); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_ExactlyAtWindow(t *testing.T) {
	now := time.Now().UTC()
	q := Quote{Price: 1, ObservedAt: now.Add(-MaxQuoteAge)}
	if err := Validate(q, now); err != nil {
		t.Errorf("quote aged exactly MaxQuoteAge should pass: %v", err)
	}
}

func TestValidate_Stale(t *testing.T) {
	now := time.Now().UTC()
	q := Quote{Price: 1, ObservedAt: now.Add(-MaxQuoteAge - time.Second)}
	if err := Validate(q, now); !errors.Is(err, ErrStaleQuote) {
		t.Errorf("expected ErrStaleQuote, got %v", err)
	}
}

func TestValidate_ZeroPrice(t *testing.T) {
	now := time.Now().UTC()
	q := Quote{Price: 0, ObservedAt: now}
	if err := Validate(q, now); !errors.Is(err, ErrZeroPrice) {
		t.Errorf("expected ErrZeroPrice, got %v", err)
	}
}

func TestUSDValue(t *testing.T) {
	// 2.5 SOL (9 decimals) at $150.00000000 (8 decimals) = $375.
	q := Quote{Price: 15_000_000_000, Decimals: 8}
	got := USDValue(2_500_000_000, 9, q)
	if !got.Equal(decimal.NewFromInt(375)) {
		t.Errorf("USDValue = %s, want 375", got)
	}
}

func TestUSDValue_SubUnit(t *testing.T) {
	// 1 base unit of an 8-decimal asset at $1: 0.00000001 USD.
	q := Quote{Price: 100_000_000, Decimals: 8}
	got := USDValue(1, 8, q)
	if !got.Equal(decimal.RequireFromString("0.00000001")) {
		t.Errorf("USDValue = %s, want 0.00000001", got)
	}
}

func TestStaticSource(t *testing.T) {
	src := NewStaticSource()
	src.SetQuote(Quote{Pair: "SOL/USD", Price: 15_000_000_000, Decimals: 8})

	q, err := src.GetPrice(context.Background(), "SOL/USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Price != 15_000_000_000 {
		t.Errorf("expected price 15_000_000_000, got %d", q.Price)
	}
	if q.ObservedAt.IsZero() {
		t.Error("SetQuote should stamp ObservedAt")
	}

	if _, err := src.GetPrice(context.Background(), "BTC/USD"); !errors.Is(err, ErrUnknownPair) {
		t.Errorf("expected ErrUnknownPair, got %v", err)
	}
}
