package risk

import "testing"

func TestCheckOpen_WithinLimits(t *testing.T) {
	limiter := NewLimiter(10_000, 1_000)

	if err := limiter.CheckOpen(5_000, 500); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckOpen_TraderCapExceeded(t *testing.T) {
	limiter := NewLimiter(10_000, 1_000)

	if err := limiter.CheckOpen(0, 1_001); err != ErrTraderWagerCap {
		t.Errorf("expected ErrTraderWagerCap, got %v", err)
	}
}

func TestCheckOpen_TraderCapBoundary(t *testing.T) {
	limiter := NewLimiter(10_000, 1_000)

	if err := limiter.CheckOpen(0, 1_000); err != nil {
		t.Errorf("wager exactly at the cap should pass, got %v", err)
	}
}

func TestCheckOpen_AssetCapExceeded(t *testing.T) {
	limiter := NewLimiter(10_000, 0)

	// 9_500 committed + 501 new = 10_001 > 10_000.
	if err := limiter.CheckOpen(9_500, 501); err != ErrAssetNotionalCap {
		t.Errorf("expected ErrAssetNotionalCap, got %v", err)
	}
}

func TestCheckOpen_AssetCapBoundary(t *testing.T) {
	limiter := NewLimiter(10_000, 0)

	if err := limiter.CheckOpen(9_500, 500); err != nil {
		t.Errorf("open filling the cap exactly should pass, got %v", err)
	}
}

func TestCheckOpen_WagerAloneExceedsAssetCap(t *testing.T) {
	limiter := NewLimiter(10_000, 0)

	if err := limiter.CheckOpen(0, 10_001); err != ErrAssetNotionalCap {
		t.Errorf("expected ErrAssetNotionalCap, got %v", err)
	}
}

func TestCheckOpen_ZeroCapsDisabled(t *testing.T) {
	limiter := NewLimiter(0, 0)

	if err := limiter.CheckOpen(1<<60, 1<<60); err != nil {
		t.Errorf("zero caps should disable checks, got %v", err)
	}
}
