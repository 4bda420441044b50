// Package custody abstracts the external collateral transfer
// primitives. Amounts are exact integer base units; a withdraw fails
// atomically on insufficient balance.
package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var ErrInsufficientBalance = errors.New("custody: insufficient balance")

// Transferer moves collateral between the pool's custody and external
// holders. Implementations are provided by the host environment.
type Transferer interface {
	// Withdraw pulls amount of asset from a holder into pool custody.
	Withdraw(ctx context.Context, from, asset string, amount uint64, ref string) error

	// Deposit pushes amount of asset from pool custody to a recipient.
	Deposit(ctx context.Context, to, asset string, amount uint64, ref string) error
}

// LogTransferer records transfer intents via slog and always succeeds.
// It stands in for the host's custody integration in deployments where
// settlement is reconciled downstream from the event stream.
type LogTransferer struct{}

func (LogTransferer) Withdraw(_ context.Context, from, asset string, amount uint64, ref string) error {
	slog.Info("custody withdraw", "from", from, "asset", asset, "amount", amount, "ref", ref)
	return nil
}

func (LogTransferer) Deposit(_ context.Context, to, asset string, amount uint64, ref string) error {
	slog.Info("custody deposit", "to", to, "asset", asset, "amount", amount, "ref", ref)
	return nil
}

// MemoryLedger is an in-memory Transferer tracking per-holder balances.
// Used in tests to assert conservation across operations.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]map[string]uint64 // asset → holder → balance
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]map[string]uint64)}
}

// Credit seeds a holder's balance.
func (l *MemoryLedger) Credit(holder, asset string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[asset] == nil {
		l.balances[asset] = make(map[string]uint64)
	}
	l.balances[asset][holder] += amount
}

// Balance returns a holder's balance.
func (l *MemoryLedger) Balance(holder, asset string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[asset][holder]
}

func (l *MemoryLedger) Withdraw(_ context.Context, from, asset string, amount uint64, ref string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[asset][from] < amount {
		return fmt.Errorf("%w: %s has %d %s, need %d",
			ErrInsufficientBalance, from, l.balances[asset][from], asset, amount)
	}
	l.balances[asset][from] -= amount
	return nil
}

func (l *MemoryLedger) Deposit(_ context.Context, to, asset string, amount uint64, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[asset] == nil {
		l.balances[asset] = make(map[string]uint64)
	}
	l.balances[asset][to] += amount
	return nil
}
