package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

type memBalance struct {
	available decimal.Decimal
	reserved  decimal.Decimal
}

// MemoryLedger is an in-memory ledger for tests and paper trading.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]*memBalance
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]*memBalance)}
}

func key(accountID, asset string) string { return accountID + "/" + asset }

// GetBalance returns the available balance for an account and asset.
func (l *MemoryLedger) GetBalance(ctx context.Context, accountID, asset string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[key(accountID, asset)]
	if !ok {
		return decimal.Zero, ErrAccountNotFound
	}
	return bal.available, nil
}

// Reserve moves funds from available to reserved.
func (l *MemoryLedger) Reserve(ctx context.Context, accountID, asset string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[key(accountID, asset)]
	if !ok {
		return ErrAccountNotFound
	}
	if bal.available.LessThan(amount) {
		return fmt.Errorf("%w: account %s has %s %s available, need %s",
			ErrInsufficientFunds, accountID, bal.available, asset, amount)
	}
	bal.available = bal.available.Sub(amount)
	bal.reserved = bal.reserved.Add(amount)
	return nil
}

// Release returns reserved funds to available.
func (l *MemoryLedger) Release(ctx context.Context, accountID, asset string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[key(accountID, asset)]
	if !ok {
		return ErrAccountNotFound
	}
	release := decimal.Min(amount, bal.reserved)
	bal.reserved = bal.reserved.Sub(release)
	bal.available = bal.available.Add(release)
	return nil
}

// Settle consumes reserved funds.
func (l *MemoryLedger) Settle(ctx context.Context, accountID, asset string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[key(accountID, asset)]
	if !ok {
		return ErrAccountNotFound
	}
	if bal.reserved.LessThan(amount) {
		return fmt.Errorf("%w: account %s has %s %s reserved, settling %s",
			ErrInsufficientFunds, accountID, bal.reserved, asset, amount)
	}
	bal.reserved = bal.reserved.Sub(amount)
	return nil
}

// Credit adds funds to the available balance, creating the row if needed.
func (l *MemoryLedger) Credit(ctx context.Context, accountID, asset string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key(accountID, asset)
	bal, ok := l.balances[k]
	if !ok {
		l.balances[k] = &memBalance{available: amount, reserved: decimal.Zero}
		return nil
	}
	bal.available = bal.available.Add(amount)
	return nil
}

// Debit removes funds from the available balance.
func (l *MemoryLedger) Debit(ctx context.Context, accountID, asset string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[key(accountID, asset)]
	if !ok {
		return ErrAccountNotFound
	}
	if bal.available.LessThan(amount) {
		return fmt.Errorf("%w: account %s has %s %s available, need %s",
			ErrInsufficientFunds, accountID, bal.available, asset, amount)
	}
	bal.available = bal.available.Sub(amount)
	return nil
}

// Reserved reports the reserved balance. Test helper.
func (l *MemoryLedger) Reserved(accountID, asset string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bal, ok := l.balances[key(accountID, asset)]; ok {
		return bal.reserved
	}
	return decimal.Zero
}
