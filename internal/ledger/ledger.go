// Package ledger provides the account balance capability consumed by the
// risk and transaction managers. Balances are tracked per account and
// asset with an available/reserved split so funds committed to an
// in-flight trade cannot be double-spent.
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrInsufficientFunds is returned when a reserve or debit exceeds the
// available balance.
var ErrInsufficientFunds = errors.New("ledger: insufficient funds")

// ErrAccountNotFound is returned when no balance row exists for the
// account and asset.
var ErrAccountNotFound = errors.New("ledger: account not found")

// Ledger is the account balance capability.
type Ledger interface {
	// GetBalance returns the available balance for an account and asset.
	GetBalance(ctx context.Context, accountID, asset string) (decimal.Decimal, error)

	// Reserve moves funds from available to reserved ahead of execution.
	Reserve(ctx context.Context, accountID, asset string, amount decimal.Decimal) error

	// Release returns reserved funds to available after a failed execution.
	Release(ctx context.Context, accountID, asset string, amount decimal.Decimal) error

	// Settle consumes reserved funds after a successful execution.
	Settle(ctx context.Context, accountID, asset string, amount decimal.Decimal) error

	// Credit adds funds to the available balance, creating the account row
	// if needed.
	Credit(ctx context.Context, accountID, asset string, amount decimal.Decimal) error

	// Debit removes funds from the available balance.
	Debit(ctx context.Context, accountID, asset string, amount decimal.Decimal) error
}
