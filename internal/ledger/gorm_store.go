package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Balance is a per-account, per-asset balance row.
type Balance struct {
	ID        uint            `gorm:"primaryKey"`
	AccountID string          `gorm:"not null;uniqueIndex:idx_account_asset"`
	Asset     string          `gorm:"not null;uniqueIndex:idx_account_asset"`
	Available decimal.Decimal `gorm:"type:numeric;not null"`
	Reserved  decimal.Decimal `gorm:"type:numeric;not null"`
	UpdatedAt time.Time
}

// TableName sets the gorm table name.
func (Balance) TableName() string { return "ledger_balances" }

// GormLedger is the production ledger backed by a relational database.
// Mutations run inside a transaction with a row lock on postgres.
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger migrates the balance table and returns the ledger.
func NewGormLedger(db *gorm.DB) (*GormLedger, error) {
	if err := db.AutoMigrate(&Balance{}); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger_balances: %w", err)
	}
	return &GormLedger{db: db}, nil
}

func (l *GormLedger) lockedRow(tx *gorm.DB, accountID, asset string) (*Balance, error) {
	q := tx
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var bal Balance
	err := q.Where("account_id = ? AND asset = ?", accountID, asset).First(&bal).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to load balance %s/%s: %w", accountID, asset, err)
	}
	return &bal, nil
}

// GetBalance returns the available balance for an account and asset.
func (l *GormLedger) GetBalance(ctx context.Context, accountID, asset string) (decimal.Decimal, error) {
	var bal Balance
	err := l.db.WithContext(ctx).Where("account_id = ? AND asset = ?", accountID, asset).First(&bal).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, ErrAccountNotFound
		}
		return decimal.Zero, fmt.Errorf("failed to load balance %s/%s: %w", accountID, asset, err)
	}
	return bal.Available, nil
}

// Reserve moves funds from available to reserved.
func (l *GormLedger) Reserve(ctx context.Context, accountID, asset string, amount decimal.Decimal) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := l.lockedRow(tx, accountID, asset)
		if err != nil {
			return err
		}
		if bal.Available.LessThan(amount) {
			return fmt.Errorf("%w: account %s has %s %s available, need %s",
				ErrInsufficientFunds, accountID, bal.Available, asset, amount)
		}
		bal.Available = bal.Available.Sub(amount)
		bal.Reserved = bal.Reserved.Add(amount)
		return tx.Save(bal).Error
	})
}

// Release returns reserved funds to available.
func (l *GormLedger) Release(ctx context.Context, accountID, asset string, amount decimal.Decimal) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := l.lockedRow(tx, accountID, asset)
		if err != nil {
			return err
		}
		release := decimal.Min(amount, bal.Reserved)
		bal.Reserved = bal.Reserved.Sub(release)
		bal.Available = bal.Available.Add(release)
		return tx.Save(bal).Error
	})
}

// Settle consumes reserved funds.
func (l *GormLedger) Settle(ctx context.Context, accountID, asset string, amount decimal.Decimal) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := l.lockedRow(tx, accountID, asset)
		if err != nil {
			return err
		}
		if bal.Reserved.LessThan(amount) {
			return fmt.Errorf("%w: account %s has %s %s reserved, settling %s",
				ErrInsufficientFunds, accountID, bal.Reserved, asset, amount)
		}
		bal.Reserved = bal.Reserved.Sub(amount)
		return tx.Save(bal).Error
	})
}

// Credit adds funds to the available balance, creating the row if needed.
func (l *GormLedger) Credit(ctx context.Context, accountID, asset string, amount decimal.Decimal) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := l.lockedRow(tx, accountID, asset)
		if errors.Is(err, ErrAccountNotFound) {
			return tx.Create(&Balance{
				AccountID: accountID,
				Asset:     asset,
				Available: amount,
				Reserved:  decimal.Zero,
			}).Error
		}
		if err != nil {
			return err
		}
		bal.Available = bal.Available.Add(amount)
		return tx.Save(bal).Error
	})
}

// Debit removes funds from the available balance.
func (l *GormLedger) Debit(ctx context.Context, accountID, asset string, amount decimal.Decimal) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := l.lockedRow(tx, accountID, asset)
		if err != nil {
			return err
		}
		if bal.Available.LessThan(amount) {
			return fmt.Errorf("%w: account %s has %s %s available, need %s",
				ErrInsufficientFunds, accountID, bal.Available, asset, amount)
		}
		bal.Available = bal.Available.Sub(amount)
		return tx.Save(bal).Error
	})
}
