package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func ledgersUnderTest(t *testing.T) map[string]Ledger {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	gl, err := NewGormLedger(db)
	require.NoError(t, err)
	return map[string]Ledger{
		"memory": NewMemoryLedger(),
		"gorm":   gl,
	}
}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestLedgerUnknownAccount(t *testing.T) {
	for name, l := range ledgersUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := l.GetBalance(ctx, "a1", "USD")
			assert.ErrorIs(t, err, ErrAccountNotFound)
			assert.ErrorIs(t, l.Reserve(ctx, "a1", "USD", d(10)), ErrAccountNotFound)
			assert.ErrorIs(t, l.Debit(ctx, "a1", "USD", d(10)), ErrAccountNotFound)
		})
	}
}

func TestLedgerCreditAndDebit(t *testing.T) {
	for name, l := range ledgersUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, l.Credit(ctx, "a1", "USD", d(100)))
			require.NoError(t, l.Credit(ctx, "a1", "USD", d(50)))

			bal, err := l.GetBalance(ctx, "a1", "USD")
			require.NoError(t, err)
			assert.True(t, bal.Equal(d(150)))

			require.NoError(t, l.Debit(ctx, "a1", "USD", d(30)))
			bal, err = l.GetBalance(ctx, "a1", "USD")
			require.NoError(t, err)
			assert.True(t, bal.Equal(d(120)))

			err = l.Debit(ctx, "a1", "USD", d(1000))
			assert.ErrorIs(t, err, ErrInsufficientFunds)
		})
	}
}

func TestLedgerReserveSettleCycle(t *testing.T) {
	for name, l := range ledgersUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, l.Credit(ctx, "a1", "USD", d(100)))

			require.NoError(t, l.Reserve(ctx, "a1", "USD", d(40)))

			// Reserved funds are no longer spendable.
			bal, err := l.GetBalance(ctx, "a1", "USD")
			require.NoError(t, err)
			assert.True(t, bal.Equal(d(60)))
			assert.ErrorIs(t, l.Reserve(ctx, "a1", "USD", d(70)), ErrInsufficientFunds)

			require.NoError(t, l.Settle(ctx, "a1", "USD", d(40)))
			bal, err = l.GetBalance(ctx, "a1", "USD")
			require.NoError(t, err)
			assert.True(t, bal.Equal(d(60)))

			// Nothing left reserved to settle.
			assert.ErrorIs(t, l.Settle(ctx, "a1", "USD", d(1)), ErrInsufficientFunds)
		})
	}
}

func TestLedgerReleaseReturnsFunds(t *testing.T) {
	for name, l := range ledgersUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, l.Credit(ctx, "a1", "USD", d(100)))
			require.NoError(t, l.Reserve(ctx, "a1", "USD", d(40)))

			require.NoError(t, l.Release(ctx, "a1", "USD", d(40)))
			bal, err := l.GetBalance(ctx, "a1", "USD")
			require.NoError(t, err)
			assert.True(t, bal.Equal(d(100)))

			// Releasing more than reserved is clamped, not an error.
			require.NoError(t, l.Release(ctx, "a1", "USD", d(999)))
			bal, err = l.GetBalance(ctx, "a1", "USD")
			require.NoError(t, err)
			assert.True(t, bal.Equal(d(100)))
		})
	}
}

func TestLedgerAssetsAreIndependent(t *testing.T) {
	for name, l := range ledgersUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, l.Credit(ctx, "a1", "USD", d(100)))
			require.NoError(t, l.Credit(ctx, "a1", "BTC", d(2)))
			require.NoError(t, l.Credit(ctx, "a2", "USD", d(7)))

			usd, err := l.GetBalance(ctx, "a1", "USD")
			require.NoError(t, err)
			assert.True(t, usd.Equal(d(100)))

			btc, err := l.GetBalance(ctx, "a1", "BTC")
			require.NoError(t, err)
			assert.True(t, btc.Equal(d(2)))

			other, err := l.GetBalance(ctx, "a2", "USD")
			require.NoError(t, err)
			assert.True(t, other.Equal(d(7)))
		})
	}
}
