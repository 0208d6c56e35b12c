package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/quantra/tradecore/pkg/models"
)

func TestHardLimitsBalance(t *testing.T) {
	h := NewHardLimits(0.25, nil)
	req := &models.TradeRequest{Instrument: "BTC-USD"}

	reason := h.Check(req, decimal.NewFromInt(100), decimal.NewFromInt(150))
	assert.Equal(t, models.ReasonBalanceLimit, reason)
}

func TestHardLimitsPosition(t *testing.T) {
	h := NewHardLimits(0.25, nil)
	req := &models.TradeRequest{Instrument: "BTC-USD"}

	// Within balance but over the 25% concentration ceiling.
	reason := h.Check(req, decimal.NewFromInt(1000), decimal.NewFromInt(300))
	assert.Equal(t, models.ReasonPositionLimit, reason)

	reason = h.Check(req, decimal.NewFromInt(1000), decimal.NewFromInt(200))
	assert.Equal(t, models.ReasonOK, reason)
}

func TestHardLimitsInstrumentAllowList(t *testing.T) {
	h := NewHardLimits(0.25, []string{"btc-usd", "ETH-USD"})

	reason := h.Check(&models.TradeRequest{Instrument: "BTC-USD"},
		decimal.NewFromInt(1000), decimal.NewFromInt(10))
	assert.Equal(t, models.ReasonOK, reason)

	reason = h.Check(&models.TradeRequest{Instrument: "DOGE-USD"},
		decimal.NewFromInt(1000), decimal.NewFromInt(10))
	assert.Equal(t, models.ReasonUnknownInstrument, reason)
}

func TestRateTrackerWindow(t *testing.T) {
	tr := NewRateTracker(3, 50*time.Millisecond)

	assert.False(t, tr.Exceeded("a1"))
	tr.Observe("a1")
	tr.Observe("a1")
	assert.False(t, tr.Exceeded("a1"))
	tr.Observe("a1")
	assert.True(t, tr.Exceeded("a1"))

	// Other accounts are independent.
	assert.False(t, tr.Exceeded("a2"))

	// Orders age out of the window.
	time.Sleep(60 * time.Millisecond)
	assert.False(t, tr.Exceeded("a1"))
	assert.Equal(t, 0, tr.Count("a1"))
}

func TestRateTrackerUnlimited(t *testing.T) {
	tr := NewRateTracker(0, time.Minute)
	for i := 0; i < 100; i++ {
		tr.Observe("a1")
	}
	assert.False(t, tr.Exceeded("a1"))
}
