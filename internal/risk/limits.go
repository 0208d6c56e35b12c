package risk

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantra/tradecore/pkg/models"
)

// HardLimits are the deterministic pre-trade checks. They are conjunctive
// with the scorer: a limit can only deny, never upgrade a risky trade to
// approved.
type HardLimits struct {
	MaxPositionPct float64 // max order notional as a fraction of balance
	Instruments    map[string]struct{}
}

// NewHardLimits builds the limit set. An empty instrument list allows all
// instruments.
func NewHardLimits(maxPositionPct float64, instruments []string) *HardLimits {
	var known map[string]struct{}
	if len(instruments) > 0 {
		known = make(map[string]struct{}, len(instruments))
		for _, in := range instruments {
			known[strings.ToUpper(in)] = struct{}{}
		}
	}
	return &HardLimits{MaxPositionPct: maxPositionPct, Instruments: known}
}

// Check applies all hard limits. The returned reason is ReasonOK when the
// trade passes.
func (h *HardLimits) Check(req *models.TradeRequest, balance, notional decimal.Decimal) models.ReasonCode {
	if h.Instruments != nil {
		if _, ok := h.Instruments[strings.ToUpper(req.Instrument)]; !ok {
			return models.ReasonUnknownInstrument
		}
	}

	if notional.GreaterThan(balance) {
		return models.ReasonBalanceLimit
	}

	if h.MaxPositionPct > 0 {
		ceiling := balance.Mul(decimal.NewFromFloat(h.MaxPositionPct))
		if notional.GreaterThan(ceiling) {
			return models.ReasonPositionLimit
		}
	}

	return models.ReasonOK
}

// RateTracker counts orders per account over a sliding window. It backs
// the max-order-rate limit and feeds the scorer context.
type RateTracker struct {
	window time.Duration
	limit  int

	mu     sync.Mutex
	orders map[string][]time.Time
}

// NewRateTracker creates a tracker with the given per-account limit.
func NewRateTracker(limit int, window time.Duration) *RateTracker {
	return &RateTracker{
		window: window,
		limit:  limit,
		orders: make(map[string][]time.Time),
	}
}

// Observe records an order for the account and returns the count within
// the window including this one.
func (t *RateTracker) Observe(accountID string) int {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	times := t.pruneLocked(accountID, now)
	times = append(times, now)
	t.orders[accountID] = times
	return len(times)
}

// Count returns the in-window order count without recording.
func (t *RateTracker) Count(accountID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pruneLocked(accountID, time.Now()))
}

// Exceeded reports whether the account is over its order-rate limit.
func (t *RateTracker) Exceeded(accountID string) bool {
	if t.limit <= 0 {
		return false
	}
	return t.Count(accountID) >= t.limit
}

func (t *RateTracker) pruneLocked(accountID string, now time.Time) []time.Time {
	cutoff := now.Add(-t.window)
	times := t.orders[accountID]
	start := 0
	for i, ts := range times {
		if ts.After(cutoff) {
			start = i
			break
		}
		start = i + 1
	}
	times = times[start:]
	if len(times) == 0 {
		delete(t.orders, accountID)
		return nil
	}
	t.orders[accountID] = times
	return times
}
