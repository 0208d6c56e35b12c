package risk

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantra/tradecore/internal/audit"
	"github.com/quantra/tradecore/internal/config"
	"github.com/quantra/tradecore/internal/ledger"
	"github.com/quantra/tradecore/pkg/metrics"
	"github.com/quantra/tradecore/pkg/models"
)

// ErrMissingPrice is returned when a market order references an instrument
// with no known reference price. The trade is denied rather than priced
// blind.
var ErrMissingPrice = errors.New("risk: no reference price for instrument")

// Manager performs pre-trade risk evaluation. Every trade passes through
// Evaluate exactly once before execution; the assessment it returns is
// immutable and fully audited. Evaluate holds no locks while scoring, so a
// slow model cannot serialize unrelated accounts.
type Manager struct {
	cfg     config.RiskConfig
	breaker *CircuitBreaker
	scorer  *FallbackScorer
	limits  *HardLimits
	rates   *RateTracker
	ledger  ledger.Ledger
	prices  PriceSource
	auditor AuditSink
	logger  *zap.Logger
}

// NewManager wires the risk evaluation pipeline. The primary scorer may be
// nil, in which case every evaluation uses the rule scorer directly.
func NewManager(cfg config.RiskConfig, primary Scorer, breaker *CircuitBreaker, led ledger.Ledger, prices PriceSource, sink AuditSink, logger *zap.Logger) *Manager {
	rule := &RuleScorer{MaxPositionPct: cfg.MaxPositionPct, MaxOrderRate: cfg.MaxOrderRate}
	return &Manager{
		cfg:     cfg,
		breaker: breaker,
		scorer:  NewFallbackScorer(primary, rule, cfg.ScorerTimeout, logger),
		limits:  NewHardLimits(cfg.MaxPositionPct, nil),
		rates:   NewRateTracker(cfg.MaxOrderRate, cfg.OrderRateWindow),
		ledger:  led,
		prices:  prices,
		auditor: sink,
		logger:  logger.Named("risk"),
	}
}

// RestrictInstruments limits trading to the given instrument symbols. An
// empty list allows all instruments.
func (m *Manager) RestrictInstruments(instruments []string) {
	m.limits = NewHardLimits(m.cfg.MaxPositionPct, instruments)
}

// Breaker exposes the circuit breaker for surveillance and operator wiring.
func (m *Manager) Breaker() *CircuitBreaker { return m.breaker }

// Evaluate produces the single risk assessment for a trade request. Denials
// are always fail-safe: if the account context cannot be loaded or the
// instrument cannot be priced, the trade is denied rather than waved
// through. The request must already be validated.
func (m *Manager) Evaluate(ctx context.Context, req *models.TradeRequest) (*models.RiskAssessment, error) {
	state := m.breaker.State()

	// An open breaker short-circuits everything. The scorer is not
	// consulted and the denial does not feed the breaker's signal window,
	// otherwise an open breaker would hold itself open.
	if state == BreakerOpen {
		return m.finish(ctx, req, &models.RiskAssessment{
			RequestID:    req.ID,
			Decision:     models.DecisionDeny,
			ReasonCode:   models.ReasonCircuitOpen,
			BreakerState: state.String(),
		}, false)
	}

	// Half-open admits a bounded number of probes. Anything beyond the
	// ticket budget is denied exactly as if the breaker were open.
	release, ok := m.breaker.Acquire()
	if !ok {
		return m.finish(ctx, req, &models.RiskAssessment{
			RequestID:    req.ID,
			Decision:     models.DecisionDeny,
			ReasonCode:   models.ReasonCircuitOpen,
			BreakerState: m.breaker.State().String(),
		}, false)
	}
	defer release()

	state = m.breaker.State()

	sc, err := m.buildContext(ctx, req)
	if err != nil {
		m.logger.Warn("risk context unavailable, denying",
			zap.String("request_id", req.ID),
			zap.String("account_id", req.AccountID),
			zap.Error(err))
		return m.finish(ctx, req, &models.RiskAssessment{
			RequestID:    req.ID,
			Decision:     models.DecisionDeny,
			ReasonCode:   models.ReasonInsufficientContext,
			BreakerState: state.String(),
		}, false)
	}

	score, kind := m.scorer.Score(ctx, sc)

	assessment := &models.RiskAssessment{
		RequestID:    req.ID,
		Score:        score.Value,
		ScorerUsed:   kind,
		BreakerState: state.String(),
	}

	// Hard limits are conjunctive with the score: they can only deny.
	if m.rates.Exceeded(req.AccountID) {
		assessment.Decision = models.DecisionDeny
		assessment.ReasonCode = models.ReasonOrderRate
		return m.finish(ctx, req, assessment, score.Value >= m.cfg.DenyScore)
	}
	if reason := m.limits.Check(req, sc.Balance, sc.Notional); reason != models.ReasonOK {
		assessment.Decision = models.DecisionDeny
		assessment.ReasonCode = reason
		return m.finish(ctx, req, assessment, score.Value >= m.cfg.DenyScore)
	}

	switch {
	case score.Value >= m.cfg.DenyScore:
		assessment.Decision = models.DecisionDeny
		assessment.ReasonCode = models.ReasonScoreHigh
	case score.Value >= m.cfg.ThrottleScore:
		assessment.Decision = models.DecisionThrottle
		assessment.ReasonCode = models.ReasonScoreElevated
		assessment.ApprovedQuantity = req.Quantity.Mul(decimal.NewFromFloat(m.cfg.ThrottleRatio))
	default:
		assessment.Decision = models.DecisionApprove
		assessment.ReasonCode = models.ReasonOK
		assessment.ApprovedQuantity = req.Quantity
	}

	if assessment.Actionable() {
		m.rates.Observe(req.AccountID)
	}

	return m.finish(ctx, req, assessment, score.Value >= m.cfg.DenyScore)
}

// Notional resolves the money value of a trade for the transaction layer,
// using the limit price when present and the reference price otherwise.
func (m *Manager) Notional(req *models.TradeRequest, quantity decimal.Decimal) (decimal.Decimal, error) {
	price, err := m.price(req)
	if err != nil {
		return decimal.Zero, err
	}
	return quantity.Mul(price), nil
}

// Price resolves the execution price for a trade: the limit price when
// present, otherwise the instrument's reference price.
func (m *Manager) Price(req *models.TradeRequest) (decimal.Decimal, error) {
	return m.price(req)
}

func (m *Manager) price(req *models.TradeRequest) (decimal.Decimal, error) {
	if req.LimitPrice != nil {
		return *req.LimitPrice, nil
	}
	price, ok := m.prices.LastPrice(req.Instrument)
	if !ok {
		return decimal.Zero, ErrMissingPrice
	}
	return price, nil
}

func (m *Manager) buildContext(ctx context.Context, req *models.TradeRequest) (ScoringContext, error) {
	price, err := m.price(req)
	if err != nil {
		return ScoringContext{}, err
	}

	balance, err := m.ledger.GetBalance(ctx, req.AccountID, QuoteAsset(req.Instrument))
	if err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
		return ScoringContext{}, err
	}

	return ScoringContext{
		Request:      *req,
		Balance:      balance,
		Notional:     req.Quantity.Mul(price),
		RecentOrders: m.rates.Count(req.AccountID),
	}, nil
}

// finish stamps, audits and records the assessment. highRisk feeds the
// breaker's signal window; it is derived from the score alone, so limit
// denials for low-risk trades do not trip the breaker, while CIRCUIT_OPEN
// denials never call finish with highRisk set.
func (m *Manager) finish(ctx context.Context, req *models.TradeRequest, a *models.RiskAssessment, highRisk bool) (*models.RiskAssessment, error) {
	a.EvaluatedAt = time.Now().UTC()

	if a.ReasonCode != models.ReasonCircuitOpen {
		m.breaker.RecordSignal(highRisk)
	}

	metrics.RiskDecisions.WithLabelValues(string(a.Decision), string(a.ReasonCode)).Inc()

	if _, err := m.auditor.Append(ctx, audit.KindRiskDecision, a); err != nil {
		// The decision stands but the gap is loud: a trade decided
		// without an audit record is an incident.
		m.logger.Error("failed to audit risk decision",
			zap.String("request_id", req.ID),
			zap.Error(err))
	}

	m.logger.Info("risk decision",
		zap.String("request_id", req.ID),
		zap.String("account_id", req.AccountID),
		zap.String("instrument", req.Instrument),
		zap.String("decision", string(a.Decision)),
		zap.String("reason", string(a.ReasonCode)),
		zap.Float64("score", a.Score),
		zap.String("scorer", string(a.ScorerUsed)),
		zap.String("breaker_state", a.BreakerState))

	return a, nil
}
