package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantra/tradecore/internal/audit"
	"github.com/quantra/tradecore/internal/config"
	"github.com/quantra/tradecore/internal/ledger"
	"github.com/quantra/tradecore/internal/risk"
	"github.com/quantra/tradecore/pkg/metrics"
	"github.com/quantra/tradecore/pkg/models"
)

// ErrIntegrityHold is returned while the audit chain is known to be broken.
// No money moves until an operator acknowledges the incident.
var ErrIntegrityHold = errors.New("transaction: halted pending audit integrity acknowledgement")

// Manager owns the execute path. It guarantees at-most-one venue submission
// per request ID via the idempotency store, moves funds through the ledger
// around execution, and audits every terminal outcome.
type Manager struct {
	cfg    config.IdemConfig
	store  IdempotencyStore
	risk   *risk.Manager
	ledger ledger.Ledger
	venue  ExecutionVenue
	audit  risk.AuditSink
	logger *zap.Logger

	halted atomic.Bool
}

func NewManager(cfg config.IdemConfig, store IdempotencyStore, rm *risk.Manager, led ledger.Ledger, venue ExecutionVenue, sink risk.AuditSink, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  store,
		risk:   rm,
		ledger: led,
		venue:  venue,
		audit:  sink,
		logger: logger.Named("transaction"),
	}
}

// HaltForIntegrity latches the integrity hold. Wired to the audit log's
// break hook.
func (m *Manager) HaltForIntegrity(report audit.Report) {
	if m.halted.CompareAndSwap(false, true) {
		m.logger.Error("audit chain break detected, halting transactions",
			zap.Int("issues", len(report.Issues)))
	}
}

// Halted reports whether the integrity hold is latched.
func (m *Manager) Halted() bool { return m.halted.Load() }

// Acknowledge clears the integrity hold after operator review. The
// acknowledgement itself is audited.
func (m *Manager) Acknowledge(ctx context.Context, operator, note string) error {
	if !m.halted.CompareAndSwap(true, false) {
		return errors.New("transaction: no integrity hold to acknowledge")
	}
	_, err := m.audit.Append(ctx, audit.KindOperatorAction, map[string]string{
		"action":   "integrity_acknowledge",
		"operator": operator,
		"note":     note,
	})
	if err != nil {
		return fmt.Errorf("audit integrity acknowledgement: %w", err)
	}
	m.logger.Warn("integrity hold cleared", zap.String("operator", operator))
	return nil
}

// Execute runs a trade end to end: claim the idempotency key, evaluate
// risk, reserve funds, submit to the venue, settle and seal the outcome.
// Retries with the same request ID replay the stored outcome; only a
// failed attempt may execute again.
func (m *Manager) Execute(ctx context.Context, req *models.TradeRequest) (*models.TransactionOutcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if m.halted.Load() {
		return nil, ErrIntegrityHold
	}

	start := time.Now()

	rec, created, err := m.store.Begin(ctx, req.ID, m.cfg.Retention)
	if err != nil {
		return nil, fmt.Errorf("begin transaction %s: %w", req.ID, err)
	}
	if !created {
		switch rec.State {
		case StateInFlight:
			return nil, ErrInFlight
		case StateCompleted, StateFailed:
			outcome, err := decodeOutcome(rec.Snapshot)
			if err != nil {
				return nil, fmt.Errorf("replay transaction %s: %w", req.ID, err)
			}
			metrics.IdempotentReplays.Inc()
			m.logger.Info("replayed transaction outcome",
				zap.String("request_id", req.ID),
				zap.String("status", string(outcome.Status)))
			return outcome, nil
		default:
			return nil, fmt.Errorf("transaction %s: unexpected record state %q", req.ID, rec.State)
		}
	}

	// The key is claimed. From here the attempt must reach a terminal
	// state even if the caller goes away, so detach from caller
	// cancellation.
	execCtx := context.WithoutCancel(ctx)

	assessment, err := m.risk.Evaluate(execCtx, req)
	if err != nil {
		return m.fail(execCtx, req, fmt.Errorf("risk evaluation: %w", err))
	}
	if !assessment.Actionable() {
		return m.reject(execCtx, req, assessment)
	}

	quantity := assessment.ApprovedQuantity
	price, err := m.risk.Price(req)
	if err != nil {
		return m.fail(execCtx, req, err)
	}

	// Buys lock up quote currency, sells lock up the asset being sold.
	reserveAsset, reserveAmount := reservation(req, quantity, price)
	if err := m.ledger.Reserve(execCtx, req.AccountID, reserveAsset, reserveAmount); err != nil {
		return m.fail(execCtx, req, fmt.Errorf("reserve funds: %w", err))
	}

	fill, err := m.venue.Execute(execCtx, req, quantity, price)
	if err != nil {
		if relErr := m.ledger.Release(execCtx, req.AccountID, reserveAsset, reserveAmount); relErr != nil {
			m.logger.Error("failed to release reservation after venue error",
				zap.String("request_id", req.ID),
				zap.Error(relErr))
		}
		return m.fail(execCtx, req, fmt.Errorf("venue execution: %w", err))
	}

	if err := m.settle(execCtx, req, fill, reserveAsset, reserveAmount); err != nil {
		// Funds state is now suspect; the record stays failed for
		// reconciliation and the error is loud.
		m.logger.Error("settlement failed after fill",
			zap.String("request_id", req.ID),
			zap.String("venue_ref", fill.VenueRef),
			zap.Error(err))
		return m.fail(execCtx, req, fmt.Errorf("settle fill %s: %w", fill.VenueRef, err))
	}

	outcome := &models.TransactionOutcome{
		RequestID:        req.ID,
		Status:           models.StatusExecuted,
		VenueRef:         fill.VenueRef,
		ExecutedQuantity: fill.Quantity,
		ExecutedPrice:    fill.Price,
		CompletedAt:      time.Now().UTC(),
	}
	if err := m.seal(execCtx, req.ID, outcome, true); err != nil {
		return nil, err
	}

	metrics.Executions.WithLabelValues(string(models.StatusExecuted)).Inc()
	metrics.ExecuteLatency.Observe(time.Since(start).Seconds())
	m.logger.Info("trade executed",
		zap.String("request_id", req.ID),
		zap.String("account_id", req.AccountID),
		zap.String("instrument", req.Instrument),
		zap.String("venue_ref", fill.VenueRef),
		zap.String("quantity", fill.Quantity.String()),
		zap.String("price", fill.Price.String()))
	return outcome, nil
}

// reservation picks the asset and amount to lock ahead of execution.
func reservation(req *models.TradeRequest, quantity, price decimal.Decimal) (string, decimal.Decimal) {
	if req.Side == models.SideSell {
		return risk.BaseAsset(req.Instrument), quantity
	}
	return risk.QuoteAsset(req.Instrument), quantity.Mul(price)
}

// settle converts the reservation into the post-trade balances: consume
// what was reserved, credit what was bought.
func (m *Manager) settle(ctx context.Context, req *models.TradeRequest, fill *Fill, reserveAsset string, reserveAmount decimal.Decimal) error {
	if err := m.ledger.Settle(ctx, req.AccountID, reserveAsset, reserveAmount); err != nil {
		return err
	}
	if req.Side == models.SideBuy {
		return m.ledger.Credit(ctx, req.AccountID, risk.BaseAsset(req.Instrument), fill.Quantity)
	}
	return m.ledger.Credit(ctx, req.AccountID, risk.QuoteAsset(req.Instrument), fill.Quantity.Mul(fill.Price))
}

// reject seals a risk denial. Denials are deterministic for a request ID,
// so the record completes and replays rather than staying retryable.
func (m *Manager) reject(ctx context.Context, req *models.TradeRequest, a *models.RiskAssessment) (*models.TransactionOutcome, error) {
	outcome := &models.TransactionOutcome{
		RequestID:   req.ID,
		Status:      models.StatusRejected,
		Err:         string(a.ReasonCode),
		CompletedAt: time.Now().UTC(),
	}
	if err := m.seal(ctx, req.ID, outcome, true); err != nil {
		return nil, err
	}
	metrics.Executions.WithLabelValues(string(models.StatusRejected)).Inc()
	return outcome, nil
}

// fail seals an execution failure. The record is left retryable.
func (m *Manager) fail(ctx context.Context, req *models.TradeRequest, cause error) (*models.TransactionOutcome, error) {
	outcome := &models.TransactionOutcome{
		RequestID:   req.ID,
		Status:      models.StatusFailed,
		Err:         cause.Error(),
		CompletedAt: time.Now().UTC(),
	}
	if err := m.seal(ctx, req.ID, outcome, false); err != nil {
		return nil, err
	}
	metrics.Executions.WithLabelValues(string(models.StatusFailed)).Inc()
	m.logger.Warn("trade failed",
		zap.String("request_id", req.ID),
		zap.Error(cause))
	return outcome, nil
}

// seal persists the outcome snapshot and audits it.
func (m *Manager) seal(ctx context.Context, key string, outcome *models.TransactionOutcome, completed bool) error {
	snapshot, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode outcome %s: %w", key, err)
	}
	if completed {
		err = m.store.Complete(ctx, key, snapshot)
	} else {
		err = m.store.Fail(ctx, key, snapshot)
	}
	if err != nil {
		return fmt.Errorf("seal outcome %s: %w", key, err)
	}
	if _, err := m.audit.Append(ctx, audit.KindTransaction, outcome); err != nil {
		m.logger.Error("failed to audit transaction outcome",
			zap.String("request_id", key),
			zap.Error(err))
	}
	return nil
}

// Get returns the stored outcome for a request ID, if any.
func (m *Manager) Get(ctx context.Context, requestID string) (*models.TransactionOutcome, error) {
	rec, err := m.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if rec.State == StateInFlight {
		return nil, ErrInFlight
	}
	return decodeOutcome(rec.Snapshot)
}

// Deposit credits funds to an account. Deposits are idempotent on the
// request ID but bypass risk evaluation: adding funds is never gated.
func (m *Manager) Deposit(ctx context.Context, req *models.DepositRequest) (*models.TransactionOutcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return m.transfer(ctx, req.ID, func(tctx context.Context) error {
		return m.ledger.Credit(tctx, req.AccountID, req.Currency, req.Amount)
	}, "deposit", req.AccountID, req.Currency, req.Amount)
}

// Withdraw debits funds from an account. Withdrawals are gated by the
// circuit breaker: an open breaker blocks money leaving the platform.
func (m *Manager) Withdraw(ctx context.Context, req *models.WithdrawRequest) (*models.TransactionOutcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if state := m.risk.Breaker().State(); state == risk.BreakerOpen {
		return nil, risk.ErrBreakerOpen
	}
	return m.transfer(ctx, req.ID, func(tctx context.Context) error {
		return m.ledger.Debit(tctx, req.AccountID, req.Currency, req.Amount)
	}, "withdraw", req.AccountID, req.Currency, req.Amount)
}

func (m *Manager) transfer(ctx context.Context, key string, move func(context.Context) error, kind, accountID, currency string, amount decimal.Decimal) (*models.TransactionOutcome, error) {
	if m.halted.Load() {
		return nil, ErrIntegrityHold
	}

	rec, created, err := m.store.Begin(ctx, key, m.cfg.Retention)
	if err != nil {
		return nil, fmt.Errorf("begin %s %s: %w", kind, key, err)
	}
	if !created {
		if rec.State == StateInFlight {
			return nil, ErrInFlight
		}
		outcome, err := decodeOutcome(rec.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("replay %s %s: %w", kind, key, err)
		}
		metrics.IdempotentReplays.Inc()
		return outcome, nil
	}

	tctx := context.WithoutCancel(ctx)
	if err := move(tctx); err != nil {
		outcome := &models.TransactionOutcome{
			RequestID:   key,
			Status:      models.StatusFailed,
			Err:         err.Error(),
			CompletedAt: time.Now().UTC(),
		}
		if sealErr := m.seal(tctx, key, outcome, false); sealErr != nil {
			return nil, sealErr
		}
		metrics.Executions.WithLabelValues(string(models.StatusFailed)).Inc()
		return outcome, nil
	}

	outcome := &models.TransactionOutcome{
		RequestID:        key,
		Status:           models.StatusExecuted,
		ExecutedQuantity: amount,
		CompletedAt:      time.Now().UTC(),
	}
	if err := m.seal(tctx, key, outcome, true); err != nil {
		return nil, err
	}
	metrics.Executions.WithLabelValues(string(models.StatusExecuted)).Inc()
	m.logger.Info(kind+" settled",
		zap.String("request_id", key),
		zap.String("account_id", accountID),
		zap.String("currency", currency),
		zap.String("amount", amount.String()))
	return outcome, nil
}

// RunPurge deletes expired idempotency records on an interval until the
// context is cancelled.
func (m *Manager) RunPurge(ctx context.Context) {
	if m.cfg.PurgeInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.store.PurgeExpired(ctx, time.Now().UTC())
			if err != nil {
				m.logger.Error("idempotency purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				m.logger.Info("purged idempotency records", zap.Int64("count", n))
			}
		}
	}
}

func decodeOutcome(snapshot []byte) (*models.TransactionOutcome, error) {
	if len(snapshot) == 0 {
		return nil, errors.New("empty outcome snapshot")
	}
	var outcome models.TransactionOutcome
	if err := json.Unmarshal(snapshot, &outcome); err != nil {
		return nil, err
	}
	return &outcome, nil
}
