package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Mode selects paper or real-money execution.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeReal  Mode = "real"
)

// Decision is the outcome of a risk evaluation.
type Decision string

const (
	DecisionApprove  Decision = "approve"
	DecisionDeny     Decision = "deny"
	DecisionThrottle Decision = "throttle"
)

// ReasonCode explains a risk decision.
type ReasonCode string

const (
	ReasonOK                  ReasonCode = "OK"
	ReasonCircuitOpen         ReasonCode = "CIRCUIT_OPEN"
	ReasonPositionLimit       ReasonCode = "POSITION_LIMIT"
	ReasonBalanceLimit        ReasonCode = "BALANCE_LIMIT"
	ReasonOrderRate           ReasonCode = "ORDER_RATE"
	ReasonScoreHigh           ReasonCode = "SCORE_HIGH"
	ReasonScoreElevated       ReasonCode = "SCORE_ELEVATED"
	ReasonInsufficientContext ReasonCode = "INSUFFICIENT_CONTEXT"
	ReasonUnknownInstrument   ReasonCode = "UNKNOWN_INSTRUMENT"
)

// ScorerKind identifies which scorer produced a risk score.
type ScorerKind string

const (
	ScorerML           ScorerKind = "ml"
	ScorerRuleFallback ScorerKind = "rule_fallback"
)

// OutcomeStatus is the terminal status of a transaction.
type OutcomeStatus string

const (
	StatusExecuted OutcomeStatus = "executed"
	StatusRejected OutcomeStatus = "rejected"
	StatusFailed   OutcomeStatus = "failed"
)

// TradeRequest is an inbound order from the intake layer. The ID doubles as
// the caller-supplied idempotency key; a retried request must carry the same
// ID. Requests are immutable once validated.
type TradeRequest struct {
	ID          string           `json:"id" validate:"required,max=128"`
	AccountID   string           `json:"account_id" validate:"required,max=64"`
	Instrument  string           `json:"instrument" validate:"required,max=32"`
	Side        Side             `json:"side" validate:"required,oneof=buy sell"`
	Quantity    decimal.Decimal  `json:"quantity" validate:"required"`
	LimitPrice  *decimal.Decimal `json:"limit_price,omitempty"`
	Mode        Mode             `json:"mode" validate:"required,oneof=paper real"`
	SubmittedAt time.Time        `json:"submitted_at"`
}

var validate = validator.New()

// Validate rejects malformed requests before they reach the risk layer.
// Validation failures are caller errors and are never audited as decisions.
func (r *TradeRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid trade request: %w", err)
	}
	if !r.Quantity.IsPositive() {
		return fmt.Errorf("invalid trade request: quantity must be positive, got %s", r.Quantity)
	}
	if r.LimitPrice != nil && !r.LimitPrice.IsPositive() {
		return fmt.Errorf("invalid trade request: limit price must be positive, got %s", r.LimitPrice)
	}
	return nil
}

// RiskAssessment is produced exactly once per TradeRequest by the risk
// manager and never mutated afterwards.
type RiskAssessment struct {
	RequestID        string          `json:"request_id"`
	Decision         Decision        `json:"decision"`
	ReasonCode       ReasonCode      `json:"reason_code"`
	Score            float64         `json:"score"`
	ScorerUsed       ScorerKind      `json:"scorer_used"`
	ApprovedQuantity decimal.Decimal `json:"approved_quantity"`
	BreakerState     string          `json:"breaker_state_at_decision"`
	EvaluatedAt      time.Time       `json:"evaluated_at"`
}

// Actionable reports whether the assessment authorizes execution.
func (a *RiskAssessment) Actionable() bool {
	return a.Decision == DecisionApprove || a.Decision == DecisionThrottle
}

// TransactionOutcome is produced exactly once per accepted TradeRequest and
// persisted as the idempotency result snapshot.
type TransactionOutcome struct {
	RequestID        string          `json:"request_id"`
	Status           OutcomeStatus   `json:"status"`
	VenueRef         string          `json:"venue_ref,omitempty"`
	ExecutedQuantity decimal.Decimal `json:"executed_quantity"`
	ExecutedPrice    decimal.Decimal `json:"executed_price"`
	Err              string          `json:"error,omitempty"`
	CompletedAt      time.Time       `json:"completed_at"`
}

// DepositRequest credits funds to an account ledger.
type DepositRequest struct {
	ID        string          `json:"id" validate:"required,max=128"`
	AccountID string          `json:"account_id" validate:"required,max=64"`
	Currency  string          `json:"currency" validate:"required,max=16"`
	Amount    decimal.Decimal `json:"amount" validate:"required"`
}

// Validate checks field constraints on a deposit.
func (r *DepositRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid deposit request: %w", err)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("invalid deposit request: amount must be positive, got %s", r.Amount)
	}
	return nil
}

// WithdrawRequest debits funds from an account ledger. Withdrawals are
// gated by the circuit breaker like trades.
type WithdrawRequest struct {
	ID        string          `json:"id" validate:"required,max=128"`
	AccountID string          `json:"account_id" validate:"required,max=64"`
	Currency  string          `json:"currency" validate:"required,max=16"`
	Amount    decimal.Decimal `json:"amount" validate:"required"`
}

// Validate checks field constraints on a withdrawal.
func (r *WithdrawRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid withdraw request: %w", err)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("invalid withdraw request: amount must be positive, got %s", r.Amount)
	}
	return nil
}

// SurveillanceSignal is an inbound abuse-detection event. Signals above the
// configured confidence threshold force the circuit breaker open.
type SurveillanceSignal struct {
	AccountID  string    `json:"account_id,omitempty"`
	Kind       string    `json:"kind"`
	Confidence float64   `json:"confidence"`
	ObservedAt time.Time `json:"observed_at"`
}
