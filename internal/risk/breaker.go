package risk

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantra/tradecore/internal/audit"
	"github.com/quantra/tradecore/pkg/metrics"
)

// BreakerState represents the state of the circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned when an operation is refused because the
// breaker is open.
var ErrBreakerOpen = errors.New("risk: circuit breaker is open")

// BreakerConfig contains circuit breaker thresholds.
type BreakerConfig struct {
	TripThreshold         int           // consecutive high-risk signals before opening
	SignalWindow          time.Duration // sliding window for counting signals
	Cooldown              time.Duration // time in open before probing
	HalfOpenProbes        int           // consecutive clean approvals to close
	HalfOpenMaxConcurrent int           // admission tickets while half-open
}

// AuditSink is the slice of the audit log the breaker needs.
type AuditSink interface {
	Append(ctx context.Context, kind string, payload interface{}) (audit.Entry, error)
}

// CircuitBreaker gates all risk decisions behind a process-wide health
// signal. All state lives behind one mutex; transitions are never silent:
// each one is logged, counted and appended to the audit log.
type CircuitBreaker struct {
	cfg    BreakerConfig
	logger *zap.Logger
	sink   AuditSink

	mu            sync.Mutex
	state         BreakerState
	highSignals   []time.Time // consecutive high-risk signal timestamps
	lastTripAt    time.Time
	cooldownUntil time.Time
	halfOpenClean int
	tickets       int
}

// BreakerStatus is a point-in-time snapshot of breaker state.
type BreakerStatus struct {
	State               string    `json:"state"`
	ConsecutiveHighRisk int       `json:"consecutive_high_risk_signals"`
	LastTripAt          time.Time `json:"last_trip_at"`
	CooldownUntil       time.Time `json:"cooldown_until"`
}

type breakerTransition struct {
	From    string    `json:"from"`
	To      string    `json:"to"`
	Trigger string    `json:"trigger"`
	At      time.Time `json:"at"`
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig, sink AuditSink, logger *zap.Logger) *CircuitBreaker {
	if cfg.TripThreshold <= 0 {
		cfg.TripThreshold = 5
	}
	if cfg.HalfOpenMaxConcurrent <= 0 {
		cfg.HalfOpenMaxConcurrent = 1
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	metrics.BreakerState.Set(float64(BreakerClosed))
	return &CircuitBreaker{
		cfg:    cfg,
		logger: logger,
		sink:   sink,
		state:  BreakerClosed,
	}
}

// State returns the current state, promoting OPEN to HALF_OPEN when the
// cooldown has elapsed.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	t := cb.promoteLocked()
	state := cb.state
	cb.mu.Unlock()
	cb.emit(t)
	return state
}

// Status returns a snapshot for operators and the audit trail.
func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.Lock()
	t := cb.promoteLocked()
	st := BreakerStatus{
		State:               cb.state.String(),
		ConsecutiveHighRisk: len(cb.highSignals),
		LastTripAt:          cb.lastTripAt,
		CooldownUntil:       cb.cooldownUntil,
	}
	cb.mu.Unlock()
	cb.emit(t)
	return st
}

// Acquire takes a half-open admission ticket. In CLOSED state admission is
// unbounded; in OPEN it is refused. The release func must be called once
// the probing evaluation finishes.
func (cb *CircuitBreaker) Acquire() (release func(), ok bool) {
	cb.mu.Lock()
	t := cb.promoteLocked()
	switch cb.state {
	case BreakerOpen:
		cb.mu.Unlock()
		cb.emit(t)
		return nil, false
	case BreakerHalfOpen:
		if cb.tickets >= cb.cfg.HalfOpenMaxConcurrent {
			cb.mu.Unlock()
			cb.emit(t)
			return nil, false
		}
		cb.tickets++
		cb.mu.Unlock()
		cb.emit(t)
		var once sync.Once
		return func() {
			once.Do(func() {
				cb.mu.Lock()
				cb.tickets--
				cb.mu.Unlock()
			})
		}, true
	default:
		cb.mu.Unlock()
		cb.emit(t)
		return func() {}, true
	}
}

// RecordSignal feeds one evaluation outcome into health tracking. A
// high-risk signal in CLOSED counts toward the trip threshold; in
// HALF_OPEN it re-opens immediately. Clean signals reset the consecutive
// counter and, while half-open, count toward recovery.
func (cb *CircuitBreaker) RecordSignal(highRisk bool) {
	now := time.Now()
	cb.mu.Lock()
	promoted := cb.promoteLocked()
	cb.mu.Unlock()
	cb.emit(promoted) // promote first so the signal lands in the right state

	cb.mu.Lock()
	var transition *breakerTransition
	switch cb.state {
	case BreakerClosed:
		if highRisk {
			cb.highSignals = append(cb.highSignals, now)
			cb.pruneLocked(now)
			if len(cb.highSignals) >= cb.cfg.TripThreshold {
				transition = cb.tripLocked(now, "consecutive_high_risk")
			}
		} else {
			cb.highSignals = cb.highSignals[:0]
		}
	case BreakerHalfOpen:
		if highRisk {
			transition = cb.tripLocked(now, "half_open_high_risk")
		} else {
			cb.halfOpenClean++
			if cb.halfOpenClean >= cb.cfg.HalfOpenProbes {
				transition = cb.toStateLocked(BreakerClosed, "probation_passed")
			}
		}
	}
	cb.mu.Unlock()
	cb.emit(transition)
}

// ForceOpen trips the breaker from an external signal such as a
// surveillance alert or an operator command.
func (cb *CircuitBreaker) ForceOpen(trigger string) {
	cb.mu.Lock()
	var transition *breakerTransition
	if cb.state != BreakerOpen {
		transition = cb.tripLocked(time.Now(), trigger)
	} else {
		// Already open: extend the cooldown so the new signal is honored.
		cb.cooldownUntil = time.Now().Add(cb.cfg.Cooldown)
	}
	cb.mu.Unlock()
	cb.emit(transition)
}

// Reset closes the breaker by explicit operator action.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var transition *breakerTransition
	if cb.state != BreakerClosed {
		transition = cb.toStateLocked(BreakerClosed, "operator_reset")
	}
	cb.highSignals = cb.highSignals[:0]
	cb.halfOpenClean = 0
	cb.mu.Unlock()
	cb.emit(transition)
}

// promoteLocked moves OPEN to HALF_OPEN once the cooldown has elapsed.
// Caller holds the lock and must emit the returned transition after
// unlocking.
func (cb *CircuitBreaker) promoteLocked() *breakerTransition {
	if cb.state == BreakerOpen && time.Now().After(cb.cooldownUntil) {
		return cb.toStateLocked(BreakerHalfOpen, "cooldown_elapsed")
	}
	return nil
}

func (cb *CircuitBreaker) tripLocked(now time.Time, trigger string) *breakerTransition {
	cb.lastTripAt = now
	cb.cooldownUntil = now.Add(cb.cfg.Cooldown)
	metrics.BreakerTrips.WithLabelValues(trigger).Inc()
	return cb.toStateLocked(BreakerOpen, trigger)
}

func (cb *CircuitBreaker) toStateLocked(to BreakerState, trigger string) *breakerTransition {
	from := cb.state
	cb.state = to
	cb.halfOpenClean = 0
	if to == BreakerClosed {
		cb.highSignals = cb.highSignals[:0]
	}
	metrics.BreakerState.Set(float64(to))
	return &breakerTransition{
		From:    from.String(),
		To:      to.String(),
		Trigger: trigger,
		At:      time.Now().UTC(),
	}
}

func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	if cb.cfg.SignalWindow <= 0 {
		return
	}
	cutoff := now.Add(-cb.cfg.SignalWindow)
	start := 0
	for i, ts := range cb.highSignals {
		if ts.After(cutoff) {
			start = i
			break
		}
		start = i + 1
	}
	if start > 0 {
		copy(cb.highSignals, cb.highSignals[start:])
		cb.highSignals = cb.highSignals[:len(cb.highSignals)-start]
	}
}

// emit logs and audits a transition. Must be called without the lock held.
func (cb *CircuitBreaker) emit(t *breakerTransition) {
	if t == nil {
		return
	}
	cb.logger.Warn("circuit breaker transition",
		zap.String("from", t.From),
		zap.String("to", t.To),
		zap.String("trigger", t.Trigger))
	if cb.sink != nil {
		if _, err := cb.sink.Append(context.Background(), audit.KindBreakerTransition, t); err != nil {
			cb.logger.Error("failed to audit breaker transition", zap.Error(err))
		}
	}
}
