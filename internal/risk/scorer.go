package risk

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantra/tradecore/pkg/metrics"
	"github.com/quantra/tradecore/pkg/models"
)

// ScoringContext carries everything a scorer may consult. Assembling it up
// front keeps scorers side-effect-free.
type ScoringContext struct {
	Request      models.TradeRequest
	Balance      decimal.Decimal // available balance in the quote asset
	Notional     decimal.Decimal // quantity * reference price
	RecentOrders int             // orders by this account in the rate window
}

// Score is a scorer verdict on the 0..1 risk scale.
type Score struct {
	Value      float64
	Confidence float64
}

// Scorer produces a risk score for a trade. The primary implementation is
// a statistical model behind this interface; it may be slow or fail, which
// is why every call goes through the fallback adapter.
type Scorer interface {
	Score(ctx context.Context, sc ScoringContext) (Score, error)
}

// RuleScorer is the deterministic last line of defense. It never errors,
// never blocks and consults nothing outside the scoring context.
type RuleScorer struct {
	MaxPositionPct float64
	MaxOrderRate   int
}

// Score derives a risk score from position concentration and order rate.
func (s *RuleScorer) Score(ctx context.Context, sc ScoringContext) (Score, error) {
	if !sc.Balance.IsPositive() {
		return Score{Value: 1.0, Confidence: 1.0}, nil
	}

	score := 0.0

	// Position concentration: how much of the configured ceiling this
	// order consumes.
	if s.MaxPositionPct > 0 {
		ratio, _ := sc.Notional.Div(sc.Balance).Float64()
		score += 0.6 * clamp01(ratio/s.MaxPositionPct)
	}

	// Order rate pressure for the account.
	if s.MaxOrderRate > 0 {
		score += 0.4 * clamp01(float64(sc.RecentOrders)/float64(s.MaxOrderRate))
	}

	return Score{Value: clamp01(score), Confidence: 1.0}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// FallbackScorer runs the primary scorer under a deadline and degrades to
// the rule scorer on timeout or error. No lock is held while the primary
// is in flight.
type FallbackScorer struct {
	primary  Scorer
	fallback Scorer
	timeout  time.Duration
	logger   *zap.Logger
}

// NewFallbackScorer wires the primary/fallback pair. primary may be nil,
// in which case every call uses the rule scorer directly.
func NewFallbackScorer(primary Scorer, fallback *RuleScorer, timeout time.Duration, logger *zap.Logger) *FallbackScorer {
	return &FallbackScorer{
		primary:  primary,
		fallback: fallback,
		timeout:  timeout,
		logger:   logger,
	}
}

// Score returns the primary verdict when it arrives in time, otherwise the
// deterministic fallback, tagging which scorer was used.
func (f *FallbackScorer) Score(ctx context.Context, sc ScoringContext) (Score, models.ScorerKind) {
	if f.primary != nil {
		scoreCtx, cancel := context.WithTimeout(ctx, f.timeout)
		type verdict struct {
			score Score
			err   error
		}
		ch := make(chan verdict, 1)
		go func() {
			s, err := f.primary.Score(scoreCtx, sc)
			ch <- verdict{score: s, err: err}
		}()

		select {
		case v := <-ch:
			cancel()
			if v.err == nil {
				return v.score, models.ScorerML
			}
			metrics.ScorerFallbacks.Inc()
			f.logger.Warn("primary scorer failed, using rule fallback",
				zap.String("request_id", sc.Request.ID),
				zap.Error(v.err))
		case <-scoreCtx.Done():
			// The deadline is enforced here so even a scorer that ignores
			// its context cannot stall the evaluation.
			cancel()
			metrics.ScorerFallbacks.Inc()
			f.logger.Warn("primary scorer timed out, using rule fallback",
				zap.String("request_id", sc.Request.ID),
				zap.Duration("timeout", f.timeout))
		}
	}

	// The rule scorer cannot fail.
	score, _ := f.fallback.Score(ctx, sc)
	return score, models.ScorerRuleFallback
}
