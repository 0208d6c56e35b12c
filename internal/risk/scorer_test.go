package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantra/tradecore/pkg/models"
)

type stubScorer struct {
	score Score
	err   error
	delay time.Duration
}

func (s *stubScorer) Score(ctx context.Context, sc ScoringContext) (Score, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Score{}, ctx.Err()
		}
	}
	return s.score, s.err
}

// hangingScorer ignores its context entirely.
type hangingScorer struct{}

func (hangingScorer) Score(ctx context.Context, sc ScoringContext) (Score, error) {
	time.Sleep(time.Hour)
	return Score{}, nil
}

func testScoringContext() ScoringContext {
	return ScoringContext{
		Request:  models.TradeRequest{ID: "r1", AccountID: "a1", Instrument: "BTC-USD"},
		Balance:  decimal.NewFromInt(10000),
		Notional: decimal.NewFromInt(500),
	}
}

func TestRuleScorerZeroBalanceIsMaxRisk(t *testing.T) {
	s := &RuleScorer{MaxPositionPct: 0.25, MaxOrderRate: 30}
	score, err := s.Score(context.Background(), ScoringContext{
		Balance:  decimal.Zero,
		Notional: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, score.Value)
}

func TestRuleScorerScalesWithConcentration(t *testing.T) {
	s := &RuleScorer{MaxPositionPct: 0.25, MaxOrderRate: 30}

	small, err := s.Score(context.Background(), ScoringContext{
		Balance:  decimal.NewFromInt(10000),
		Notional: decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	large, err := s.Score(context.Background(), ScoringContext{
		Balance:  decimal.NewFromInt(10000),
		Notional: decimal.NewFromInt(2400),
	})
	require.NoError(t, err)

	assert.Less(t, small.Value, large.Value)
	assert.LessOrEqual(t, large.Value, 1.0)
}

func TestRuleScorerDeterministic(t *testing.T) {
	s := &RuleScorer{MaxPositionPct: 0.25, MaxOrderRate: 30}
	sc := testScoringContext()
	sc.RecentOrders = 12

	first, err := s.Score(context.Background(), sc)
	require.NoError(t, err)
	second, err := s.Score(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFallbackUsesPrimaryWhenHealthy(t *testing.T) {
	primary := &stubScorer{score: Score{Value: 0.42, Confidence: 0.9}}
	f := NewFallbackScorer(primary, &RuleScorer{MaxPositionPct: 0.25}, 100*time.Millisecond, zap.NewNop())

	score, kind := f.Score(context.Background(), testScoringContext())
	assert.Equal(t, models.ScorerML, kind)
	assert.Equal(t, 0.42, score.Value)
}

func TestFallbackOnPrimaryError(t *testing.T) {
	primary := &stubScorer{err: errors.New("model unavailable")}
	f := NewFallbackScorer(primary, &RuleScorer{MaxPositionPct: 0.25}, 100*time.Millisecond, zap.NewNop())

	_, kind := f.Score(context.Background(), testScoringContext())
	assert.Equal(t, models.ScorerRuleFallback, kind)
}

func TestFallbackOnPrimaryTimeout(t *testing.T) {
	primary := &stubScorer{score: Score{Value: 0.1}, delay: time.Second}
	f := NewFallbackScorer(primary, &RuleScorer{MaxPositionPct: 0.25}, 20*time.Millisecond, zap.NewNop())

	start := time.Now()
	_, kind := f.Score(context.Background(), testScoringContext())
	assert.Equal(t, models.ScorerRuleFallback, kind)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestFallbackSurvivesHangingPrimary(t *testing.T) {
	f := NewFallbackScorer(hangingScorer{}, &RuleScorer{MaxPositionPct: 0.25}, 20*time.Millisecond, zap.NewNop())

	start := time.Now()
	_, kind := f.Score(context.Background(), testScoringContext())
	assert.Equal(t, models.ScorerRuleFallback, kind)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestFallbackNilPrimary(t *testing.T) {
	f := NewFallbackScorer(nil, &RuleScorer{MaxPositionPct: 0.25}, 100*time.Millisecond, zap.NewNop())

	_, kind := f.Score(context.Background(), testScoringContext())
	assert.Equal(t, models.ScorerRuleFallback, kind)
}
