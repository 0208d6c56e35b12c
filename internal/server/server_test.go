package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantra/tradecore/internal/audit"
	"github.com/quantra/tradecore/internal/config"
	"github.com/quantra/tradecore/internal/ledger"
	"github.com/quantra/tradecore/internal/risk"
	"github.com/quantra/tradecore/internal/transaction"
	"github.com/quantra/tradecore/pkg/models"
)

type testStack struct {
	server  *Server
	breaker *risk.CircuitBreaker
	ledger  *ledger.MemoryLedger
	tx      *transaction.Manager
	audit   *audit.Log
	store   *audit.MemoryStore
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	logger := zap.NewNop()

	store := audit.NewMemoryStore()
	log, err := audit.NewLog(context.Background(), store, logger)
	require.NoError(t, err)
	t.Cleanup(log.Close)

	breaker := risk.NewCircuitBreaker(risk.BreakerConfig{
		TripThreshold:         100,
		SignalWindow:          time.Minute,
		Cooldown:              time.Minute,
		HalfOpenProbes:        3,
		HalfOpenMaxConcurrent: 2,
	}, log, logger)

	led := ledger.NewMemoryLedger()
	prices := risk.NewStaticPrices()
	prices.Set("BTC-USD", decimal.NewFromInt(100))

	rm := risk.NewManager(config.RiskConfig{
		DenyScore:       0.85,
		ThrottleScore:   0.6,
		ThrottleRatio:   0.5,
		ScorerTimeout:   50 * time.Millisecond,
		MaxPositionPct:  0.5,
		MaxOrderRate:    1000,
		OrderRateWindow: time.Minute,
	}, nil, breaker, led, prices, log, logger)

	tm := transaction.NewManager(config.IdemConfig{Retention: time.Hour},
		transaction.NewMemoryStore(), rm, led, transaction.NewPaperVenue(), log, logger)
	log.OnBreak(tm.HaltForIntegrity)

	srv := New(config.ServerConfig{Addr: ":0"}, "test", rm, tm, log, logger)
	return &testStack{server: srv, breaker: breaker, ledger: led, tx: tm, audit: log, store: store}
}

func (s *testStack) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(w, req)
	return w
}

func (s *testStack) fund(t *testing.T, amount int64) {
	t.Helper()
	require.NoError(t, s.ledger.Credit(context.Background(), "acct-1", "USD", decimal.NewFromInt(amount)))
}

func tradeBody(id string) map[string]interface{} {
	return map[string]interface{}{
		"id":         id,
		"account_id": "acct-1",
		"instrument": "BTC-USD",
		"side":       "buy",
		"quantity":   "1",
		"mode":       "paper",
	}
}

func TestHealthz(t *testing.T) {
	s := newTestStack(t)
	w := s.request(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"closed"`)
}

func TestPostTradeExecutes(t *testing.T) {
	s := newTestStack(t)
	s.fund(t, 1000)

	w := s.request(t, http.MethodPost, "/api/v1/trades", tradeBody("t1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var outcome models.TransactionOutcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &outcome))
	assert.Equal(t, models.StatusExecuted, outcome.Status)
	assert.NotEmpty(t, outcome.VenueRef)
}

func TestPostTradeValidation(t *testing.T) {
	s := newTestStack(t)

	body := tradeBody("t1")
	body["side"] = "sideways"
	w := s.request(t, http.MethodPost, "/api/v1/trades", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body = tradeBody("t2")
	body["quantity"] = "-1"
	w = s.request(t, http.MethodPost, "/api/v1/trades", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostTradeIdempotentReplay(t *testing.T) {
	s := newTestStack(t)
	s.fund(t, 1000)

	first := s.request(t, http.MethodPost, "/api/v1/trades", tradeBody("t1"))
	require.Equal(t, http.StatusOK, first.Code)
	second := s.request(t, http.MethodPost, "/api/v1/trades", tradeBody("t1"))
	require.Equal(t, http.StatusOK, second.Code)

	var a, b models.TransactionOutcome
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, a.VenueRef, b.VenueRef)
}

func TestGetTrade(t *testing.T) {
	s := newTestStack(t)
	s.fund(t, 1000)

	w := s.request(t, http.MethodGet, "/api/v1/trades/none", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	s.request(t, http.MethodPost, "/api/v1/trades", tradeBody("t1"))
	w = s.request(t, http.MethodGet, "/api/v1/trades/t1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEvaluateEndpoint(t *testing.T) {
	s := newTestStack(t)
	s.fund(t, 1000)

	w := s.request(t, http.MethodPost, "/api/v1/risk/evaluate", tradeBody("t1"))
	require.Equal(t, http.StatusOK, w.Code)

	var a models.RiskAssessment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &a))
	assert.Equal(t, models.DecisionApprove, a.Decision)
}

func TestDepositAndWithdraw(t *testing.T) {
	s := newTestStack(t)

	w := s.request(t, http.MethodPost, "/api/v1/deposits", map[string]interface{}{
		"id": "d1", "account_id": "acct-1", "currency": "USD", "amount": "500",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.request(t, http.MethodPost, "/api/v1/withdrawals", map[string]interface{}{
		"id": "w1", "account_id": "acct-1", "currency": "USD", "amount": "200",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	bal, err := s.ledger.GetBalance(context.Background(), "acct-1", "USD")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(300)))
}

func TestWithdrawBlockedWhileBreakerOpen(t *testing.T) {
	s := newTestStack(t)
	s.fund(t, 500)
	s.breaker.ForceOpen("test")

	w := s.request(t, http.MethodPost, "/api/v1/withdrawals", map[string]interface{}{
		"id": "w1", "account_id": "acct-1", "currency": "USD", "amount": "100",
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestBreakerEndpoints(t *testing.T) {
	s := newTestStack(t)

	w := s.request(t, http.MethodGet, "/api/v1/breaker", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"closed"`)

	w = s.request(t, http.MethodPost, "/api/v1/breaker/open", map[string]string{"reason": "drill"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"open"`)

	w = s.request(t, http.MethodPost, "/api/v1/breaker/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"closed"`)
}

func TestAuditEndpoints(t *testing.T) {
	s := newTestStack(t)
	s.fund(t, 1000)
	s.request(t, http.MethodPost, "/api/v1/trades", tradeBody("t1"))

	w := s.request(t, http.MethodGet, "/api/v1/audit/entries", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "risk.decision")

	w = s.request(t, http.MethodPost, "/api/v1/audit/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"issues":null`)
}

func TestAuditVerifyDetectsTampering(t *testing.T) {
	s := newTestStack(t)
	s.fund(t, 1000)
	s.request(t, http.MethodPost, "/api/v1/trades", tradeBody("t1"))

	require.True(t, s.store.Tamper(0, []byte("forged")))

	head, ok, err := s.audit.Head(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	w := s.request(t, http.MethodPost, "/api/v1/audit/verify?from=0&to="+uitoa(head), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// The break latches the integrity hold: trading stops until an
	// operator acknowledges.
	w = s.request(t, http.MethodPost, "/api/v1/trades", tradeBody("t2"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = s.request(t, http.MethodPost, "/api/v1/integrity/acknowledge", map[string]string{
		"operator": "ops-1", "note": "investigated",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.request(t, http.MethodPost, "/api/v1/trades", tradeBody("t3"))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestIntegrityAckWithoutHold(t *testing.T) {
	s := newTestStack(t)
	w := s.request(t, http.MethodPost, "/api/v1/integrity/acknowledge", map[string]string{"operator": "ops-1"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestStack(t)
	w := s.request(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func uitoa(v uint64) string {
	return strconv.FormatUint(v, 10)
}
