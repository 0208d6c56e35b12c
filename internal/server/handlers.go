package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quantra/tradecore/internal/risk"
	"github.com/quantra/tradecore/internal/transaction"
	"github.com/quantra/tradecore/pkg/models"
)

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if s.tx.Halted() {
		status = "integrity_hold"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":  status,
		"breaker": s.risk.Breaker().State().String(),
	})
}

// handleTrade submits a trade for evaluation and execution. A retry with
// a known request ID returns the stored outcome unchanged.
func (s *Server) handleTrade(c *gin.Context) {
	var req models.TradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := s.tx.Execute(c.Request.Context(), &req)
	if err != nil {
		s.writeExecuteError(c, err)
		return
	}

	c.JSON(http.StatusOK, outcome)
}

func (s *Server) handleGetTrade(c *gin.Context) {
	outcome, err := s.tx.Get(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, transaction.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown request id"})
	case errors.Is(err, transaction.ErrInFlight):
		c.JSON(http.StatusAccepted, gin.H{"status": "in_flight"})
	case err != nil:
		s.internalError(c, err)
	default:
		c.JSON(http.StatusOK, outcome)
	}
}

// handleEvaluate runs risk evaluation without executing. Useful for
// pre-flight checks from trading UIs.
func (s *Server) handleEvaluate(c *gin.Context) {
	var req models.TradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	assessment, err := s.risk.Evaluate(c.Request.Context(), &req)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, assessment)
}

func (s *Server) handleDeposit(c *gin.Context) {
	var req models.DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	outcome, err := s.tx.Deposit(c.Request.Context(), &req)
	if err != nil {
		s.writeExecuteError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) handleWithdraw(c *gin.Context) {
	var req models.WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	outcome, err := s.tx.Withdraw(c.Request.Context(), &req)
	if err != nil {
		s.writeExecuteError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) handleAuditEntries(c *gin.Context) {
	from := queryUint(c, "from", 0)
	to := queryUint(c, "to", 0)
	if to == 0 {
		head, ok, err := s.audit.Head(c.Request.Context())
		if err != nil {
			s.internalError(c, err)
			return
		}
		if !ok {
			c.JSON(http.StatusOK, gin.H{"entries": []struct{}{}})
			return
		}
		to = head
	}

	entries, err := s.audit.Range(c.Request.Context(), from, to)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) handleAuditVerify(c *gin.Context) {
	to := queryUint(c, "to", 0)
	if to == 0 {
		head, ok, err := s.audit.Head(c.Request.Context())
		if err != nil {
			s.internalError(c, err)
			return
		}
		if ok {
			to = head
		}
	}
	report, err := s.audit.VerifyChain(c.Request.Context(), queryUint(c, "from", 0), to)
	if err != nil {
		s.internalError(c, err)
		return
	}
	code := http.StatusOK
	if !report.OK() {
		code = http.StatusConflict
	}
	c.JSON(code, report)
}

func (s *Server) handleBreakerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.risk.Breaker().Status())
}

// handleBreakerReset is the operator override that closes the breaker
// without waiting out the cooldown.
func (s *Server) handleBreakerReset(c *gin.Context) {
	s.risk.Breaker().Reset()
	c.JSON(http.StatusOK, s.risk.Breaker().Status())
}

func (s *Server) handleBreakerOpen(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "operator"
	}
	s.risk.Breaker().ForceOpen("operator:" + body.Reason)
	c.JSON(http.StatusOK, s.risk.Breaker().Status())
}

func (s *Server) handleIntegrityAck(c *gin.Context) {
	var body struct {
		Operator string `json:"operator" binding:"required"`
		Note     string `json:"note"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.tx.Acknowledge(c.Request.Context(), body.Operator, body.Note); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (s *Server) writeExecuteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, transaction.ErrInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "request already in flight"})
	case errors.Is(err, transaction.ErrIntegrityHold):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, risk.ErrBreakerOpen):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.internalError(c, err)
	}
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.logger.Error("request failed",
		zap.String("path", c.FullPath()),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func queryUint(c *gin.Context, name string, def uint64) uint64 {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}
