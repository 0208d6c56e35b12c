// Package server exposes the trade intake and operations API over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quantra/tradecore/internal/audit"
	"github.com/quantra/tradecore/internal/config"
	"github.com/quantra/tradecore/internal/risk"
	"github.com/quantra/tradecore/internal/transaction"
)

// Server is the HTTP intake layer. It validates and routes; all decisions
// belong to the risk and transaction managers.
type Server struct {
	cfg    config.ServerConfig
	engine *gin.Engine
	http   *http.Server
	logger *zap.Logger

	risk  *risk.Manager
	tx    *transaction.Manager
	audit *audit.Log
}

// New builds the router. Environment selects gin's mode: anything other
// than "development" runs in release mode.
func New(cfg config.ServerConfig, environment string, rm *risk.Manager, tm *transaction.Manager, log *audit.Log, logger *zap.Logger) *Server {
	if environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	engine.Use(ginzap.RecoveryWithZap(logger, true))
	engine.Use(cors.Default())

	s := &Server{
		cfg:    cfg,
		engine: engine,
		logger: logger.Named("server"),
		risk:   rm,
		tx:     tm,
		audit:  log,
	}
	s.routes()

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/api/v1")
	{
		v1.POST("/trades", s.handleTrade)
		v1.GET("/trades/:id", s.handleGetTrade)
		v1.POST("/risk/evaluate", s.handleEvaluate)
		v1.POST("/deposits", s.handleDeposit)
		v1.POST("/withdrawals", s.handleWithdraw)

		v1.GET("/audit/entries", s.handleAuditEntries)
		v1.POST("/audit/verify", s.handleAuditVerify)

		v1.GET("/breaker", s.handleBreakerStatus)
		v1.POST("/breaker/reset", s.handleBreakerReset)
		v1.POST("/breaker/open", s.handleBreakerOpen)

		v1.POST("/integrity/acknowledge", s.handleIntegrityAck)
	}
}

// Handler exposes the router for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.http.Shutdown(sctx)
}
