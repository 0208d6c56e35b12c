package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/quantra/tradecore/internal/audit"
	"github.com/quantra/tradecore/internal/config"
	"github.com/quantra/tradecore/internal/database"
	"github.com/quantra/tradecore/internal/ledger"
	"github.com/quantra/tradecore/internal/risk"
	"github.com/quantra/tradecore/internal/server"
	"github.com/quantra/tradecore/internal/surveillance"
	"github.com/quantra/tradecore/internal/transaction"
	"github.com/quantra/tradecore/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load(os.Getenv("TRADECORE_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}

	auditStore, err := audit.NewGormStore(db)
	if err != nil {
		zapLogger.Fatal("Failed to initialize audit store", zap.Error(err))
	}
	auditLog, err := audit.NewLog(ctx, auditStore, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to open audit log", zap.Error(err))
	}
	defer auditLog.Close()

	accountLedger, err := ledger.NewGormLedger(db)
	if err != nil {
		zapLogger.Fatal("Failed to initialize ledger", zap.Error(err))
	}

	var idemStore transaction.IdempotencyStore
	if cfg.Redis.Enabled {
		redisClient, err := database.OpenRedis(ctx, cfg.Redis)
		if err != nil {
			zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		idemStore = transaction.NewRedisStore(redisClient)
	} else {
		idemStore, err = transaction.NewGormStore(db)
		if err != nil {
			zapLogger.Fatal("Failed to initialize idempotency store", zap.Error(err))
		}
	}

	breaker := risk.NewCircuitBreaker(risk.BreakerConfig{
		TripThreshold:         cfg.Breaker.TripThreshold,
		SignalWindow:          cfg.Breaker.SignalWindow,
		Cooldown:              cfg.Breaker.Cooldown,
		HalfOpenProbes:        cfg.Breaker.HalfOpenProbes,
		HalfOpenMaxConcurrent: cfg.Breaker.HalfOpenMaxConcurrent,
	}, auditLog, zapLogger)

	prices := risk.NewStaticPrices()
	riskManager := risk.NewManager(cfg.Risk, nil, breaker, accountLedger, prices, auditLog, zapLogger)

	venue := transaction.NewPaperVenue()
	txManager := transaction.NewManager(cfg.Idempotency, idemStore, riskManager, accountLedger, venue, auditLog, zapLogger)
	auditLog.OnBreak(txManager.HaltForIntegrity)

	go txManager.RunPurge(ctx)

	if cfg.Kafka.Enabled {
		consumer := surveillance.NewConsumer(cfg.Kafka, cfg.Breaker.SurveillanceConfidence, breaker, auditLog, zapLogger)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				zapLogger.Error("surveillance consumer stopped", zap.Error(err))
			}
		}()
	}

	srv := server.New(cfg.Server, cfg.Environment, riskManager, txManager, auditLog, zapLogger)
	go func() {
		if err := srv.Run(); err != nil {
			zapLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		zapLogger.Error("shutdown error", zap.Error(err))
	}
}
