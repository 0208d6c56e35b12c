// Package surveillance consumes abuse-detection signals and feeds them into
// the circuit breaker. A confident signal force-opens the breaker; every
// signal, confident or not, is written to the audit trail.
package surveillance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/quantra/tradecore/internal/audit"
	"github.com/quantra/tradecore/internal/config"
	"github.com/quantra/tradecore/internal/risk"
	"github.com/quantra/tradecore/pkg/models"
)

// signalReader is the slice of kafka.Reader the consumer uses. Tests swap
// in an in-memory feed.
type signalReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer reads surveillance signals from Kafka.
type Consumer struct {
	reader     signalReader
	breaker    *risk.CircuitBreaker
	audit      risk.AuditSink
	confidence float64
	logger     *zap.Logger
}

// NewConsumer builds a Kafka-backed consumer. confidence is the force-open
// threshold.
func NewConsumer(cfg config.KafkaConfig, confidence float64, breaker *risk.CircuitBreaker, sink risk.AuditSink, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		CommitInterval: time.Second,
	})
	c := newConsumer(confidence, breaker, sink, logger)
	c.reader = reader
	return c
}

func newConsumer(confidence float64, breaker *risk.CircuitBreaker, sink risk.AuditSink, logger *zap.Logger) *Consumer {
	return &Consumer{
		breaker:    breaker,
		audit:      sink,
		confidence: confidence,
		logger:     logger.Named("surveillance"),
	}
}

// Run consumes until the context is cancelled. Malformed messages are
// logged and skipped; the feed itself must never take trading down.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read surveillance signal: %w", err)
		}

		var signal models.SurveillanceSignal
		if err := json.Unmarshal(msg.Value, &signal); err != nil {
			c.logger.Warn("dropping malformed surveillance signal",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			continue
		}
		c.Handle(ctx, &signal)
	}
}

// Handle processes one signal. Exposed for tests and for wiring signals
// from sources other than Kafka.
func (c *Consumer) Handle(ctx context.Context, signal *models.SurveillanceSignal) {
	if signal.ObservedAt.IsZero() {
		signal.ObservedAt = time.Now().UTC()
	}

	if _, err := c.audit.Append(ctx, audit.KindSurveillance, signal); err != nil {
		c.logger.Error("failed to audit surveillance signal", zap.Error(err))
	}

	if signal.Confidence >= c.confidence {
		c.logger.Warn("confident surveillance signal, forcing breaker open",
			zap.String("kind", signal.Kind),
			zap.String("account_id", signal.AccountID),
			zap.Float64("confidence", signal.Confidence))
		c.breaker.ForceOpen("surveillance:" + signal.Kind)
		return
	}

	c.logger.Info("surveillance signal below threshold",
		zap.String("kind", signal.Kind),
		zap.Float64("confidence", signal.Confidence))
}
