package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/ayo6706/payout-ledger/internal/observability"
	"github.com/ayo6706/payout-ledger/internal/service"
	"github.com/ayo6706/payout-ledger/internal/tenant"
	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PaymentProcessor settles one protocol confirmation.
type PaymentProcessor interface {
	Process(ctx context.Context, c service.Confirmation) (*models.SettlementResult, error)
}

// PaymentEnvelope is the message adapters publish for every verified
// confirmation.
type PaymentEnvelope struct {
	TenantID string          `json:"tenant_id"`
	Protocol string          `json:"protocol"`
	Payload  json.RawMessage `json:"payload"`
}

// NewPaymentReader creates a consumer-group reader for the payments topic.
func NewPaymentReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
}

// PaymentConsumer feeds confirmations from Kafka into the payment pipeline.
// Offsets are committed only after a message settled or was rejected for
// good, so delivery is at-least-once and idempotency keys absorb repeats.
type PaymentConsumer struct {
	reader       MessageReader
	processor    PaymentProcessor
	logger       *zap.Logger
	maxElapsed   time.Duration
	fetchBackoff time.Duration
}

func NewPaymentConsumer(reader MessageReader, processor PaymentProcessor, logger *zap.Logger) *PaymentConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentConsumer{
		reader:       reader,
		processor:    processor,
		logger:       logger,
		maxElapsed:   0,
		fetchBackoff: time.Second,
	}
}

// WithMaxRetryElapsed bounds how long a transiently failing message is
// retried before the consumer moves on without committing it. Zero retries
// until the context ends.
func (c *PaymentConsumer) WithMaxRetryElapsed(d time.Duration) *PaymentConsumer {
	c.maxElapsed = d
	return c
}

// Start consumes until ctx is canceled.
func (c *PaymentConsumer) Start(ctx context.Context) error {
	c.logger.Info("payment consumer starting")
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("closing payment reader", zap.Error(err))
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("payment consumer stopping")
				return nil
			}
			c.logger.Error("kafka fetch error", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.fetchBackoff):
			}
			continue
		}

		if err := c.Handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Left uncommitted; redelivered after a restart or rebalance.
			continue
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Warn("failed to commit offset", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// Handle settles one message. Permanent rejections are logged and return
// nil so the offset is committed; transient failures are retried with
// backoff and returned if they outlast the retry budget.
func (c *PaymentConsumer) Handle(ctx context.Context, msg kafka.Message) error {
	var env PaymentEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		c.reject(msg, env, fmt.Errorf("%w: envelope: %v", domain.ErrInvalidEvent, err))
		return nil
	}
	if strings.TrimSpace(env.TenantID) == "" {
		c.reject(msg, env, domain.ErrMissingTenant)
		return nil
	}
	confirmation, err := service.DecodeConfirmation(env.Protocol, env.Payload)
	if err != nil {
		c.reject(msg, env, err)
		return nil
	}

	tctx := tenant.WithTenant(ctx, env.TenantID)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	opts := []backoff.RetryOption{
		backoff.WithBackOff(bo),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn("payment settlement failed, retrying",
				zap.String("tenant_id", env.TenantID),
				zap.String("protocol", env.Protocol),
				zap.Duration("retry_in", wait),
				zap.Error(err),
			)
		}),
	}
	if c.maxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(c.maxElapsed))
	}

	result, err := backoff.Retry(tctx, func() (*models.SettlementResult, error) {
		res, err := c.processor.Process(tctx, confirmation)
		if err != nil && isPermanent(err) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	}, opts...)
	if err != nil {
		if !isPermanent(err) || ctx.Err() != nil {
			observability.IncrementWorkerRun("payment_consumer", "retry_exhausted")
			c.logger.Error("payment settlement not committed",
				zap.String("tenant_id", env.TenantID),
				zap.String("protocol", env.Protocol),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			return err
		}
		c.reject(msg, env, err)
		return nil
	}

	observability.IncrementWorkerRun("payment_consumer", "success")
	c.logger.Debug("payment settled",
		zap.String("tenant_id", env.TenantID),
		zap.String("transfer_id", result.TransferID.String()),
		zap.Bool("replayed", result.Replayed),
	)
	return nil
}

func (c *PaymentConsumer) reject(msg kafka.Message, env PaymentEnvelope, err error) {
	observability.IncrementWorkerRun("payment_consumer", "rejected")
	c.logger.Error("payment confirmation rejected",
		zap.String("tenant_id", env.TenantID),
		zap.String("protocol", env.Protocol),
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(err),
	)
}

// permanentErrors will fail the same way on every redelivery.
var permanentErrors = []error{
	domain.ErrInvalidEvent,
	domain.ErrInvalidAmount,
	domain.ErrUnresolvedAccount,
	domain.ErrUnsupportedCurrency,
	domain.ErrInvalidFeeConfig,
	domain.ErrInsufficientFunds,
	domain.ErrIdempotencyConflict,
	domain.ErrCurrencyMismatch,
	domain.ErrAccountNotFound,
	domain.ErrSameAccount,
	domain.ErrMissingKey,
	domain.ErrCrossTenantAccessDenied,
	domain.ErrMissingTenant,
}

func isPermanent(err error) bool {
	for _, target := range permanentErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
