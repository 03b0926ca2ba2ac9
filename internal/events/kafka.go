package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer used for publishing.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher publishes JSON events keyed by tenant so that one tenant's
// events stay ordered within a partition.
type KafkaPublisher struct {
	writer           MessageWriter
	entriesTopic     string
	settlementsTopic string
}

func NewKafkaPublisher(writer MessageWriter, entriesTopic, settlementsTopic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer:           writer,
		entriesTopic:     entriesTopic,
		settlementsTopic: settlementsTopic,
	}
}

// NewKafkaWriter builds a writer that picks the topic per message.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

func (p *KafkaPublisher) PublishEntries(ctx context.Context, entries []models.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(entries))
	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry %s: %w", e.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Topic: p.entriesTopic,
			Key:   []byte(e.TenantID),
			Value: payload,
			Headers: []kafka.Header{
				{Key: "kind", Value: []byte(e.Kind)},
				{Key: "idempotency_key", Value: []byte(e.IdempotencyKey)},
			},
		})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish entries: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) PublishSettlement(ctx context.Context, result models.SettlementResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal settlement %s: %w", result.TransferID, err)
	}
	msg := kafka.Message{
		Topic: p.settlementsTopic,
		Key:   []byte(result.TenantID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "protocol", Value: []byte(result.Protocol)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish settlement: %w", err)
	}
	return nil
}
