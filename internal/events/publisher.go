// Package events publishes committed ledger entries and settlement results
// to downstream consumers.
package events

import (
	"context"
	"sync"

	"github.com/ayo6706/payout-ledger/internal/models"
	"go.uber.org/zap"
)

// Publisher represents the outbound event stream.
type Publisher interface {
	// PublishEntries emits entries committed together by one atomic posting.
	PublishEntries(ctx context.Context, entries []models.LedgerEntry) error
	// PublishSettlement emits the result of a settled payment event.
	PublishSettlement(ctx context.Context, result models.SettlementResult) error
}

// LogPublisher writes events to the logger. Used when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishEntries(_ context.Context, entries []models.LedgerEntry) error {
	for _, e := range entries {
		p.logger.Debug("ledger entry committed",
			zap.String("tenant_id", e.TenantID),
			zap.String("account_id", e.AccountID.String()),
			zap.String("kind", e.Kind),
			zap.Int64("amount", e.Amount),
			zap.String("idempotency_key", e.IdempotencyKey),
		)
	}
	return nil
}

func (p *LogPublisher) PublishSettlement(_ context.Context, result models.SettlementResult) error {
	p.logger.Info("settlement completed",
		zap.String("tenant_id", result.TenantID),
		zap.String("transfer_id", result.TransferID.String()),
		zap.String("protocol", result.Protocol),
		zap.Int64("amount", result.Amount),
		zap.Int64("fee", result.FeeAmount),
	)
	return nil
}

// MemoryPublisher records events in memory for tests.
type MemoryPublisher struct {
	mu          sync.Mutex
	entries     []models.LedgerEntry
	settlements []models.SettlementResult
	// Err, when set, is returned from every publish call.
	Err error
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) PublishEntries(_ context.Context, entries []models.LedgerEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.entries = append(p.entries, entries...)
	return nil
}

func (p *MemoryPublisher) PublishSettlement(_ context.Context, result models.SettlementResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.settlements = append(p.settlements, result)
	return nil
}

// Entries returns a copy of the published entries.
func (p *MemoryPublisher) Entries() []models.LedgerEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.LedgerEntry(nil), p.entries...)
}

// Settlements returns a copy of the published settlement results.
func (p *MemoryPublisher) Settlements() []models.SettlementResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.SettlementResult(nil), p.settlements...)
}
