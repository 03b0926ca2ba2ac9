package service

import (
	"context"

	"github.com/ayo6706/payout-ledger/internal/models"
)

// PaymentPipeline normalizes adapter confirmations and settles them.
type PaymentPipeline struct {
	normalizer *Normalizer
	settlement *SettlementService
}

func NewPaymentPipeline(normalizer *Normalizer, settlement *SettlementService) *PaymentPipeline {
	return &PaymentPipeline{normalizer: normalizer, settlement: settlement}
}

// Process settles one confirmation. Delivering the same confirmation again
// returns the original result.
func (p *PaymentPipeline) Process(ctx context.Context, c Confirmation) (*models.SettlementResult, error) {
	ev, err := p.normalizer.Normalize(ctx, c)
	if err != nil {
		return nil, err
	}
	return p.settlement.Settle(ctx, *ev)
}
