package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/events"
	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/ayo6706/payout-ledger/internal/observability"
	"github.com/ayo6706/payout-ledger/internal/tenant"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var settlementNamespace = uuid.MustParse("0b7e4a58-2d6c-4c35-8f0e-5e3f2a9d1c47")

// ReplayCache short-circuits settlement of an already settled key.
type ReplayCache interface {
	Lookup(ctx context.Context, tenantID, key string) (*models.SettlementResult, error)
	Save(ctx context.Context, result models.SettlementResult)
}

// ConfigInvalidator is implemented by config stores that cache reads.
type ConfigInvalidator interface {
	Invalidate(ctx context.Context, tenantID string) error
}

// SettlementService applies tenant fees and moves settled funds.
type SettlementService struct {
	ledger    *Ledger
	configs   ConfigStore
	publisher events.Publisher
	replay    ReplayCache
	logger    *zap.Logger
	now       func() time.Time
}

func NewSettlementService(ledger *Ledger, configs ConfigStore, publisher events.Publisher, logger *zap.Logger) *SettlementService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettlementService{
		ledger:    ledger,
		configs:   configs,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// WithReplayCache enables the settled-result cache.
func (s *SettlementService) WithReplayCache(cache ReplayCache) *SettlementService {
	s.replay = cache
	return s
}

func (s *SettlementService) WithClock(now func() time.Time) *SettlementService {
	if now != nil {
		s.now = now
	}
	return s
}

// Preview quotes the fee for amount without side effects.
func (s *SettlementService) Preview(ctx context.Context, amount int64, currency string) (*models.FeeQuote, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := s.scopedConfig(ctx, tenantID, currency)
	if err != nil {
		return nil, err
	}
	quote, err := ComputeFee(cfg, amount, currency)
	if err != nil {
		return nil, err
	}
	return &quote, nil
}

// Settle debits the payer, credits the payee the net amount and the tenant
// fee account the fee, all in one ledger posting. Settling a key twice
// returns the first result with Replayed set.
func (s *SettlementService) Settle(ctx context.Context, ev models.PaymentEvent) (*models.SettlementResult, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if ev.TenantID == "" {
		ev.TenantID = tenantID
	}
	if err := s.ledger.guard.Authorize(ctx, &ev, "payment_event"); err != nil {
		return nil, err
	}
	key := strings.TrimSpace(ev.IdempotencyKey)
	if key == "" {
		return nil, domain.ErrMissingKey
	}
	if ev.PayerAccountID == ev.PayeeAccountID {
		return nil, domain.ErrSameAccount
	}

	if s.replay != nil {
		if prior, err := s.replay.Lookup(ctx, tenantID, key); err == nil {
			prior.Replayed = true
			observability.IncrementSettlement(ev.Protocol, "replayed")
			return prior, nil
		}
	}

	transferID := uuid.NewSHA1(settlementNamespace, []byte(tenantID+"\x00"+key))
	payerKey, payeeKey, feeKey := key+":payer", key+":payee", key+":fee"

	// A committed settlement answers with its own legs, whatever the fee
	// configuration says now.
	committed, err := s.ledger.committed(ctx, payerKey, payeeKey, feeKey)
	if err != nil {
		observability.IncrementSettlement(ev.Protocol, "failed")
		return nil, err
	}
	if len(committed) > 0 {
		result, err := settlementFromEntries(ev, transferID, tenantID, key, committed)
		if err != nil {
			observability.IncrementSettlement(ev.Protocol, "rejected")
			return nil, err
		}
		result.Replayed = true
		if s.replay != nil {
			s.replay.Save(ctx, *result)
		}
		observability.IncrementSettlement(ev.Protocol, "replayed")
		return result, nil
	}

	cfg, err := s.scopedConfig(ctx, tenantID, ev.Currency)
	if err != nil {
		observability.IncrementSettlement(ev.Protocol, "rejected")
		return nil, err
	}
	quote, err := ComputeFee(cfg, ev.Amount, ev.Currency)
	if err != nil {
		observability.IncrementSettlement(ev.Protocol, "rejected")
		return nil, err
	}

	ref := "settlement:" + transferID.String()
	ops := []Operation{
		{Kind: domain.KindDebit, AccountID: ev.PayerAccountID, Amount: quote.Amount, Reference: ref, IdempotencyKey: payerKey, Currency: quote.Currency},
	}
	if quote.Net > 0 {
		ops = append(ops, Operation{Kind: domain.KindCredit, AccountID: ev.PayeeAccountID, Amount: quote.Net, Reference: ref, IdempotencyKey: payeeKey, Currency: quote.Currency})
	}
	if quote.Fee > 0 {
		ops = append(ops, Operation{Kind: domain.KindCredit, AccountID: cfg.FeeAccountID, Amount: quote.Fee, Reference: ref, IdempotencyKey: feeKey, Currency: quote.Currency})
	}

	// A concurrent settlement of the same key may commit between the lookup
	// above and this post; its legs are adopted.
	posted, err := s.ledger.postAdopting(ctx, ops...)
	if err != nil {
		observability.IncrementSettlement(ev.Protocol, "failed")
		s.logger.Warn("settlement failed",
			zap.String("tenant_id", tenantID),
			zap.String("protocol", ev.Protocol),
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
		return nil, err
	}

	byKey := make(map[string]models.LedgerEntry, len(posted.Entries))
	for _, e := range posted.Entries {
		byKey[e.IdempotencyKey] = e
	}
	result, err := settlementFromEntries(ev, transferID, tenantID, key, byKey)
	if err != nil {
		return nil, err
	}
	result.Replayed = posted.Replayed

	if s.replay != nil {
		s.replay.Save(ctx, *result)
	}
	if posted.Replayed {
		observability.IncrementSettlement(ev.Protocol, "replayed")
		return result, nil
	}

	observability.IncrementSettlement(ev.Protocol, "settled")
	observability.AddSettlementFee(result.Currency, result.FeeAmount)
	s.logger.Info("settlement completed",
		zap.String("tenant_id", tenantID),
		zap.String("transfer_id", transferID.String()),
		zap.String("protocol", ev.Protocol),
		zap.Int64("amount", result.Amount),
		zap.Int64("fee", result.FeeAmount),
	)
	if s.publisher != nil {
		if err := s.publisher.PublishSettlement(ctx, *result); err != nil {
			s.logger.Error("failed to publish settlement result", zap.String("transfer_id", transferID.String()), zap.Error(err))
		}
	}
	return result, nil
}

// settlementFromEntries rebuilds a result from the committed legs of key.
// The payer leg must match the event; otherwise the key was reused for a
// different payment.
func settlementFromEntries(ev models.PaymentEvent, transferID uuid.UUID, tenantID, key string, legs map[string]models.LedgerEntry) (*models.SettlementResult, error) {
	payer, ok := legs[key+":payer"]
	if !ok {
		return nil, fmt.Errorf("key %q has no payer leg: %w", key, domain.ErrIdempotencyConflict)
	}
	if payer.AccountID != ev.PayerAccountID || payer.Magnitude() != ev.Amount {
		return nil, fmt.Errorf("key %q: %w", key, domain.ErrIdempotencyConflict)
	}
	result := &models.SettlementResult{
		TransferID:     transferID,
		TenantID:       tenantID,
		Protocol:       ev.Protocol,
		PayerAccountID: ev.PayerAccountID,
		PayeeAccountID: ev.PayeeAccountID,
		Amount:         payer.Magnitude(),
		Currency:       domain.NormalizeCurrency(ev.Currency),
		Status:         domain.SettlementStatusCompleted,
		IdempotencyKey: key,
		SettledAt:      payer.CreatedAt,
	}
	if payee, ok := legs[key+":payee"]; ok {
		if payee.AccountID != ev.PayeeAccountID {
			return nil, fmt.Errorf("key %q: %w", key, domain.ErrIdempotencyConflict)
		}
		result.NetAmount = payee.Magnitude()
	}
	if fee, ok := legs[key+":fee"]; ok {
		result.FeeAmount = fee.Magnitude()
	}
	return result, nil
}

// Config returns the caller's settlement configuration.
func (s *SettlementService) Config(ctx context.Context) (*models.SettlementConfig, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	return s.configs.GetConfig(ctx, tenantID)
}

// UpdateConfig validates and stores the caller's configuration, then drops
// any cached copy so the next settlement reads the new fees.
func (s *SettlementService) UpdateConfig(ctx context.Context, cfg models.SettlementConfig) (*models.SettlementConfig, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	cfg.TenantID = tenantID
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.FeeAccountID == uuid.Nil {
		return nil, fmt.Errorf("fee account required: %w", domain.ErrInvalidFeeConfig)
	}
	feeAccount, err := s.ledger.Account(ctx, cfg.FeeAccountID)
	if err != nil {
		return nil, fmt.Errorf("fee account: %w", err)
	}
	currencies := make([]string, 0, len(cfg.Currencies))
	for _, c := range cfg.Currencies {
		if c = domain.NormalizeCurrency(c); c != "" {
			currencies = append(currencies, c)
		}
	}
	if len(currencies) == 0 {
		currencies = []string{feeAccount.Currency}
	}
	cfg.Currencies = currencies
	cfg.UpdatedAt = s.now().UTC()

	if err := s.configs.PutConfig(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("store settlement config: %w", err)
	}
	if inv, ok := s.configs.(ConfigInvalidator); ok {
		if err := inv.Invalidate(ctx, tenantID); err != nil {
			s.logger.Warn("settlement config cache invalidation failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}
	s.logger.Info("settlement config updated", zap.String("tenant_id", tenantID), zap.String("fee_type", cfg.FeeType))
	return &cfg, nil
}

func (s *SettlementService) scopedConfig(ctx context.Context, tenantID, currency string) (*models.SettlementConfig, error) {
	cfg, err := s.configs.GetConfig(ctx, tenantID)
	if err != nil {
		if errors.Is(err, domain.ErrConfigNotFound) {
			return nil, fmt.Errorf("%w: %w", domain.ErrInvalidFeeConfig, err)
		}
		return nil, err
	}
	if !cfg.SupportsCurrency(currency) {
		return nil, fmt.Errorf("%s for tenant %s: %w", currency, tenantID, domain.ErrUnsupportedCurrency)
	}
	return cfg, nil
}
