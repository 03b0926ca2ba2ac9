package service

import (
	"context"
	"fmt"

	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/ayo6706/payout-ledger/internal/tenant"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultStatementPageSize = 50
	maxStatementPageSize     = 500
)

// OpenAccountRequest provisions an account for the caller's tenant.
type OpenAccountRequest struct {
	OwnerType string
	Currency  string
}

func (l *Ledger) OpenAccount(ctx context.Context, req OpenAccountRequest) (*models.Account, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	currency := domain.NormalizeCurrency(req.Currency)
	if currency == "" {
		return nil, fmt.Errorf("currency is required: %w", domain.ErrUnsupportedCurrency)
	}
	owner := req.OwnerType
	if owner == "" {
		owner = domain.OwnerBusiness
	}
	now := l.now().UTC()
	acc := &models.Account{
		ID:        uuid.New(),
		TenantID:  tenantID,
		OwnerType: owner,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.CreateAccount(ctx, acc); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return acc, nil
}

// Account returns the cached balances of an account owned by the caller.
func (l *Ledger) Account(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	if _, err := tenant.FromContext(ctx); err != nil {
		return nil, err
	}
	acc, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := l.guard.Authorize(ctx, acc, "account"); err != nil {
		return nil, err
	}
	return acc, nil
}

// Entries returns one page of the account statement in commit order.
func (l *Ledger) Entries(ctx context.Context, id uuid.UUID, page, pageSize int) ([]models.LedgerEntry, error) {
	if _, err := l.Account(ctx, id); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > maxStatementPageSize {
		pageSize = defaultStatementPageSize
	}
	return l.store.ListEntries(ctx, id, pageSize, (page-1)*pageSize)
}

// CloseAccount deletes an account whose balances are all zero.
func (l *Ledger) CloseAccount(ctx context.Context, id uuid.UUID) error {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}
	unlock, err := l.locks.Lock(ctx, id.String())
	if err != nil {
		return fmt.Errorf("%w: waiting for account lock: %w", domain.ErrTimeout, err)
	}
	defer unlock()

	acc, err := l.Account(ctx, id)
	if err != nil {
		return err
	}
	if !acc.IsEmpty() {
		return fmt.Errorf("account %s: %w", id, domain.ErrAccountNotEmpty)
	}
	// A stream still pointing at the account would fail every later
	// settlement and strand the source's in-stream funds.
	if lister, ok := l.store.(StreamLister); ok {
		open, err := lister.ListStreamsByAccount(ctx, id)
		if err != nil {
			return fmt.Errorf("list streams of account %s: %w", id, err)
		}
		if len(open) > 0 {
			return fmt.Errorf("account %s has %d open streams: %w", id, len(open), domain.ErrAccountNotEmpty)
		}
	}
	if err := l.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	l.logger.Info("account closed", zap.String("tenant_id", tenantID), zap.String("account_id", id.String()))
	return nil
}
