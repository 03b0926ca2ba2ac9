package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

func (s *Store) GetConfig(ctx context.Context, tenantID string) (*models.SettlementConfig, error) {
	query := `
		SELECT tenant_id, fee_type, rate::text, flat_amount, currencies, fee_account_id, updated_at
		FROM settlement_configs WHERE tenant_id = $1
	`
	var (
		cfg  models.SettlementConfig
		rate string
	)
	err := s.db.QueryRow(ctx, query, tenantID).Scan(&cfg.TenantID, &cfg.FeeType, &rate, &cfg.FlatAmount, &cfg.Currencies, &cfg.FeeAccountID, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, domain.ErrConfigNotFound)
		}
		return nil, fmt.Errorf("failed to get settlement config: %w", mapError(err))
	}
	if cfg.Rate, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("settlement config rate %q: %w", rate, err)
	}
	return &cfg, nil
}

func (s *Store) PutConfig(ctx context.Context, cfg *models.SettlementConfig) error {
	query := `
		INSERT INTO settlement_configs (tenant_id, fee_type, rate, flat_amount, currencies, fee_account_id, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7)
		ON CONFLICT (tenant_id) DO UPDATE SET
			fee_type = EXCLUDED.fee_type,
			rate = EXCLUDED.rate,
			flat_amount = EXCLUDED.flat_amount,
			currencies = EXCLUDED.currencies,
			fee_account_id = EXCLUDED.fee_account_id,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.Exec(ctx, query, cfg.TenantID, cfg.FeeType, cfg.Rate.String(), cfg.FlatAmount, cfg.Currencies, cfg.FeeAccountID, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to store settlement config: %w", mapError(err))
	}
	return nil
}

func (s *Store) Resolve(ctx context.Context, tenantID, kind, externalID string) (uuid.UUID, error) {
	query := `SELECT account_id FROM account_directory WHERE tenant_id = $1 AND kind = $2 AND external_id = $3`
	var id uuid.UUID
	if err := s.db.QueryRow(ctx, query, tenantID, kind, strings.TrimSpace(externalID)).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("%s %q: %w", kind, externalID, domain.ErrUnresolvedAccount)
		}
		return uuid.Nil, fmt.Errorf("failed to resolve %s: %w", kind, mapError(err))
	}
	return id, nil
}

func (s *Store) Register(ctx context.Context, entry models.DirectoryEntry) error {
	query := `
		INSERT INTO account_directory (tenant_id, kind, external_id, account_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, kind, external_id) DO UPDATE SET account_id = EXCLUDED.account_id
	`
	if _, err := s.db.Exec(ctx, query, entry.TenantID, entry.Kind, strings.TrimSpace(entry.ExternalID), entry.AccountID); err != nil {
		return fmt.Errorf("failed to register %s: %w", entry.Kind, mapError(err))
	}
	return nil
}
