package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const accountColumns = `id, tenant_id, owner_type, currency, available, held, in_streams, version, created_at, updated_at`

const entryColumns = `id, tenant_id, account_id, seq, kind, bucket, amount, idempotency_key, reference, created_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.TenantID, &a.OwnerType, &a.Currency, &a.Available, &a.Held, &a.InStreams, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanEntry(row pgx.Row) (models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.ID, &e.TenantID, &e.AccountID, &e.Seq, &e.Kind, &e.Bucket, &e.Amount, &e.IdempotencyKey, &e.Reference, &e.CreatedAt)
	return e, err
}

func (s *Store) CreateAccount(ctx context.Context, account *models.Account) error {
	query := `INSERT INTO accounts (` + accountColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.db.Exec(ctx, query,
		account.ID, account.TenantID, account.OwnerType, account.Currency,
		account.Available, account.Held, account.InStreams, account.Version,
		account.CreatedAt, account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", mapError(err))
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 AND closed_at IS NULL`
	acc, err := scanAccount(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", id, domain.ErrAccountNotFound)
		}
		return nil, fmt.Errorf("failed to get account: %w", mapError(err))
	}
	return acc, nil
}

// DeleteAccount closes an empty account. The row is kept so that its
// entries stay attached to it.
func (s *Store) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE accounts SET closed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND closed_at IS NULL AND available = 0 AND held = 0 AND in_streams = 0
	`
	tag, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to close account: %w", mapError(err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	acc, err := s.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if !acc.IsEmpty() {
		return fmt.Errorf("account %s: %w", id, domain.ErrAccountNotEmpty)
	}
	return fmt.Errorf("account %s: %w", id, domain.ErrAccountNotFound)
}

func (s *Store) ListAccounts(ctx context.Context, tenantID string) ([]models.Account, error) {
	query := `
		SELECT ` + accountColumns + ` FROM accounts
		WHERE closed_at IS NULL AND ($1 = '' OR tenant_id = $1)
		ORDER BY tenant_id, id
	`
	rows, err := s.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", mapError(err))
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

func (s *Store) ListEntries(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]models.LedgerEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY seq
		LIMIT NULLIF($2, 0) OFFSET $3
	`
	if limit < 0 {
		limit = 0
	}
	rows, err := s.db.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get entries: %w", mapError(err))
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FindEntries looks up committed entries outside a transaction.
func (s *Store) FindEntries(ctx context.Context, tenantID string, keys []string) (map[string]models.LedgerEntry, error) {
	return (&pgTx{q: s.db}).FindEntries(ctx, tenantID, keys)
}

func (s *Store) ListHolds(ctx context.Context, accountID uuid.UUID) ([]models.Hold, error) {
	query := `
		SELECT tenant_id, account_id, reference, bucket, amount, updated_at
		FROM holds WHERE account_id = $1 ORDER BY reference
	`
	rows, err := s.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list holds: %w", mapError(err))
	}
	defer rows.Close()

	var holds []models.Hold
	for rows.Next() {
		var h models.Hold
		if err := rows.Scan(&h.TenantID, &h.AccountID, &h.Reference, &h.Bucket, &h.Amount, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan hold: %w", err)
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

// pgTx is the LedgerTx view of one database transaction.
type pgTx struct {
	q querier
}

func (t *pgTx) GetAccountForUpdate(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 AND closed_at IS NULL FOR UPDATE`
	acc, err := scanAccount(t.q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", id, domain.ErrAccountNotFound)
		}
		return nil, fmt.Errorf("failed to lock account: %w", mapError(err))
	}
	return acc, nil
}

func (t *pgTx) UpdateAccount(ctx context.Context, account *models.Account) error {
	query := `
		UPDATE accounts
		SET available = $2, held = $3, in_streams = $4, version = $5, updated_at = $6
		WHERE id = $1
	`
	tag, err := t.q.Exec(ctx, query, account.ID, account.Available, account.Held, account.InStreams, account.Version, account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", mapError(err))
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("account %s: %w", account.ID, domain.ErrAccountNotFound)
	}
	return nil
}

func (t *pgTx) FindEntries(ctx context.Context, tenantID string, keys []string) (map[string]models.LedgerEntry, error) {
	out := make(map[string]models.LedgerEntry, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE tenant_id = $1 AND idempotency_key = ANY($2)`
	rows, err := t.q.Query(ctx, query, tenantID, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to find entries: %w", mapError(err))
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		out[e.IdempotencyKey] = e
	}
	return out, rows.Err()
}

func (t *pgTx) InsertEntry(ctx context.Context, e *models.LedgerEntry) error {
	query := `INSERT INTO ledger_entries (` + entryColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := t.q.Exec(ctx, query, e.ID, e.TenantID, e.AccountID, e.Seq, e.Kind, e.Bucket, e.Amount, e.IdempotencyKey, e.Reference, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert entry %q: %w", e.IdempotencyKey, mapError(err))
	}
	return nil
}

func (t *pgTx) GetHold(ctx context.Context, accountID uuid.UUID, reference, bucket string) (*models.Hold, error) {
	query := `
		SELECT tenant_id, account_id, reference, bucket, amount, updated_at
		FROM holds WHERE account_id = $1 AND reference = $2 AND bucket = $3
	`
	var h models.Hold
	err := t.q.QueryRow(ctx, query, accountID, reference, bucket).Scan(&h.TenantID, &h.AccountID, &h.Reference, &h.Bucket, &h.Amount, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.Hold{AccountID: accountID, Reference: reference, Bucket: bucket}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get hold: %w", mapError(err))
	}
	return &h, nil
}

// UpsertHold stores the remaining hold amount; a zero amount removes the row.
func (t *pgTx) UpsertHold(ctx context.Context, h *models.Hold) error {
	if h.Amount == 0 {
		_, err := t.q.Exec(ctx, `DELETE FROM holds WHERE account_id = $1 AND reference = $2 AND bucket = $3`, h.AccountID, h.Reference, h.Bucket)
		if err != nil {
			return fmt.Errorf("failed to delete hold: %w", mapError(err))
		}
		return nil
	}
	query := `
		INSERT INTO holds (account_id, reference, bucket, tenant_id, amount, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, reference, bucket)
		DO UPDATE SET amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at
	`
	if _, err := t.q.Exec(ctx, query, h.AccountID, h.Reference, h.Bucket, h.TenantID, h.Amount, h.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert hold: %w", mapError(err))
	}
	return nil
}
