package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const streamColumns = `id, tenant_id, source_account_id, dest_account_id, currency, flow_amount, flow_interval_ns,
	status, funded_amount, settled_amount, refunded_amount, started_at, last_settled_at, active_since,
	settled_since_active, settlement_seq, top_up_seq, completed_at, updated_at`

func scanStream(row pgx.Row) (*models.Stream, error) {
	var (
		s        models.Stream
		interval int64
	)
	err := row.Scan(&s.ID, &s.TenantID, &s.SourceAccountID, &s.DestAccountID, &s.Currency, &s.FlowRate.Amount, &interval,
		&s.Status, &s.FundedAmount, &s.SettledAmount, &s.RefundedAmount, &s.StartedAt, &s.LastSettledAt, &s.ActiveSince,
		&s.SettledSinceActive, &s.SettlementSeq, &s.TopUpSeq, &s.CompletedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.FlowRate.Interval = time.Duration(interval)
	return &s, nil
}

func (s *Store) CreateStream(ctx context.Context, st *models.Stream) error {
	query := `INSERT INTO streams (` + streamColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`
	_, err := s.db.Exec(ctx, query,
		st.ID, st.TenantID, st.SourceAccountID, st.DestAccountID, st.Currency, st.FlowRate.Amount, int64(st.FlowRate.Interval),
		st.Status, st.FundedAmount, st.SettledAmount, st.RefundedAmount, st.StartedAt, st.LastSettledAt, st.ActiveSince,
		st.SettledSinceActive, st.SettlementSeq, st.TopUpSeq, st.CompletedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", mapError(err))
	}
	return nil
}

func (s *Store) GetStream(ctx context.Context, id uuid.UUID) (*models.Stream, error) {
	st, err := scanStream(s.db.QueryRow(ctx, `SELECT `+streamColumns+` FROM streams WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("stream %s: %w", id, domain.ErrStreamNotFound)
		}
		return nil, fmt.Errorf("failed to get stream: %w", mapError(err))
	}
	return st, nil
}

func (s *Store) UpdateStream(ctx context.Context, st *models.Stream) error {
	query := `
		UPDATE streams SET
			status = $2, funded_amount = $3, settled_amount = $4, refunded_amount = $5,
			last_settled_at = $6, active_since = $7, settled_since_active = $8,
			settlement_seq = $9, top_up_seq = $10, completed_at = $11, updated_at = $12
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query, st.ID,
		st.Status, st.FundedAmount, st.SettledAmount, st.RefundedAmount,
		st.LastSettledAt, st.ActiveSince, st.SettledSinceActive,
		st.SettlementSeq, st.TopUpSeq, st.CompletedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update stream: %w", mapError(err))
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("stream %s: %w", st.ID, domain.ErrStreamNotFound)
	}
	return nil
}

func (s *Store) ListDueStreams(ctx context.Context, cutoff time.Time, limit int) ([]models.Stream, error) {
	query := `
		SELECT ` + streamColumns + ` FROM streams
		WHERE status = $1 AND last_settled_at < $2
		ORDER BY last_settled_at
		LIMIT NULLIF($3, 0)
	`
	if limit < 0 {
		limit = 0
	}
	return s.queryStreams(ctx, query, domain.StreamStatusActive, cutoff, limit)
}

func (s *Store) ListStreamsByAccount(ctx context.Context, accountID uuid.UUID) ([]models.Stream, error) {
	query := `
		SELECT ` + streamColumns + ` FROM streams
		WHERE status <> $1 AND (source_account_id = $2 OR dest_account_id = $2)
		ORDER BY started_at
	`
	return s.queryStreams(ctx, query, domain.StreamStatusCompleted, accountID)
}

func (s *Store) queryStreams(ctx context.Context, query string, args ...any) ([]models.Stream, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", mapError(err))
	}
	defer rows.Close()

	var streams []models.Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stream: %w", err)
		}
		streams = append(streams, *st)
	}
	return streams, rows.Err()
}
