package models

import (
	"time"

	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account is a tenant-scoped balance holder. Balances are cached; the entries
// committed against the account are the source of truth.
type Account struct {
	ID        uuid.UUID `json:"id"`
	TenantID  string    `json:"tenant_id"`
	OwnerType string    `json:"owner_type"`
	Currency  string    `json:"currency"`
	Available int64     `json:"available_balance"`
	Held      int64     `json:"held_balance"`
	InStreams int64     `json:"balance_in_streams"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Total returns available + held + in-stream funds.
func (a *Account) Total() int64 {
	return a.Available + a.Held + a.InStreams
}

// OwnerTenant returns the tenant that owns the account.
func (a *Account) OwnerTenant() string { return a.TenantID }

// IsEmpty reports whether every balance component is zero.
func (a *Account) IsEmpty() bool {
	return a.Available == 0 && a.Held == 0 && a.InStreams == 0
}

// LedgerEntry is the immutable record of one balance mutation. Amount is the
// signed change applied to the available balance.
type LedgerEntry struct {
	ID             uuid.UUID `json:"id"`
	TenantID       string    `json:"tenant_id"`
	AccountID      uuid.UUID `json:"account_id"`
	Seq            int64     `json:"seq"`
	Kind           string    `json:"kind"`
	Bucket         string    `json:"bucket,omitempty"`
	Amount         int64     `json:"amount"`
	IdempotencyKey string    `json:"idempotency_key"`
	Reference      string    `json:"reference"`
	CreatedAt      time.Time `json:"created_at"`
}

// Magnitude returns the unsigned amount moved by the entry.
func (e LedgerEntry) Magnitude() int64 {
	if e.Amount < 0 {
		return -e.Amount
	}
	return e.Amount
}

// Deltas returns the change the entry applies to each balance component.
func (e LedgerEntry) Deltas() (available, held, inStreams int64) {
	m := e.Magnitude()
	switch e.Kind {
	case domain.KindCredit:
		return m, 0, 0
	case domain.KindDebit:
		return -m, 0, 0
	case domain.KindHold:
		if e.Bucket == domain.BucketStream {
			return -m, 0, m
		}
		return -m, m, 0
	case domain.KindRelease:
		if e.Bucket == domain.BucketStream {
			return m, 0, -m
		}
		return m, -m, 0
	}
	return 0, 0, 0
}

// Hold tracks the remaining reserved amount for one reference on one account.
type Hold struct {
	TenantID  string    `json:"tenant_id"`
	AccountID uuid.UUID `json:"account_id"`
	Reference string    `json:"reference"`
	Bucket    string    `json:"bucket"`
	Amount    int64     `json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FlowRate is an amount streamed per interval, e.g. 60 USDC per hour.
type FlowRate struct {
	Amount   int64         `json:"amount"`
	Interval time.Duration `json:"interval"`
}

// Stream is a continuous payment from a source to a destination account.
type Stream struct {
	ID                 uuid.UUID  `json:"id"`
	TenantID           string     `json:"tenant_id"`
	SourceAccountID    uuid.UUID  `json:"source_account_id"`
	DestAccountID      uuid.UUID  `json:"dest_account_id"`
	Currency           string     `json:"currency"`
	FlowRate           FlowRate   `json:"flow_rate"`
	Status             string     `json:"status"`
	FundedAmount       int64      `json:"funded_amount"`
	SettledAmount      int64      `json:"settled_amount"`
	RefundedAmount     int64      `json:"refunded_amount"`
	StartedAt          time.Time  `json:"started_at"`
	LastSettledAt      time.Time  `json:"last_settled_at"`
	ActiveSince        time.Time  `json:"active_since"`
	SettledSinceActive int64      `json:"settled_since_active"`
	SettlementSeq      int64      `json:"settlement_seq"`
	TopUpSeq           int64      `json:"top_up_seq"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Remaining returns the funded amount still held for the destination.
func (s *Stream) Remaining() int64 {
	return s.FundedAmount - s.SettledAmount - s.RefundedAmount
}

// OwnerTenant returns the tenant that owns the stream.
func (s *Stream) OwnerTenant() string { return s.TenantID }

// Reference is the ledger reference shared by every entry of the stream.
func (s *Stream) Reference() string {
	return "stream:" + s.ID.String()
}

// PaymentEvent is the protocol-agnostic payment handed to settlement.
type PaymentEvent struct {
	Protocol       string            `json:"protocol"`
	TenantID       string            `json:"tenant_id"`
	PayerAccountID uuid.UUID         `json:"payer_account_id"`
	PayeeAccountID uuid.UUID         `json:"payee_account_id"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
}

// OwnerTenant returns the tenant the event was normalized for.
func (e *PaymentEvent) OwnerTenant() string { return e.TenantID }

// SettlementConfig is the per-tenant fee configuration.
type SettlementConfig struct {
	TenantID     string          `json:"tenant_id"`
	FeeType      string          `json:"fee_type"`
	Rate         decimal.Decimal `json:"rate"`
	FlatAmount   int64           `json:"flat_amount"`
	Currencies   []string        `json:"currencies"`
	FeeAccountID uuid.UUID       `json:"fee_account_id"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// SupportsCurrency reports whether currency is inside the tenant's scope.
func (c *SettlementConfig) SupportsCurrency(currency string) bool {
	currency = domain.NormalizeCurrency(currency)
	for _, cur := range c.Currencies {
		if domain.NormalizeCurrency(cur) == currency {
			return true
		}
	}
	return false
}

// FeeQuote is the fee/net split for an amount.
type FeeQuote struct {
	Amount   int64  `json:"amount"`
	Fee      int64  `json:"fee"`
	Net      int64  `json:"net"`
	Currency string `json:"currency"`
}

// SettlementResult is emitted for every settled payment event.
type SettlementResult struct {
	TransferID     uuid.UUID `json:"transfer_id"`
	TenantID       string    `json:"tenant_id"`
	Protocol       string    `json:"protocol"`
	PayerAccountID uuid.UUID `json:"payer_account_id"`
	PayeeAccountID uuid.UUID `json:"payee_account_id"`
	Amount         int64     `json:"amount"`
	FeeAmount      int64     `json:"fee_amount"`
	NetAmount      int64     `json:"net_amount"`
	Currency       string    `json:"currency"`
	Status         string    `json:"status"`
	IdempotencyKey string    `json:"idempotency_key"`
	Replayed       bool      `json:"replayed"`
	SettledAt      time.Time `json:"settled_at"`
}

// DirectoryEntry maps an external protocol identifier to a ledger account.
type DirectoryEntry struct {
	TenantID   string    `json:"tenant_id"`
	Kind       string    `json:"kind"`
	ExternalID string    `json:"external_id"`
	AccountID  uuid.UUID `json:"account_id"`
}
