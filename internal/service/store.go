package service

import (
	"context"
	"time"

	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/google/uuid"
)

// LedgerStore defines the account store contract required by the ledger.
// Mutations only happen through RunInTx so that an entry and the cached
// balance it changes are committed together.
type LedgerStore interface {
	RunInTx(ctx context.Context, fn func(tx LedgerTx) error) error

	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	DeleteAccount(ctx context.Context, id uuid.UUID) error
	// ListAccounts returns the accounts of tenantID, or of every tenant when tenantID is empty.
	ListAccounts(ctx context.Context, tenantID string) ([]models.Account, error)
	// ListEntries returns entries in commit order. limit <= 0 returns all.
	ListEntries(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]models.LedgerEntry, error)
	ListHolds(ctx context.Context, accountID uuid.UUID) ([]models.Hold, error)
	// FindEntries returns committed entries keyed by idempotency key.
	FindEntries(ctx context.Context, tenantID string, keys []string) (map[string]models.LedgerEntry, error)
}

// LedgerTx is the view of the store inside one atomic unit.
type LedgerTx interface {
	GetAccountForUpdate(ctx context.Context, id uuid.UUID) (*models.Account, error)
	UpdateAccount(ctx context.Context, account *models.Account) error
	// FindEntries returns committed entries keyed by idempotency key.
	FindEntries(ctx context.Context, tenantID string, keys []string) (map[string]models.LedgerEntry, error)
	// InsertEntry fails with domain.ErrDuplicateOperation when the key is taken.
	InsertEntry(ctx context.Context, entry *models.LedgerEntry) error
	// GetHold returns a zero-amount hold when none exists.
	GetHold(ctx context.Context, accountID uuid.UUID, reference, bucket string) (*models.Hold, error)
	UpsertHold(ctx context.Context, hold *models.Hold) error
}

// StreamStore persists stream records. Balances are never written here.
type StreamStore interface {
	CreateStream(ctx context.Context, stream *models.Stream) error
	GetStream(ctx context.Context, id uuid.UUID) (*models.Stream, error)
	UpdateStream(ctx context.Context, stream *models.Stream) error
	// ListDueStreams returns active streams last settled before cutoff, oldest first.
	ListDueStreams(ctx context.Context, cutoff time.Time, limit int) ([]models.Stream, error)
	// ListStreamsByAccount returns non-completed streams touching accountID.
	ListStreamsByAccount(ctx context.Context, accountID uuid.UUID) ([]models.Stream, error)
}

// StreamLister is implemented by ledger stores that also hold streams.
// Accounts with open streams cannot be closed.
type StreamLister interface {
	ListStreamsByAccount(ctx context.Context, accountID uuid.UUID) ([]models.Stream, error)
}

// ConfigStore provides per-tenant settlement configuration.
type ConfigStore interface {
	GetConfig(ctx context.Context, tenantID string) (*models.SettlementConfig, error)
	PutConfig(ctx context.Context, cfg *models.SettlementConfig) error
}

// Directory resolves protocol identifiers to ledger accounts.
type Directory interface {
	Resolve(ctx context.Context, tenantID, kind, externalID string) (uuid.UUID, error)
	Register(ctx context.Context, entry models.DirectoryEntry) error
}
