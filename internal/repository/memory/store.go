// Package memory is an in-process implementation of the ledger, stream,
// settlement config and directory stores. It backs unit tests and
// single-node deployments without Postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/ayo6706/payout-ledger/internal/service"
	"github.com/google/uuid"
)

type holdKey struct {
	account   uuid.UUID
	reference string
	bucket    string
}

type dirKey struct {
	tenant   string
	kind     string
	external string
}

// Store keeps every record in maps guarded by one RWMutex. Transactions
// buffer their writes and apply them under the write lock at commit.
type Store struct {
	mu        sync.RWMutex
	accounts  map[uuid.UUID]models.Account
	entries   []models.LedgerEntry
	byKey     map[string]int
	byAccount map[uuid.UUID][]int
	holds     map[holdKey]models.Hold
	streams   map[uuid.UUID]models.Stream
	configs   map[string]models.SettlementConfig
	directory map[dirKey]uuid.UUID

	faultMu sync.Mutex
	fault   error
}

var (
	_ service.LedgerStore  = (*Store)(nil)
	_ service.StreamStore  = (*Store)(nil)
	_ service.StreamLister = (*Store)(nil)
	_ service.ConfigStore  = (*Store)(nil)
	_ service.Directory    = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		accounts:  make(map[uuid.UUID]models.Account),
		byKey:     make(map[string]int),
		byAccount: make(map[uuid.UUID][]int),
		holds:     make(map[holdKey]models.Hold),
		streams:   make(map[uuid.UUID]models.Stream),
		configs:   make(map[string]models.SettlementConfig),
		directory: make(map[dirKey]uuid.UUID),
	}
}

// FailNextCommit makes the next transaction commit fail with err.
func (s *Store) FailNextCommit(err error) {
	s.faultMu.Lock()
	s.fault = err
	s.faultMu.Unlock()
}

func (s *Store) takeFault() error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	err := s.fault
	s.fault = nil
	return err
}

func entryKey(tenantID, key string) string {
	return tenantID + "\x00" + key
}

// RunInTx runs fn against a buffered transaction and commits its writes
// atomically when fn returns nil.
func (s *Store) RunInTx(ctx context.Context, fn func(tx service.LedgerTx) error) error {
	tx := &memTx{
		store:    s,
		read:     make(map[uuid.UUID]int64),
		accounts: make(map[uuid.UUID]models.Account),
		holds:    make(map[holdKey]models.Hold),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.takeFault(); err != nil {
		return err
	}
	return tx.commit()
}

type memTx struct {
	store    *Store
	read     map[uuid.UUID]int64
	accounts map[uuid.UUID]models.Account
	entries  []models.LedgerEntry
	holds    map[holdKey]models.Hold
}

func (t *memTx) GetAccountForUpdate(_ context.Context, id uuid.UUID) (*models.Account, error) {
	if acc, ok := t.accounts[id]; ok {
		return &acc, nil
	}
	t.store.mu.RLock()
	acc, ok := t.store.accounts[id]
	t.store.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, domain.ErrAccountNotFound)
	}
	t.read[id] = acc.Version
	return &acc, nil
}

func (t *memTx) UpdateAccount(_ context.Context, account *models.Account) error {
	if _, ok := t.read[account.ID]; !ok {
		return fmt.Errorf("account %s updated without being read: %w", account.ID, domain.ErrAccountNotFound)
	}
	t.accounts[account.ID] = *account
	return nil
}

func (t *memTx) FindEntries(_ context.Context, tenantID string, keys []string) (map[string]models.LedgerEntry, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	out := make(map[string]models.LedgerEntry)
	for _, k := range keys {
		if idx, ok := t.store.byKey[entryKey(tenantID, k)]; ok {
			out[k] = t.store.entries[idx]
		}
	}
	return out, nil
}

func (t *memTx) InsertEntry(_ context.Context, entry *models.LedgerEntry) error {
	t.entries = append(t.entries, *entry)
	return nil
}

func (t *memTx) GetHold(_ context.Context, accountID uuid.UUID, reference, bucket string) (*models.Hold, error) {
	k := holdKey{account: accountID, reference: reference, bucket: bucket}
	if h, ok := t.holds[k]; ok {
		return &h, nil
	}
	t.store.mu.RLock()
	h, ok := t.store.holds[k]
	t.store.mu.RUnlock()
	if !ok {
		h = models.Hold{AccountID: accountID, Reference: reference, Bucket: bucket}
	}
	return &h, nil
}

func (t *memTx) UpsertHold(_ context.Context, hold *models.Hold) error {
	t.holds[holdKey{account: hold.AccountID, reference: hold.Reference, bucket: hold.Bucket}] = *hold
	return nil
}

func (t *memTx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, version := range t.read {
		if _, written := t.accounts[id]; !written {
			continue
		}
		current, ok := s.accounts[id]
		if !ok {
			return fmt.Errorf("account %s: %w", id, domain.ErrAccountNotFound)
		}
		if current.Version != version {
			return fmt.Errorf("account %s changed during transaction: %w", id, domain.ErrRetryable)
		}
	}
	for _, e := range t.entries {
		if _, dup := s.byKey[entryKey(e.TenantID, e.IdempotencyKey)]; dup {
			return fmt.Errorf("key %q: %w", e.IdempotencyKey, domain.ErrDuplicateOperation)
		}
	}

	for _, e := range t.entries {
		idx := len(s.entries)
		s.entries = append(s.entries, e)
		s.byKey[entryKey(e.TenantID, e.IdempotencyKey)] = idx
		s.byAccount[e.AccountID] = append(s.byAccount[e.AccountID], idx)
	}
	for k, h := range t.holds {
		if h.Amount == 0 {
			delete(s.holds, k)
			continue
		}
		s.holds[k] = h
	}
	for id, acc := range t.accounts {
		s.accounts[id] = acc
	}
	return nil
}

func (s *Store) CreateAccount(_ context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[account.ID]; exists {
		return fmt.Errorf("account %s: %w", account.ID, domain.ErrDuplicateOperation)
	}
	s.accounts[account.ID] = *account
	return nil
}

func (s *Store) GetAccount(_ context.Context, id uuid.UUID) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, domain.ErrAccountNotFound)
	}
	return &acc, nil
}

func (s *Store) DeleteAccount(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, domain.ErrAccountNotFound)
	}
	if !acc.IsEmpty() {
		return fmt.Errorf("account %s: %w", id, domain.ErrAccountNotEmpty)
	}
	delete(s.accounts, id)
	return nil
}

func (s *Store) ListAccounts(_ context.Context, tenantID string) ([]models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		if tenantID != "" && acc.TenantID != tenantID {
			continue
		}
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *Store) ListEntries(_ context.Context, accountID uuid.UUID, limit, offset int) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idxs := s.byAccount[accountID]
	if offset >= len(idxs) {
		return []models.LedgerEntry{}, nil
	}
	idxs = idxs[offset:]
	if limit > 0 && limit < len(idxs) {
		idxs = idxs[:limit]
	}
	out := make([]models.LedgerEntry, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.entries[i])
	}
	return out, nil
}

func (s *Store) FindEntries(ctx context.Context, tenantID string, keys []string) (map[string]models.LedgerEntry, error) {
	return (&memTx{store: s}).FindEntries(ctx, tenantID, keys)
}

func (s *Store) ListHolds(_ context.Context, accountID uuid.UUID) ([]models.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Hold
	for k, h := range s.holds {
		if k.account == accountID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reference < out[j].Reference })
	return out, nil
}

func (s *Store) CreateStream(_ context.Context, stream *models.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.streams[stream.ID]; exists {
		return fmt.Errorf("stream %s: %w", stream.ID, domain.ErrDuplicateOperation)
	}
	s.streams[stream.ID] = *stream
	return nil
}

func (s *Store) GetStream(_ context.Context, id uuid.UUID) (*models.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[id]
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", id, domain.ErrStreamNotFound)
	}
	return &st, nil
}

func (s *Store) UpdateStream(_ context.Context, stream *models.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[stream.ID]; !ok {
		return fmt.Errorf("stream %s: %w", stream.ID, domain.ErrStreamNotFound)
	}
	s.streams[stream.ID] = *stream
	return nil
}

func (s *Store) ListDueStreams(_ context.Context, cutoff time.Time, limit int) ([]models.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Stream
	for _, st := range s.streams {
		if st.Status == domain.StreamStatusActive && st.LastSettledAt.Before(cutoff) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSettledAt.Before(out[j].LastSettledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListStreamsByAccount(_ context.Context, accountID uuid.UUID) ([]models.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Stream
	for _, st := range s.streams {
		if st.Status == domain.StreamStatusCompleted {
			continue
		}
		if st.SourceAccountID == accountID || st.DestAccountID == accountID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *Store) GetConfig(_ context.Context, tenantID string) (*models.SettlementConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[tenantID]
	if !ok {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, domain.ErrConfigNotFound)
	}
	cfg.Currencies = append([]string(nil), cfg.Currencies...)
	return &cfg, nil
}

func (s *Store) PutConfig(_ context.Context, cfg *models.SettlementConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *cfg
	stored.Currencies = append([]string(nil), cfg.Currencies...)
	s.configs[cfg.TenantID] = stored
	return nil
}

func (s *Store) Resolve(_ context.Context, tenantID, kind, externalID string) (uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.directory[dirKey{tenant: tenantID, kind: kind, external: strings.TrimSpace(externalID)}]
	if !ok {
		return uuid.Nil, fmt.Errorf("%s %q: %w", kind, externalID, domain.ErrUnresolvedAccount)
	}
	return id, nil
}

func (s *Store) Register(_ context.Context, entry models.DirectoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.directory[dirKey{tenant: entry.TenantID, kind: entry.Kind, external: strings.TrimSpace(entry.ExternalID)}] = entry.AccountID
	return nil
}
