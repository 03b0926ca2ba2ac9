package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/events"
	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/ayo6706/payout-ledger/internal/observability"
	"github.com/ayo6706/payout-ledger/internal/tenant"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultPostAttempts = 4

// Operation is one balance mutation inside a posting.
type Operation struct {
	Kind           string
	Bucket         string
	AccountID      uuid.UUID
	Amount         int64
	Reference      string
	IdempotencyKey string
	// Currency, when set, must match the account currency.
	Currency string
}

func CreditOp(accountID uuid.UUID, amount int64, reference, key string) Operation {
	return Operation{Kind: domain.KindCredit, AccountID: accountID, Amount: amount, Reference: reference, IdempotencyKey: key}
}

func DebitOp(accountID uuid.UUID, amount int64, reference, key string) Operation {
	return Operation{Kind: domain.KindDebit, AccountID: accountID, Amount: amount, Reference: reference, IdempotencyKey: key}
}

func HoldOp(accountID uuid.UUID, bucket string, amount int64, reference, key string) Operation {
	return Operation{Kind: domain.KindHold, Bucket: bucket, AccountID: accountID, Amount: amount, Reference: reference, IdempotencyKey: key}
}

func ReleaseOp(accountID uuid.UUID, bucket string, amount int64, reference, key string) Operation {
	return Operation{Kind: domain.KindRelease, Bucket: bucket, AccountID: accountID, Amount: amount, Reference: reference, IdempotencyKey: key}
}

// PostResult holds the entries of one posting in operation order.
type PostResult struct {
	Entries []models.LedgerEntry
	// Replayed is true when every key was already committed and nothing new was written.
	Replayed bool
}

// Ledger is the only writer of account balances.
type Ledger struct {
	store     LedgerStore
	guard     *tenant.Guard
	publisher events.Publisher
	locks     *KeyedLocks
	logger    *zap.Logger
	now       func() time.Time
	attempts  uint
}

func NewLedger(store LedgerStore, guard *tenant.Guard, publisher events.Publisher, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if guard == nil {
		guard = tenant.NewGuard(logger)
	}
	return &Ledger{
		store:     store,
		guard:     guard,
		publisher: publisher,
		locks:     NewKeyedLocks(),
		logger:    logger,
		now:       time.Now,
		attempts:  defaultPostAttempts,
	}
}

// WithClock overrides the clock used for entry timestamps.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	if now != nil {
		l.now = now
	}
	return l
}

// WithMaxAttempts bounds retries of transient store failures.
func (l *Ledger) WithMaxAttempts(n uint) *Ledger {
	if n > 0 {
		l.attempts = n
	}
	return l
}

func (l *Ledger) Credit(ctx context.Context, accountID uuid.UUID, amount int64, reference, key string) (*models.LedgerEntry, error) {
	return l.single(ctx, CreditOp(accountID, amount, reference, key))
}

func (l *Ledger) Debit(ctx context.Context, accountID uuid.UUID, amount int64, reference, key string) (*models.LedgerEntry, error) {
	return l.single(ctx, DebitOp(accountID, amount, reference, key))
}

// Hold moves amount from available to held under reference.
func (l *Ledger) Hold(ctx context.Context, accountID uuid.UUID, amount int64, reference, key string) (*models.LedgerEntry, error) {
	return l.single(ctx, HoldOp(accountID, domain.BucketHeld, amount, reference, key))
}

// Release returns up to the amount still held under reference.
func (l *Ledger) Release(ctx context.Context, accountID uuid.UUID, amount int64, reference, key string) (*models.LedgerEntry, error) {
	return l.single(ctx, ReleaseOp(accountID, domain.BucketHeld, amount, reference, key))
}

// HoldInStream reserves funds for a stream; they are reported as in-stream rather than held.
func (l *Ledger) HoldInStream(ctx context.Context, accountID uuid.UUID, amount int64, reference, key string) (*models.LedgerEntry, error) {
	return l.single(ctx, HoldOp(accountID, domain.BucketStream, amount, reference, key))
}

func (l *Ledger) ReleaseFromStream(ctx context.Context, accountID uuid.UUID, amount int64, reference, key string) (*models.LedgerEntry, error) {
	return l.single(ctx, ReleaseOp(accountID, domain.BucketStream, amount, reference, key))
}

func (l *Ledger) single(ctx context.Context, op Operation) (*models.LedgerEntry, error) {
	res, err := l.Post(ctx, op)
	if err != nil {
		return nil, err
	}
	return &res.Entries[0], nil
}

// Post commits ops as one atomic unit. If every key was committed before, the
// earlier entries are returned with Replayed set. A key reused for a different
// account, kind or amount fails with ErrIdempotencyConflict.
func (l *Ledger) Post(ctx context.Context, ops ...Operation) (*PostResult, error) {
	return l.post(ctx, ops, true)
}

// postAdopting is Post for callers whose amounts depend on the clock. On
// replay the committed amounts win over the recomputed ones.
func (l *Ledger) postAdopting(ctx context.Context, ops ...Operation) (*PostResult, error) {
	return l.post(ctx, ops, false)
}

func (l *Ledger) post(ctx context.Context, ops []Operation, matchAmounts bool) (*PostResult, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	ops = append([]Operation(nil), ops...)
	if err := validateOps(ops); err != nil {
		l.countOps(ops, "rejected")
		return nil, err
	}

	lockKeys := make([]string, 0, len(ops))
	for _, op := range ops {
		lockKeys = append(lockKeys, op.AccountID.String())
	}
	waitStart := time.Now()
	unlock, err := l.locks.Lock(ctx, lockKeys...)
	if err != nil {
		l.countOps(ops, "timeout")
		return nil, fmt.Errorf("%w: waiting for account lock: %w", domain.ErrTimeout, err)
	}
	defer unlock()
	observability.ObserveLockWait(time.Since(waitStart))

	attempt := func() (*PostResult, error) {
		var res *PostResult
		err := l.store.RunInTx(ctx, func(tx LedgerTx) error {
			r, err := l.apply(ctx, tx, tenantID, ops, matchAmounts)
			if err != nil {
				return err
			}
			res = r
			return nil
		})
		if err == nil {
			return res, nil
		}
		// A duplicate key here means a concurrent posting on other accounts
		// committed the same key first; the next attempt replays it.
		if domain.IsRetryable(err) || errors.Is(err, domain.ErrDuplicateOperation) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	res, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(l.attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.logger.Warn("ledger post retry", zap.Error(err), zap.Duration("next", next))
		}),
	)
	if err != nil {
		if domain.IsTimeout(err) && !errors.Is(err, domain.ErrTimeout) {
			err = fmt.Errorf("%w: %w", domain.ErrTimeout, err)
		}
		l.countOps(ops, "failed")
		return nil, err
	}

	if res.Replayed {
		l.countOps(ops, "replayed")
		return res, nil
	}
	l.countOps(ops, "committed")
	if l.publisher != nil {
		// TODO: move to a transactional outbox so a crash between commit and publish cannot drop events.
		if err := l.publisher.PublishEntries(ctx, res.Entries); err != nil {
			l.logger.Error("failed to publish ledger entries", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}
	return res, nil
}

// committed returns the caller's entries already committed under keys.
func (l *Ledger) committed(ctx context.Context, keys ...string) (map[string]models.LedgerEntry, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	found, err := l.store.FindEntries(ctx, tenantID, keys)
	if err != nil {
		return nil, fmt.Errorf("find committed entries: %w", err)
	}
	return found, nil
}

type holdKey struct {
	account   uuid.UUID
	reference string
	bucket    string
}

func (l *Ledger) apply(ctx context.Context, tx LedgerTx, tenantID string, ops []Operation, matchAmounts bool) (*PostResult, error) {
	keys := make([]string, len(ops))
	for i, op := range ops {
		keys[i] = op.IdempotencyKey
	}
	existing, err := tx.FindEntries(ctx, tenantID, keys)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return replay(ops, existing, matchAmounts)
	}

	accountIDs := make([]uuid.UUID, 0, len(ops))
	accounts := make(map[uuid.UUID]*models.Account, len(ops))
	for _, op := range ops {
		if _, ok := accounts[op.AccountID]; ok {
			continue
		}
		accountIDs = append(accountIDs, op.AccountID)
		accounts[op.AccountID] = nil
	}
	sort.Slice(accountIDs, func(i, j int) bool { return accountIDs[i].String() < accountIDs[j].String() })
	for _, id := range accountIDs {
		acc, err := tx.GetAccountForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := l.guard.Authorize(ctx, acc, "account"); err != nil {
			return nil, err
		}
		accounts[id] = acc
	}

	now := l.now().UTC()
	holds := make(map[holdKey]*models.Hold)
	entries := make([]models.LedgerEntry, 0, len(ops))
	for _, op := range ops {
		acc := accounts[op.AccountID]
		if op.Currency != "" && domain.NormalizeCurrency(op.Currency) != acc.Currency {
			return nil, fmt.Errorf("account %s holds %s, not %s: %w", acc.ID, acc.Currency, op.Currency, domain.ErrCurrencyMismatch)
		}
		entry := models.LedgerEntry{
			ID:             uuid.New(),
			TenantID:       tenantID,
			AccountID:      acc.ID,
			Kind:           op.Kind,
			Bucket:         op.Bucket,
			Reference:      op.Reference,
			IdempotencyKey: op.IdempotencyKey,
			CreatedAt:      now,
		}

		switch op.Kind {
		case domain.KindCredit:
			entry.Amount = op.Amount
		case domain.KindDebit:
			if acc.Available < op.Amount {
				return nil, fmt.Errorf("account %s: %w", acc.ID, domain.ErrInsufficientFunds)
			}
			entry.Amount = -op.Amount
		case domain.KindHold:
			if acc.Available < op.Amount {
				return nil, fmt.Errorf("account %s: %w", acc.ID, domain.ErrInsufficientFunds)
			}
			h, err := loadHold(ctx, tx, holds, tenantID, acc.ID, op)
			if err != nil {
				return nil, err
			}
			h.Amount += op.Amount
			h.UpdatedAt = now
			entry.Amount = -op.Amount
		case domain.KindRelease:
			h, err := loadHold(ctx, tx, holds, tenantID, acc.ID, op)
			if err != nil {
				return nil, err
			}
			if h.Amount < op.Amount {
				return nil, fmt.Errorf("account %s reference %q holds %d: %w", acc.ID, op.Reference, h.Amount, domain.ErrOverRelease)
			}
			h.Amount -= op.Amount
			h.UpdatedAt = now
			entry.Amount = op.Amount
		}

		available, held, inStreams := entry.Deltas()
		acc.Available += available
		acc.Held += held
		acc.InStreams += inStreams
		if acc.Held < 0 || acc.InStreams < 0 {
			return nil, fmt.Errorf("account %s: %w", acc.ID, domain.ErrOverRelease)
		}
		acc.Version++
		acc.UpdatedAt = now
		entry.Seq = acc.Version
		entries = append(entries, entry)
	}

	for i := range entries {
		if err := tx.InsertEntry(ctx, &entries[i]); err != nil {
			return nil, err
		}
	}
	for _, h := range holds {
		if err := tx.UpsertHold(ctx, h); err != nil {
			return nil, err
		}
	}
	for _, id := range accountIDs {
		if err := tx.UpdateAccount(ctx, accounts[id]); err != nil {
			return nil, err
		}
	}
	return &PostResult{Entries: entries}, nil
}

func loadHold(ctx context.Context, tx LedgerTx, holds map[holdKey]*models.Hold, tenantID string, accountID uuid.UUID, op Operation) (*models.Hold, error) {
	k := holdKey{account: accountID, reference: op.Reference, bucket: op.Bucket}
	if h, ok := holds[k]; ok {
		return h, nil
	}
	h, err := tx.GetHold(ctx, accountID, op.Reference, op.Bucket)
	if err != nil {
		return nil, err
	}
	h.TenantID = tenantID
	holds[k] = h
	return h, nil
}

func replay(ops []Operation, existing map[string]models.LedgerEntry, matchAmounts bool) (*PostResult, error) {
	if len(existing) != len(ops) {
		return nil, fmt.Errorf("%d of %d keys already committed: %w", len(existing), len(ops), domain.ErrIdempotencyConflict)
	}
	entries := make([]models.LedgerEntry, 0, len(ops))
	for _, op := range ops {
		e, ok := existing[op.IdempotencyKey]
		if !ok {
			return nil, fmt.Errorf("key %q: %w", op.IdempotencyKey, domain.ErrIdempotencyConflict)
		}
		if e.AccountID != op.AccountID || e.Kind != op.Kind || e.Bucket != op.Bucket {
			return nil, fmt.Errorf("key %q: %w", op.IdempotencyKey, domain.ErrIdempotencyConflict)
		}
		if matchAmounts && e.Magnitude() != op.Amount {
			return nil, fmt.Errorf("key %q: %w", op.IdempotencyKey, domain.ErrIdempotencyConflict)
		}
		entries = append(entries, e)
	}
	return &PostResult{Entries: entries, Replayed: true}, nil
}

func validateOps(ops []Operation) error {
	if len(ops) == 0 {
		return fmt.Errorf("empty posting: %w", domain.ErrInvalidAmount)
	}
	seen := make(map[string]struct{}, len(ops))
	for i := range ops {
		op := &ops[i]
		if op.Amount <= 0 {
			return fmt.Errorf("%s of %d: %w", op.Kind, op.Amount, domain.ErrInvalidAmount)
		}
		if op.IdempotencyKey == "" {
			return domain.ErrMissingKey
		}
		if _, dup := seen[op.IdempotencyKey]; dup {
			return fmt.Errorf("key %q used twice in one posting: %w", op.IdempotencyKey, domain.ErrIdempotencyConflict)
		}
		seen[op.IdempotencyKey] = struct{}{}
		switch op.Kind {
		case domain.KindCredit, domain.KindDebit:
			op.Bucket = ""
		case domain.KindHold, domain.KindRelease:
			if op.Reference == "" {
				return fmt.Errorf("%s: %w", op.Kind, domain.ErrMissingReference)
			}
			if op.Bucket == "" {
				op.Bucket = domain.BucketHeld
			}
			if op.Bucket != domain.BucketHeld && op.Bucket != domain.BucketStream {
				return fmt.Errorf("bucket %q: %w", op.Bucket, domain.ErrUnknownEntryKind)
			}
		default:
			return fmt.Errorf("%q: %w", op.Kind, domain.ErrUnknownEntryKind)
		}
	}
	return nil
}

func (l *Ledger) countOps(ops []Operation, result string) {
	for _, op := range ops {
		observability.IncrementLedgerOperation(op.Kind, result)
	}
}
