package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/repository/memory"
	"github.com/ayo6706/payout-ledger/internal/service"
	"github.com/ayo6706/payout-ledger/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLedger_HoldAndRelease(t *testing.T) {
	f := newFixture(t)
	x := f.account(t, f.ctxA, 1000)

	_, err := f.ledger.Hold(f.ctxA, x.ID, 300, "r1", "hold-r1")
	require.NoError(t, err)
	acc := f.balance(t, f.ctxA, x.ID)
	assert.Equal(t, int64(700), acc.Available)
	assert.Equal(t, int64(300), acc.Held)

	_, err = f.ledger.Release(f.ctxA, x.ID, 300, "r1", "release-r1")
	require.NoError(t, err)
	acc = f.balance(t, f.ctxA, x.ID)
	assert.Equal(t, int64(1000), acc.Available)
	assert.Equal(t, int64(0), acc.Held)

	f.requireReconciled(t)
}

func TestLedger_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	x := f.account(t, f.ctxA, 1000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.ledger.Debit(f.ctxA, x.ID, 600, "d", "debit-"+string(rune('a'+i)))
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInsufficientFunds):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, insufficient)
	assert.Equal(t, int64(400), f.balance(t, f.ctxA, x.ID).Available)
	f.requireReconciled(t)
}

func TestLedger_DuplicateKeyReturnsPriorEntry(t *testing.T) {
	f := newFixture(t)
	x := f.account(t, f.ctxA, 0)

	first, err := f.ledger.Credit(f.ctxA, x.ID, 250, "ref", "credit-1")
	require.NoError(t, err)
	second, err := f.ledger.Credit(f.ctxA, x.ID, 250, "ref", "credit-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Seq, second.Seq)
	assert.Equal(t, int64(250), f.balance(t, f.ctxA, x.ID).Available)

	entries, err := f.ledger.Entries(f.ctxA, x.ID, 1, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Len(t, f.publisher.Entries(), 1)
}

func TestLedger_KeyReusedWithDifferentParameters(t *testing.T) {
	f := newFixture(t)
	x := f.account(t, f.ctxA, 1000)

	_, err := f.ledger.Debit(f.ctxA, x.ID, 100, "ref", "op-1")
	require.NoError(t, err)

	_, err = f.ledger.Debit(f.ctxA, x.ID, 200, "ref", "op-1")
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)

	_, err = f.ledger.Credit(f.ctxA, x.ID, 100, "ref", "op-1")
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)
	assert.Equal(t, int64(900), f.balance(t, f.ctxA, x.ID).Available)
}

func TestLedger_RejectsInvalidAmounts(t *testing.T) {
	f := newFixture(t)
	x := f.account(t, f.ctxA, 10)

	for _, amount := range []int64{0, -5} {
		_, err := f.ledger.Credit(f.ctxA, x.ID, amount, "ref", "bad")
		assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	}
	_, err := f.ledger.Credit(f.ctxA, x.ID, 5, "ref", "")
	assert.ErrorIs(t, err, domain.ErrMissingKey)
	_, err = f.ledger.Hold(f.ctxA, x.ID, 5, "", "hold-no-ref")
	assert.ErrorIs(t, err, domain.ErrMissingReference)
}

func TestLedger_NoNegativeBalances(t *testing.T) {
	f := newFixture(t)
	x := f.account(t, f.ctxA, 100)

	_, err := f.ledger.Debit(f.ctxA, x.ID, 101, "ref", "d-1")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	_, err = f.ledger.Hold(f.ctxA, x.ID, 101, "r", "h-1")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = f.ledger.Hold(f.ctxA, x.ID, 60, "r1", "h-2")
	require.NoError(t, err)
	_, err = f.ledger.Debit(f.ctxA, x.ID, 50, "ref", "d-2")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	acc := f.balance(t, f.ctxA, x.ID)
	assert.Equal(t, int64(40), acc.Available)
	assert.Equal(t, int64(60), acc.Held)
	f.requireReconciled(t)
}

func TestLedger_ReleaseIsScopedToReference(t *testing.T) {
	f := newFixture(t)
	x := f.account(t, f.ctxA, 1000)

	_, err := f.ledger.Hold(f.ctxA, x.ID, 300, "r1", "h-r1")
	require.NoError(t, err)
	_, err = f.ledger.Hold(f.ctxA, x.ID, 200, "r2", "h-r2")
	require.NoError(t, err)

	_, err = f.ledger.Release(f.ctxA, x.ID, 400, "r1", "rel-r1-too-much")
	assert.ErrorIs(t, err, domain.ErrOverRelease)
	_, err = f.ledger.Release(f.ctxA, x.ID, 1, "r3", "rel-unknown")
	assert.ErrorIs(t, err, domain.ErrOverRelease)

	_, err = f.ledger.Release(f.ctxA, x.ID, 100, "r1", "rel-r1-partial")
	require.NoError(t, err)
	_, err = f.ledger.Release(f.ctxA, x.ID, 200, "r1", "rel-r1-rest")
	require.NoError(t, err)
	_, err = f.ledger.Release(f.ctxA, x.ID, 1, "r1", "rel-r1-empty")
	assert.ErrorIs(t, err, domain.ErrOverRelease)

	acc := f.balance(t, f.ctxA, x.ID)
	assert.Equal(t, int64(800), acc.Available)
	assert.Equal(t, int64(200), acc.Held)
	f.requireReconciled(t)
}

func TestLedger_StreamBucketIsSeparate(t *testing.T) {
	f := newFixture(t)
	x := f.account(t, f.ctxA, 500)

	_, err := f.ledger.HoldInStream(f.ctxA, x.ID, 200, "s1", "s-hold")
	require.NoError(t, err)
	_, err = f.ledger.Release(f.ctxA, x.ID, 1, "s1", "s-wrong-bucket")
	assert.ErrorIs(t, err, domain.ErrOverRelease)

	acc := f.balance(t, f.ctxA, x.ID)
	assert.Equal(t, int64(300), acc.Available)
	assert.Equal(t, int64(0), acc.Held)
	assert.Equal(t, int64(200), acc.InStreams)

	_, err = f.ledger.ReleaseFromStream(f.ctxA, x.ID, 200, "s1", "s-release")
	require.NoError(t, err)
	assert.True(t, f.balance(t, f.ctxA, x.ID).InStreams == 0)
	f.requireReconciled(t)
}

func TestLedger_PostIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	payer := f.account(t, f.ctxA, 50)
	payee := f.account(t, f.ctxA, 0)

	_, err := f.ledger.Post(f.ctxA,
		service.CreditOp(payee.ID, 80, "t1", "t1:payee"),
		service.DebitOp(payer.ID, 80, "t1", "t1:payer"),
	)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, int64(0), f.balance(t, f.ctxA, payee.ID).Available)
	assert.Equal(t, int64(50), f.balance(t, f.ctxA, payer.ID).Available)

	entries, err := f.ledger.Entries(f.ctxA, payee.ID, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLedger_PostReplaysOnlyWhenEveryKeyCommitted(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, f.ctxA, 100)
	b := f.account(t, f.ctxA, 0)

	ops := []service.Operation{
		service.DebitOp(a.ID, 40, "p", "p:debit"),
		service.CreditOp(b.ID, 40, "p", "p:credit"),
	}
	first, err := f.ledger.Post(f.ctxA, ops...)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	again, err := f.ledger.Post(f.ctxA, ops...)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Entries[1].ID, again.Entries[1].ID)

	_, err = f.ledger.Post(f.ctxA, ops[0], service.CreditOp(b.ID, 40, "p", "p:other"))
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)
	assert.Equal(t, int64(40), f.balance(t, f.ctxA, b.ID).Available)
}

func TestLedger_FailedCommitLeavesNoEntries(t *testing.T) {
	f := newFixture(t)
	x := f.account(t, f.ctxA, 100)

	f.store.FailNextCommit(errors.New("disk full"))
	_, err := f.ledger.Debit(f.ctxA, x.ID, 10, "ref", "d-fail")
	require.Error(t, err)
	assert.Equal(t, int64(100), f.balance(t, f.ctxA, x.ID).Available)

	// The same key commits once the store recovers.
	_, err = f.ledger.Debit(f.ctxA, x.ID, 10, "ref", "d-fail")
	require.NoError(t, err)
	assert.Equal(t, int64(90), f.balance(t, f.ctxA, x.ID).Available)
	f.requireReconciled(t)
}

func TestLedger_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	x := f.account(t, f.ctxA, 100)

	f.store.FailNextCommit(domain.ErrRetryable)
	_, err := f.ledger.Debit(f.ctxA, x.ID, 10, "ref", "d-retry")
	require.NoError(t, err)
	assert.Equal(t, int64(90), f.balance(t, f.ctxA, x.ID).Available)
}

func TestLedger_CrossTenantAccessDenied(t *testing.T) {
	f := newFixture(t)
	x := f.account(t, f.ctxA, 100)

	_, err := f.ledger.Debit(f.ctxB, x.ID, 10, "ref", "steal")
	assert.ErrorIs(t, err, domain.ErrCrossTenantAccessDenied)
	_, err = f.ledger.Account(f.ctxB, x.ID)
	assert.ErrorIs(t, err, domain.ErrCrossTenantAccessDenied)

	y := f.account(t, f.ctxB, 0)
	_, err = f.ledger.Post(f.ctxA,
		service.DebitOp(x.ID, 10, "mix", "mix:debit"),
		service.CreditOp(y.ID, 10, "mix", "mix:credit"),
	)
	assert.ErrorIs(t, err, domain.ErrCrossTenantAccessDenied)
	assert.Equal(t, int64(100), f.balance(t, f.ctxA, x.ID).Available)
}

func TestLedger_RequiresTenant(t *testing.T) {
	f := newFixture(t)
	x := f.account(t, f.ctxA, 100)

	_, err := f.ledger.Credit(context.Background(), x.ID, 1, "ref", "no-tenant")
	assert.ErrorIs(t, err, domain.ErrMissingTenant)
}

func TestLedger_CanceledContextTimesOut(t *testing.T) {
	f := newFixture(t)
	x := f.account(t, f.ctxA, 100)

	ctx, cancel := context.WithCancel(f.ctxA)
	cancel()
	_, err := f.ledger.Debit(ctx, x.ID, 10, "ref", "d-cancel")
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, int64(100), f.balance(t, f.ctxA, x.ID).Available)
}

type gatedStore struct {
	*memory.Store
	entered chan struct{}
	gate    chan struct{}
}

func (s *gatedStore) RunInTx(ctx context.Context, fn func(tx service.LedgerTx) error) error {
	s.entered <- struct{}{}
	<-s.gate
	return s.Store.RunInTx(ctx, fn)
}

func TestLedger_LockWaitHonoursDeadline(t *testing.T) {
	store := &gatedStore{Store: memory.NewStore(), entered: make(chan struct{}, 1), gate: make(chan struct{})}
	ledger := service.NewLedger(store, tenant.NewGuard(zap.NewNop()), nil, zap.NewNop())
	ctx := tenant.WithTenant(context.Background(), tenantA)
	acc, err := ledger.OpenAccount(ctx, service.OpenAccountRequest{Currency: usdc})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := ledger.Credit(ctx, acc.ID, 10, "ref", "slow")
		done <- err
	}()
	<-store.entered

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = ledger.Credit(waitCtx, acc.ID, 10, "ref", "blocked")
	assert.ErrorIs(t, err, domain.ErrTimeout)

	close(store.gate)
	require.NoError(t, <-done)
}

func TestLedger_CloseAccount(t *testing.T) {
	f := newFixture(t)
	x := f.account(t, f.ctxA, 100)

	err := f.ledger.CloseAccount(f.ctxA, x.ID)
	assert.ErrorIs(t, err, domain.ErrAccountNotEmpty)

	_, err = f.ledger.Debit(f.ctxA, x.ID, 100, "ref", "drain")
	require.NoError(t, err)
	require.NoError(t, f.ledger.CloseAccount(f.ctxA, x.ID))

	_, err = f.ledger.Account(f.ctxA, x.ID)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestLedger_EntriesArePaged(t *testing.T) {
	f := newFixture(t)
	x := f.account(t, f.ctxA, 0)
	for i := 0; i < 5; i++ {
		_, err := f.ledger.Credit(f.ctxA, x.ID, 1, "ref", "c-"+string(rune('0'+i)))
		require.NoError(t, err)
	}

	page, err := f.ledger.Entries(f.ctxA, x.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].Seq)
	assert.Equal(t, int64(4), page[1].Seq)
}
