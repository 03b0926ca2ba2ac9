package service_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/idempotency"
	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettle_ReplayCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t)
	f.settlement.WithReplayCache(idempotency.NewStore(client, time.Hour))
	f.configure(t, f.ctxA, domain.FeeTypeFixed, "0", 250_000)
	payer := f.account(t, f.ctxA, 10_000_000)
	payee := f.account(t, f.ctxA, 0)

	ev := models.PaymentEvent{
		Protocol:       domain.ProtocolMicropayment,
		PayerAccountID: payer.ID,
		PayeeAccountID: payee.ID,
		Amount:         1_000_000,
		Currency:       usdc,
		IdempotencyKey: "micropayment:ep:1",
	}
	first, err := f.settlement.Settle(f.ctxA, ev)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Len(t, mr.Keys(), 1)

	cached, err := f.settlement.Settle(f.ctxA, ev)
	require.NoError(t, err)
	assert.True(t, cached.Replayed)
	assert.Equal(t, first.TransferID, cached.TransferID)
	assert.Equal(t, int64(750_000), cached.NetAmount)

	// Losing the cache falls back to the ledger's own replay.
	mr.FlushAll()
	fromLedger, err := f.settlement.Settle(f.ctxA, ev)
	require.NoError(t, err)
	assert.True(t, fromLedger.Replayed)
	assert.Equal(t, first.FeeAmount, fromLedger.FeeAmount)
	assert.Len(t, mr.Keys(), 1)

	assert.Equal(t, int64(9_000_000), f.balance(t, f.ctxA, payer.ID).Available)
	assert.Len(t, f.publisher.Settlements(), 1)
	f.requireReconciled(t)
}
