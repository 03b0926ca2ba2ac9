package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, time.Hour), mr
}

func TestStore_SaveAndLookup(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	res := models.SettlementResult{
		TransferID:     uuid.New(),
		TenantID:       "tenant-a",
		Protocol:       domain.ProtocolCheckout,
		Amount:         100_000_000,
		FeeAmount:      2_900_000,
		NetAmount:      97_100_000,
		Status:         domain.SettlementStatusCompleted,
		IdempotencyKey: "checkout:chk_1",
		Replayed:       true,
	}
	store.Save(ctx, res)

	got, err := store.Lookup(ctx, "tenant-a", "checkout:chk_1")
	require.NoError(t, err)
	assert.Equal(t, res.TransferID, got.TransferID)
	assert.Equal(t, int64(2_900_000), got.FeeAmount)
	assert.False(t, got.Replayed)
}

func TestStore_LookupIsTenantScoped(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	store.Save(ctx, models.SettlementResult{TenantID: "tenant-a", IdempotencyKey: "k"})

	_, err := store.Lookup(ctx, "tenant-b", "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Expires(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	store.Save(ctx, models.SettlementResult{TenantID: "t", IdempotencyKey: "k"})

	mr.FastForward(2 * time.Hour)
	_, err := store.Lookup(ctx, "t", "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_NilRedisIsMiss(t *testing.T) {
	store := NewStore(nil, 0)
	store.Save(context.Background(), models.SettlementResult{TenantID: "t", IdempotencyKey: "k"})
	_, err := store.Lookup(context.Background(), "t", "k")
	assert.ErrorIs(t, err, ErrNotFound)
}
