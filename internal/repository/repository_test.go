package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ayo6706/payout-ledger/internal/db"
	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/events"
	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/ayo6706/payout-ledger/internal/service"
	"github.com/ayo6706/payout-ledger/internal/tenant"
	"github.com/ayo6706/payout-ledger/internal/testutil/dblock"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func init() {
	_ = godotenv.Load("../../.env") // Load from root
}

func openStore(t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("Skipping integration test: DATABASE_URL not set")
	}
	dblock.Acquire(t)

	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx, dbURL))
	pool, err := db.Connect(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewStore(pool)
}

func TestPostgresLedger_SettlementAndReplay(t *testing.T) {
	store := openStore(t)
	logger := zap.NewNop()
	ledger := service.NewLedger(store, tenant.NewGuard(logger), events.NewMemoryPublisher(), logger)
	settlement := service.NewSettlementService(ledger, store, nil, logger)

	tenantID := "it-" + uuid.NewString()[:8]
	ctx := tenant.WithTenant(context.Background(), tenantID)

	open := func(owner string) *models.Account {
		acc, err := ledger.OpenAccount(ctx, service.OpenAccountRequest{OwnerType: owner, Currency: "USDC"})
		require.NoError(t, err)
		return acc
	}
	payer, payee, fee := open(domain.OwnerAgentWallet), open(domain.OwnerBusiness), open(domain.OwnerFee)
	_, err := ledger.Credit(ctx, payer.ID, 100_000_000, "seed", "seed:"+payer.ID.String())
	require.NoError(t, err)

	_, err = settlement.UpdateConfig(ctx, models.SettlementConfig{
		FeeType:      domain.FeeTypePercentage,
		Rate:         decimal.RequireFromString("0.029"),
		Currencies:   []string{"USDC"},
		FeeAccountID: fee.ID,
	})
	require.NoError(t, err)

	ev := models.PaymentEvent{
		Protocol:       domain.ProtocolCheckout,
		PayerAccountID: payer.ID,
		PayeeAccountID: payee.ID,
		Amount:         100_000_000,
		Currency:       "USDC",
		IdempotencyKey: "checkout:" + uuid.NewString(),
	}
	first, err := settlement.Settle(ctx, ev)
	require.NoError(t, err)
	second, err := settlement.Settle(ctx, ev)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.FeeAmount, second.FeeAmount)

	got, err := ledger.Account(ctx, payee.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(97_100_000), got.Available)

	_, err = settlement.Settle(ctx, models.PaymentEvent{
		Protocol: domain.ProtocolCheckout, PayerAccountID: payer.ID, PayeeAccountID: payee.ID,
		Amount: 1, Currency: "USDC", IdempotencyKey: "checkout:" + uuid.NewString(),
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	report, err := service.NewReconciliationService(store).Run(context.Background(), tenantID)
	require.NoError(t, err)
	assert.True(t, report.Balanced(), "%+v", report.Imbalances)
}

func TestPostgresLedger_ConcurrentHoldsNeverOverdraw(t *testing.T) {
	store := openStore(t)
	logger := zap.NewNop()
	ledger := service.NewLedger(store, tenant.NewGuard(logger), nil, logger)
	ctx := tenant.WithTenant(context.Background(), "it-"+uuid.NewString()[:8])

	acc, err := ledger.OpenAccount(ctx, service.OpenAccountRequest{OwnerType: domain.OwnerBusiness, Currency: "USDC"})
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, acc.ID, 1_000, "seed", "seed:"+acc.ID.String())
	require.NoError(t, err)

	var g errgroup.Group
	results := make([]error, 20)
	for i := range results {
		g.Go(func() error {
			_, results[i] = ledger.Hold(ctx, acc.ID, 100, "order:"+uuid.NewString(), uuid.NewString())
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var ok int
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	}
	assert.Equal(t, 10, ok)

	got, err := ledger.Account(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Available)
	assert.Equal(t, int64(1_000), got.Held)
}

func TestPostgresStreams_DueListing(t *testing.T) {
	store := openStore(t)
	logger := zap.NewNop()
	ledger := service.NewLedger(store, tenant.NewGuard(logger), nil, logger)
	ctx := tenant.WithTenant(context.Background(), "it-"+uuid.NewString()[:8])

	src, err := ledger.OpenAccount(ctx, service.OpenAccountRequest{OwnerType: domain.OwnerAgentWallet, Currency: "USDC"})
	require.NoError(t, err)
	dst, err := ledger.OpenAccount(ctx, service.OpenAccountRequest{OwnerType: domain.OwnerBusiness, Currency: "USDC"})
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, src.ID, 10_000, "seed", "seed:"+src.ID.String())
	require.NoError(t, err)

	start := time.Now().Add(-time.Hour).UTC().Truncate(time.Microsecond)
	engine := service.NewStreamEngine(ledger, store, logger).WithClock(func() time.Time { return start })
	st, err := engine.Open(ctx, service.OpenStreamRequest{
		SourceAccountID: src.ID,
		DestAccountID:   dst.ID,
		FlowRate:        models.FlowRate{Amount: 60, Interval: time.Hour},
		FundedAmount:    1_000,
		IdempotencyKey:  uuid.NewString(),
	})
	require.NoError(t, err)

	loaded, err := store.GetStream(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, loaded.FlowRate.Interval)
	assert.Equal(t, domain.StreamStatusActive, loaded.Status)

	due, err := store.ListDueStreams(context.Background(), time.Now().Add(-time.Minute), 0)
	require.NoError(t, err)
	var found bool
	for _, d := range due {
		found = found || d.ID == st.ID
	}
	assert.True(t, found)

	byAccount, err := store.ListStreamsByAccount(context.Background(), dst.ID)
	require.NoError(t, err)
	require.Len(t, byAccount, 1)
}
