package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ayo6706/payout-ledger/internal/app"
	"github.com/ayo6706/payout-ledger/internal/config"
	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/ayo6706/payout-ledger/internal/service"
	"github.com/ayo6706/payout-ledger/internal/tenant"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	return &config.Config{
		HTTPPort:          "0",
		LogLevel:          "error",
		SweepRatePerSec:   50,
		StreamConcurrency: 2,
		LedgerMaxAttempts: 4,
		IdempotencyTTL:    time.Hour,
		ConfigCacheTTL:    time.Minute,
	}
}

func TestBuild_InMemory(t *testing.T) {
	a, err := app.Build(context.Background(), testConfig(), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Ledger)
	assert.NotNil(t, a.Streams)
	assert.NotNil(t, a.Pipeline)
	assert.Empty(t, a.Deps)

	report, err := a.Recon.Run(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, report.Balanced())
	assert.Zero(t, report.Accounts)

	a.Close()
}

func TestBuild_RedisUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.RedisURL = "redis://127.0.0.1:1"
	_, err := app.Build(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect redis")
}

func TestPipelineEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisURL = "redis://" + mr.Addr()

	a, err := app.Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.Contains(t, a.Deps, "redis")

	ctx := tenant.WithTenant(context.Background(), "tenant-a")
	open := func(owner string) *models.Account {
		acc, err := a.Ledger.OpenAccount(ctx, service.OpenAccountRequest{OwnerType: owner, Currency: "USDC"})
		require.NoError(t, err)
		return acc
	}
	payer, payee, fee := open(domain.OwnerAgentWallet), open(domain.OwnerBusiness), open(domain.OwnerFee)
	_, err = a.Ledger.Credit(ctx, payer.ID, 10_000_000, "deposit", "deposit:1")
	require.NoError(t, err)

	_, err = a.Settlement.UpdateConfig(ctx, models.SettlementConfig{
		FeeType:      domain.FeeTypePercentage,
		Rate:         decimal.RequireFromString("0.01"),
		Currencies:   []string{"USDC"},
		FeeAccountID: fee.ID,
	})
	require.NoError(t, err)
	require.NoError(t, a.Directory.Register(ctx, models.DirectoryEntry{TenantID: "tenant-a", Kind: domain.DirectoryWallet, ExternalID: "0xpayer", AccountID: payer.ID}))
	require.NoError(t, a.Directory.Register(ctx, models.DirectoryEntry{TenantID: "tenant-a", Kind: domain.DirectoryEndpoint, ExternalID: "weather-api", AccountID: payee.ID}))

	confirmation := service.MicropaymentConfirmation{
		EndpointID:  "weather-api",
		PaymentID:   "pay_1",
		PayerWallet: "0xpayer",
		Amount:      "2.5",
		Currency:    "usdc",
	}
	res, err := a.Pipeline.Process(ctx, confirmation)
	require.NoError(t, err)
	assert.Equal(t, int64(25_000), res.FeeAmount)
	assert.Equal(t, int64(2_475_000), res.NetAmount)
	assert.False(t, res.Replayed)

	again, err := a.Pipeline.Process(ctx, confirmation)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, res.TransferID, again.TransferID)

	got, err := a.Ledger.Account(ctx, payer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7_500_000), got.Available)
	got, err = a.Ledger.Account(ctx, fee.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25_000), got.Available)

	report, err := a.Recon.Run(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.True(t, report.Balanced())
	assert.Equal(t, 3, report.Accounts)
}
