package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/events"
	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/ayo6706/payout-ledger/internal/repository/memory"
	"github.com/ayo6706/payout-ledger/internal/service"
	"github.com/ayo6706/payout-ledger/internal/tenant"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	tenantA = "tenant-a"
	tenantB = "tenant-b"
	usdc    = "USDC"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store      *memory.Store
	publisher  *events.MemoryPublisher
	clock      *fakeClock
	ledger     *service.Ledger
	streams    *service.StreamEngine
	settlement *service.SettlementService
	recon      *service.ReconciliationService
	ctxA       context.Context
	ctxB       context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	pub := events.NewMemoryPublisher()
	clock := newFakeClock()
	logger := zap.NewNop()

	ledger := service.NewLedger(store, tenant.NewGuard(logger), pub, logger).WithClock(clock.Now)
	return &fixture{
		store:      store,
		publisher:  pub,
		clock:      clock,
		ledger:     ledger,
		streams:    service.NewStreamEngine(ledger, store, logger).WithClock(clock.Now),
		settlement: service.NewSettlementService(ledger, store, pub, logger).WithClock(clock.Now),
		recon:      service.NewReconciliationService(store),
		ctxA:       tenant.WithTenant(context.Background(), tenantA),
		ctxB:       tenant.WithTenant(context.Background(), tenantB),
	}
}

// account opens an account for the tenant in ctx and funds it with balance.
func (f *fixture) account(t *testing.T, ctx context.Context, balance int64) *models.Account {
	t.Helper()
	acc, err := f.ledger.OpenAccount(ctx, service.OpenAccountRequest{OwnerType: domain.OwnerBusiness, Currency: usdc})
	require.NoError(t, err)
	if balance > 0 {
		_, err = f.ledger.Credit(ctx, acc.ID, balance, "seed", "seed:"+acc.ID.String())
		require.NoError(t, err)
	}
	return acc
}

func (f *fixture) balance(t *testing.T, ctx context.Context, id uuid.UUID) *models.Account {
	t.Helper()
	acc, err := f.ledger.Account(ctx, id)
	require.NoError(t, err)
	return acc
}

// configure installs a settlement config whose fee account belongs to the tenant in ctx.
func (f *fixture) configure(t *testing.T, ctx context.Context, feeType, rate string, flat int64) *models.Account {
	t.Helper()
	feeAcc, err := f.ledger.OpenAccount(ctx, service.OpenAccountRequest{OwnerType: domain.OwnerFee, Currency: usdc})
	require.NoError(t, err)
	_, err = f.settlement.UpdateConfig(ctx, models.SettlementConfig{
		FeeType:      feeType,
		Rate:         decimal.RequireFromString(rate),
		FlatAmount:   flat,
		Currencies:   []string{usdc},
		FeeAccountID: feeAcc.ID,
	})
	require.NoError(t, err)
	return feeAcc
}

func (f *fixture) requireReconciled(t *testing.T) {
	t.Helper()
	report, err := f.recon.Run(context.Background(), "")
	require.NoError(t, err)
	require.True(t, report.Balanced(), "imbalances: %+v", report.Imbalances)
}
