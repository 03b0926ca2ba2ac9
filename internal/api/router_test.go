package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ayo6706/payout-ledger/internal/api"
	"github.com/ayo6706/payout-ledger/internal/api/handler"
	"github.com/ayo6706/payout-ledger/internal/api/problem"
	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/ayo6706/payout-ledger/internal/observability"
	"github.com/ayo6706/payout-ledger/internal/repository/memory"
	"github.com/ayo6706/payout-ledger/internal/service"
	"github.com/ayo6706/payout-ledger/internal/tenant"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type opsFixture struct {
	server    *httptest.Server
	ledger    *service.Ledger
	streams   *service.StreamEngine
	ctx       context.Context
	redisDown atomic.Bool
}

func newOpsFixture(t *testing.T) *opsFixture {
	t.Helper()
	observability.Init()
	store := memory.NewStore()
	logger := zap.NewNop()
	ledger := service.NewLedger(store, tenant.NewGuard(logger), nil, logger)
	settlement := service.NewSettlementService(ledger, store, nil, logger)
	streams := service.NewStreamEngine(ledger, store, logger)

	f := &opsFixture{ledger: ledger, streams: streams, ctx: tenant.WithTenant(context.Background(), "tenant-a")}
	deps := map[string]handler.Pinger{
		"redis": handler.PingFunc(func(context.Context) error {
			if f.redisDown.Load() {
				return errors.New("connection refused")
			}
			return nil
		}),
	}
	router := api.NewRouter(deps, ledger, service.NewReconciliationService(store), settlement, streams, logger)
	f.server = httptest.NewServer(router.Routes())
	t.Cleanup(f.server.Close)

	feeAcc, err := ledger.OpenAccount(f.ctx, service.OpenAccountRequest{OwnerType: domain.OwnerFee, Currency: "USDC"})
	require.NoError(t, err)
	_, err = settlement.UpdateConfig(f.ctx, models.SettlementConfig{
		FeeType:      domain.FeeTypePercentage,
		Rate:         decimal.RequireFromString("0.029"),
		Currencies:   []string{"USDC"},
		FeeAccountID: feeAcc.ID,
	})
	require.NoError(t, err)
	return f
}

func (f *opsFixture) get(t *testing.T, path, tenantID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	require.NoError(t, err)
	if tenantID != "" {
		req.Header.Set("X-Tenant-ID", tenantID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthAndMetrics(t *testing.T) {
	f := newOpsFixture(t)

	resp := f.get(t, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))

	resp = f.get(t, "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.redisDown.Store(true)
	resp = f.get(t, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var p problem.Details
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	assert.Equal(t, "redis unavailable", p.Detail)

	resp = f.get(t, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPreviewFee(t *testing.T) {
	f := newOpsFixture(t)

	resp := f.get(t, "/ops/fees/preview?amount=100&currency=usdc", "tenant-a")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var quote models.FeeQuote
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&quote))
	assert.Equal(t, int64(2_900_000), quote.Fee)
	assert.Equal(t, int64(97_100_000), quote.Net)

	resp = f.get(t, "/ops/fees/preview?amount=100&currency=USDC", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.get(t, "/ops/fees/preview?amount=-1&currency=USDC", "tenant-a")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.get(t, "/ops/fees/preview?amount=1&currency=EURC", "tenant-a")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestStreamProjection_TenantScoped(t *testing.T) {
	f := newOpsFixture(t)
	src, err := f.ledger.OpenAccount(f.ctx, service.OpenAccountRequest{OwnerType: domain.OwnerAgentWallet, Currency: "USDC"})
	require.NoError(t, err)
	dst, err := f.ledger.OpenAccount(f.ctx, service.OpenAccountRequest{OwnerType: domain.OwnerBusiness, Currency: "USDC"})
	require.NoError(t, err)
	_, err = f.ledger.Credit(f.ctx, src.ID, 1_000, "seed", "seed:"+src.ID.String())
	require.NoError(t, err)
	st, err := f.streams.Open(f.ctx, service.OpenStreamRequest{
		SourceAccountID: src.ID,
		DestAccountID:   dst.ID,
		FlowRate:        models.FlowRate{Amount: 60, Interval: time.Hour},
		FundedAmount:    1_000,
		IdempotencyKey:  "ops-stream",
	})
	require.NoError(t, err)

	resp := f.get(t, "/ops/streams/"+st.ID.String()+"/projection", "tenant-a")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var proj service.StreamProjection
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&proj))
	assert.Equal(t, domain.StreamStatusActive, proj.Status)

	resp = f.get(t, "/ops/streams/"+st.ID.String()+"/projection", "tenant-b")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.get(t, "/ops/accounts/not-a-uuid/projection", "tenant-a")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.get(t, "/ops/accounts/"+dst.ID.String()+"/projection", "tenant-a")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReconcileEndpoint(t *testing.T) {
	f := newOpsFixture(t)
	resp := f.get(t, "/ops/reconciliation?tenant_id=tenant-a", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["balanced"])
	assert.Equal(t, float64(1), body["accounts"])
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json"))
}

func TestAccountStatement(t *testing.T) {
	f := newOpsFixture(t)
	acc, err := f.ledger.OpenAccount(f.ctx, service.OpenAccountRequest{OwnerType: domain.OwnerBusiness, Currency: "USDC"})
	require.NoError(t, err)
	for i, key := range []string{"c1", "c2", "c3"} {
		_, err := f.ledger.Credit(f.ctx, acc.ID, int64(100*(i+1)), "seed", key)
		require.NoError(t, err)
	}

	resp := f.get(t, "/ops/accounts/"+acc.ID.String()+"/entries?page=2&page_size=2", "tenant-a")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Account models.Account       `json:"account"`
		Entries []models.LedgerEntry `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, int64(600), body.Account.Available)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "c3", body.Entries[0].IdempotencyKey)

	resp = f.get(t, "/ops/accounts/"+acc.ID.String()+"/entries", "tenant-b")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
