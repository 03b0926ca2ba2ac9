package api

import (
	"net/http"

	"github.com/ayo6706/payout-ledger/internal/api/handler"
	"github.com/ayo6706/payout-ledger/internal/api/middleware"
	"github.com/ayo6706/payout-ledger/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Router assembles the operations HTTP surface.
type Router struct {
	health     *handler.HealthHandler
	ledger     *service.Ledger
	recon      *service.ReconciliationService
	settlement *service.SettlementService
	streams    *service.StreamEngine
	logger     *zap.Logger
}

func NewRouter(
	deps map[string]handler.Pinger,
	ledger *service.Ledger,
	recon *service.ReconciliationService,
	settlement *service.SettlementService,
	streams *service.StreamEngine,
	logger *zap.Logger,
) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		health:     handler.NewHealthHandler(deps),
		ledger:     ledger,
		recon:      recon,
		settlement: settlement,
		streams:    streams,
		logger:     logger,
	}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)

	r.Get("/healthz", api.health.Live)
	r.Get("/readyz", api.health.Ready)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	ops := handler.NewOpsHandler(api.ledger, api.recon, api.settlement, api.streams)
	r.Route("/ops", func(r chi.Router) {
		r.Get("/reconciliation", ops.Reconcile)

		// Tenant-scoped
		r.Group(func(r chi.Router) {
			r.Use(middleware.TenantMiddleware)
			r.Get("/fees/preview", ops.PreviewFee)
			r.Get("/streams/{id}/projection", ops.StreamProjection)
			r.Get("/accounts/{id}/projection", ops.AccountProjection)
			r.Get("/accounts/{id}/entries", ops.AccountStatement)
		})
	})

	return r
}
