package handler

import (
	"net/http"
	"strconv"

	"github.com/ayo6706/payout-ledger/internal/api/problem"
	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/service"
)

// OpsHandler serves read-only operator views of the ledger. None of them
// mutate balances.
type OpsHandler struct {
	ledger     *service.Ledger
	recon      *service.ReconciliationService
	settlement *service.SettlementService
	streams    *service.StreamEngine
}

func NewOpsHandler(ledger *service.Ledger, recon *service.ReconciliationService, settlement *service.SettlementService, streams *service.StreamEngine) *OpsHandler {
	return &OpsHandler{ledger: ledger, recon: recon, settlement: settlement, streams: streams}
}

// Reconcile runs a reconciliation pass, optionally limited to ?tenant_id=.
// Drift is reported in the body with status 200; the pass itself failing is
// an error.
func (h *OpsHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.recon.Run(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		problem.WriteError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{
		"balanced":   report.Balanced(),
		"accounts":   report.Accounts,
		"entries":    report.Entries,
		"imbalances": report.Imbalances,
	})
}

// PreviewFee quotes ?amount= (decimal units) in ?currency= for the caller's
// tenant.
func (h *OpsHandler) PreviewFee(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := domain.ParseAmount(q.Get("amount"))
	if err != nil {
		problem.WriteError(w, r, err)
		return
	}
	quote, err := h.settlement.Preview(r.Context(), amount, q.Get("currency"))
	if err != nil {
		problem.WriteError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, quote)
}

func (h *OpsHandler) StreamProjection(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	proj, err := h.streams.Projection(r.Context(), id)
	if err != nil {
		problem.WriteError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, proj)
}

func (h *OpsHandler) AccountProjection(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	proj, err := h.streams.AccountProjection(r.Context(), id)
	if err != nil {
		problem.WriteError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, proj)
}

// AccountStatement pages through an account's entries with ?page= and
// ?page_size=.
func (h *OpsHandler) AccountStatement(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	acc, err := h.ledger.Account(r.Context(), id)
	if err != nil {
		problem.WriteError(w, r, err)
		return
	}
	entries, err := h.ledger.Entries(r.Context(), id, page, pageSize)
	if err != nil {
		problem.WriteError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{
		"account": acc,
		"entries": entries,
	})
}
