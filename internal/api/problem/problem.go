package problem

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ayo6706/payout-ledger/internal/domain"
)

const contentType = "application/problem+json"
const baseTypeURL = "https://errors.payout-ledger.dev/"

// Details represents RFC 7807 Problem Details.
type Details struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	Instance  string `json:"instance"`
	RequestID string `json:"request_id"`
}

func Type(slug string) string {
	return baseTypeURL + slug
}

// Write sends RFC 7807-compliant errors.
func Write(w http.ResponseWriter, r *http.Request, status int, problemType, title, detail string) {
	if title == "" {
		title = http.StatusText(status)
	}
	if problemType == "" {
		problemType = "about:blank"
	}
	instance := ""
	requestID := ""
	if r != nil {
		instance = r.URL.Path
		requestID = r.Header.Get("X-Trace-ID")
	}
	if requestID == "" {
		requestID = w.Header().Get("X-Trace-ID")
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Details{
		Type:      problemType,
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  instance,
		RequestID: requestID,
	})
}

type mapping struct {
	target error
	status int
	slug   string
}

// Checked in order; the first match wins.
var mappings = []mapping{
	{domain.ErrMissingTenant, http.StatusUnauthorized, "missing-tenant"},
	{domain.ErrCrossTenantAccessDenied, http.StatusNotFound, "not-found"},
	{domain.ErrAccountNotFound, http.StatusNotFound, "account-not-found"},
	{domain.ErrStreamNotFound, http.StatusNotFound, "stream-not-found"},
	{domain.ErrUnresolvedAccount, http.StatusNotFound, "unresolved-account"},
	{domain.ErrInvalidAmount, http.StatusBadRequest, "invalid-amount"},
	{domain.ErrInvalidEvent, http.StatusBadRequest, "invalid-event"},
	{domain.ErrInvalidFlowRate, http.StatusBadRequest, "invalid-flow-rate"},
	{domain.ErrMissingKey, http.StatusBadRequest, "missing-idempotency-key"},
	{domain.ErrUnsupportedCurrency, http.StatusUnprocessableEntity, "unsupported-currency"},
	{domain.ErrCurrencyMismatch, http.StatusUnprocessableEntity, "currency-mismatch"},
	{domain.ErrInvalidFeeConfig, http.StatusUnprocessableEntity, "invalid-fee-config"},
	{domain.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient-funds"},
	{domain.ErrOverRelease, http.StatusUnprocessableEntity, "over-release"},
	{domain.ErrIdempotencyConflict, http.StatusConflict, "idempotency-conflict"},
	{domain.ErrInvalidStreamTransition, http.StatusConflict, "invalid-stream-transition"},
	{domain.ErrAccountNotEmpty, http.StatusConflict, "account-not-empty"},
	{domain.ErrTimeout, http.StatusServiceUnavailable, "timeout"},
	{domain.ErrRetryable, http.StatusServiceUnavailable, "retryable"},
}

// Status returns the HTTP status and problem type slug for err.
func Status(err error) (int, string) {
	for _, m := range mappings {
		if errors.Is(err, m.target) {
			return m.status, m.slug
		}
	}
	return http.StatusInternalServerError, "internal-server-error"
}

// WriteError maps a ledger error to a problem response. Cross-tenant denials
// are reported as not found so that foreign IDs cannot be probed. Internal
// errors never leak their message.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, slug := Status(err)
	detail := err.Error()
	switch {
	case status == http.StatusInternalServerError:
		detail = "unexpected server error"
	case errors.Is(err, domain.ErrCrossTenantAccessDenied):
		detail = "resource not found"
	}
	Write(w, r, status, Type(slug), "", detail)
}
