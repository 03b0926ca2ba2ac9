package middleware

import (
	"net/http"
	"strings"

	"github.com/ayo6706/payout-ledger/internal/api/problem"
	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/tenant"
)

// TenantHeader carries the caller's tenant on tenant-scoped ops routes.
const TenantHeader = "X-Tenant-ID"

// TenantMiddleware binds the tenant named in the X-Tenant-ID header to the
// request context. Requests without one are rejected before any handler runs.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(TenantHeader))
		if tenantID == "" {
			problem.WriteError(w, r, domain.ErrMissingTenant)
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.WithTenant(r.Context(), tenantID)))
	})
}
