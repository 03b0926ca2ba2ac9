// Package tenant carries the authenticated tenant through a request and
// guards every account access against it.
package tenant

import (
	"context"
	"fmt"
	"strings"

	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/observability"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey struct{}

// WithTenant returns a context scoped to tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, contextKey{}, strings.TrimSpace(tenantID))
}

// FromContext returns the tenant bound to ctx or ErrMissingTenant.
func FromContext(ctx context.Context) (string, error) {
	if ctx == nil {
		return "", domain.ErrMissingTenant
	}
	id, ok := ctx.Value(contextKey{}).(string)
	if !ok || id == "" {
		return "", domain.ErrMissingTenant
	}
	return id, nil
}

// Owned is anything that belongs to exactly one tenant.
type Owned interface {
	OwnerTenant() string
}

// AccountRef identifies an owned account for guard checks.
type AccountRef struct {
	TenantID  string
	AccountID uuid.UUID
}

// OwnerTenant implements Owned.
func (r AccountRef) OwnerTenant() string { return r.TenantID }

// Guard rejects operations whose target belongs to a tenant other than the caller's.
type Guard struct {
	logger *zap.Logger
}

// NewGuard builds a guard that reports denials on logger.
func NewGuard(logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{logger: logger}
}

// Authorize checks that target is owned by the tenant bound to ctx.
func (g *Guard) Authorize(ctx context.Context, target Owned, resource string) error {
	caller, err := FromContext(ctx)
	if err != nil {
		return err
	}
	if target.OwnerTenant() != caller {
		observability.IncrementCrossTenantDenied(resource)
		g.logger.Warn("security: cross-tenant access denied",
			zap.String("caller_tenant", caller),
			zap.String("owner_tenant", target.OwnerTenant()),
			zap.String("resource", resource),
		)
		return fmt.Errorf("%s: %w", resource, domain.ErrCrossTenantAccessDenied)
	}
	return nil
}
