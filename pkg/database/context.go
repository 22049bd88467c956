package database

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	// TenantScopeKey is the context key for storing the tenant-scoped database connection.
	TenantScopeKey contextKey = "tenantScope"
)

// GetTenantScope retrieves the tenant-scoped database connection from context.
// Returns nil and false if not present.
func GetTenantScope(ctx context.Context) (*TenantScope, bool) {
	scope, ok := ctx.Value(TenantScopeKey).(*TenantScope)
	return scope, ok
}

// SetTenantScope stores the tenant-scoped database connection in context.
func SetTenantScope(ctx context.Context, scope *TenantScope) context.Context {
	return context.WithValue(ctx, TenantScopeKey, scope)
}

// ScopeProvider creates project-scoped contexts for work that does not run
// inside an HTTP request, such as live-collaboration messages.
type ScopeProvider interface {
	WithTenantScope(ctx context.Context, projectID uuid.UUID) (context.Context, func(), error)
}

// TenantScopeProvider creates tenant-scoped contexts for database operations.
type TenantScopeProvider struct {
	db *DB
}

// NewTenantScopeProvider creates a TenantScopeProvider for the given database.
func NewTenantScopeProvider(db *DB) *TenantScopeProvider {
	return &TenantScopeProvider{db: db}
}

// WithTenantScope returns a context with tenant scope set for the given project.
// The cleanup function must be called when the scope is no longer needed.
func (p *TenantScopeProvider) WithTenantScope(ctx context.Context, projectID uuid.UUID) (context.Context, func(), error) {
	scope, err := p.db.WithTenant(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	tenantCtx := SetTenantScope(ctx, scope)
	return tenantCtx, func() { scope.Close() }, nil
}

// NoopScopeProvider returns the context unchanged. Used with the in-memory store.
type NoopScopeProvider struct{}

// WithTenantScope implements ScopeProvider.
func (NoopScopeProvider) WithTenantScope(ctx context.Context, _ uuid.UUID) (context.Context, func(), error) {
	return ctx, func() {}, nil
}

var (
	_ ScopeProvider = (*TenantScopeProvider)(nil)
	_ ScopeProvider = NoopScopeProvider{}
)
