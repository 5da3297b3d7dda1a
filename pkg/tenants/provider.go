package tenants

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a tenant or preference row does not exist.
var ErrNotFound = errors.New("tenants: not found")

// Directory is the agents' read-side view of the tenant roster. Snapshots
// are fetched fresh per cycle; the roster may change underneath an agent.
type Directory interface {
	// Active tenants with linked broker credentials, ordered by tenant
	// creation time for deterministic cycle order.
	ListAuthRecords(ctx context.Context) ([]AuthRecord, error)
	// Tenants with linked credentials for the streaming agent, same order.
	ListTickerConfigs(ctx context.Context) ([]TickerConfig, error)
	GetTenant(ctx context.Context, id uuid.UUID) (Tenant, error)
	// Enabled notification preference for (tenant, user); ErrNotFound when
	// absent or disabled.
	GetPreference(ctx context.Context, tenantID, userID uuid.UUID) (Preference, error)
}
