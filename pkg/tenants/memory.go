// pkg/tenants/memory.go
package tenants

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryDirectory is an in-memory Directory for dev and tests.
type MemoryDirectory struct {
	mu      sync.RWMutex
	tenants map[uuid.UUID]Tenant
	creds   map[uuid.UUID]AuthRecord  // keyed by tenant id (one credential set per tenant)
	prefs   map[[2]uuid.UUID]Preference
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		tenants: map[uuid.UUID]Tenant{},
		creds:   map[uuid.UUID]AuthRecord{},
		prefs:   map[[2]uuid.UUID]Preference{},
	}
}

func (m *MemoryDirectory) AddTenant(t Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = t
}

func (m *MemoryDirectory) AddCredential(r AuthRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[r.TenantID] = r
}

func (m *MemoryDirectory) AddPreference(p Preference) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[[2]uuid.UUID{p.TenantID, p.UserID}] = p
}

// orderedTenants returns tenants by creation time, matching the Postgres
// directory's deterministic cycle order.
func (m *MemoryDirectory) orderedTenants() []Tenant {
	out := make([]Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryDirectory) ListAuthRecords(ctx context.Context) ([]AuthRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AuthRecord
	for _, t := range m.orderedTenants() {
		if !t.Active {
			continue
		}
		if r, ok := m.creds[t.ID]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryDirectory) ListTickerConfigs(ctx context.Context) ([]TickerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TickerConfig
	for _, t := range m.orderedTenants() {
		if !t.Active {
			continue
		}
		if r, ok := m.creds[t.ID]; ok {
			out = append(out, TickerConfig{TenantID: r.TenantID, APIKeyEncrypted: r.APIKeyEncrypted})
		}
	}
	return out, nil
}

func (m *MemoryDirectory) GetTenant(ctx context.Context, id uuid.UUID) (Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tenants[id]; ok {
		return t, nil
	}
	return Tenant{}, ErrNotFound
}

func (m *MemoryDirectory) GetPreference(ctx context.Context, tenantID, userID uuid.UUID) (Preference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.prefs[[2]uuid.UUID{tenantID, userID}]; ok && p.Enabled {
		return p, nil
	}
	return Preference{}, ErrNotFound
}
