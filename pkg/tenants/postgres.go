// pkg/tenants/postgres.go
package tenants

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgDirectory implements Directory backed by PostgreSQL.
type pgDirectory struct {
	dbPool *pgxpool.Pool
	log    *zap.SugaredLogger
}

// NewPostgresDirectory constructs a PostgreSQL-backed tenant directory.
func NewPostgresDirectory(dbPool *pgxpool.Pool, log *zap.SugaredLogger) Directory {
	return &pgDirectory{dbPool: dbPool, log: log}
}

// EnsureSchema creates required tables if they do not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tenants (
  id uuid PRIMARY KEY,
  org_id text UNIQUE NOT NULL,
  subscription_tier text NOT NULL DEFAULT 'free',
  is_active boolean NOT NULL DEFAULT true,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS broker_credentials (
  id uuid PRIMARY KEY,
  tenant_id uuid NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
  user_id uuid NOT NULL,
  api_key_encrypted text NOT NULL,
  api_secret_encrypted text NOT NULL,
  totp_secret_encrypted text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW(),
  UNIQUE (tenant_id, user_id)
);
CREATE TABLE IF NOT EXISTS notification_preferences (
  id uuid PRIMARY KEY,
  tenant_id uuid NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
  user_id uuid NOT NULL,
  channel text NOT NULL DEFAULT 'email',
  destination text NOT NULL,
  is_enabled boolean NOT NULL DEFAULT true,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW(),
  UNIQUE (tenant_id, user_id)
);
CREATE INDEX IF NOT EXISTS ix_broker_credentials_tenant_id ON broker_credentials (tenant_id);
CREATE INDEX IF NOT EXISTS ix_notification_preferences_tenant_id ON notification_preferences (tenant_id);
CREATE INDEX IF NOT EXISTS ix_tenants_is_active ON tenants (is_active);
`)
	return err
}

// SeedFromEnv inserts dev tenants/credentials from a JSON blob. No-op when
// the blob is empty.
func SeedFromEnv(ctx context.Context, dbPool *pgxpool.Pool, seed string) error {
	if seed == "" {
		return nil
	}
	var entries []struct {
		ID                  string `json:"id"`
		OrgID               string `json:"org_id"`
		UserID              string `json:"user_id"`
		APIKeyEncrypted     string `json:"api_key_encrypted"`
		APISecretEncrypted  string `json:"api_secret_encrypted"`
		TOTPSecretEncrypted string `json:"totp_secret_encrypted"`
	}
	if err := json.Unmarshal([]byte(seed), &entries); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := dbPool.Exec(ctx, `
INSERT INTO tenants (id, org_id) VALUES ($1, $2)
ON CONFLICT (id) DO NOTHING`, e.ID, e.OrgID); err != nil {
			return err
		}
		if e.UserID == "" {
			continue
		}
		if _, err := dbPool.Exec(ctx, `
INSERT INTO broker_credentials (id, tenant_id, user_id, api_key_encrypted, api_secret_encrypted, totp_secret_encrypted)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (tenant_id, user_id) DO UPDATE SET
  api_key_encrypted = EXCLUDED.api_key_encrypted,
  api_secret_encrypted = EXCLUDED.api_secret_encrypted,
  totp_secret_encrypted = EXCLUDED.totp_secret_encrypted,
  updated_at = NOW()`,
			uuid.NewString(), e.ID, e.UserID, e.APIKeyEncrypted, e.APISecretEncrypted, e.TOTPSecretEncrypted); err != nil {
			return err
		}
	}
	return nil
}

func (p *pgDirectory) ListAuthRecords(ctx context.Context) ([]AuthRecord, error) {
	rows, err := p.dbPool.Query(ctx, `
SELECT t.id, c.user_id, c.api_key_encrypted, c.api_secret_encrypted, c.totp_secret_encrypted
FROM tenants t
JOIN broker_credentials c ON c.tenant_id = t.id
WHERE t.is_active = true
ORDER BY t.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuthRecord
	for rows.Next() {
		var r AuthRecord
		if err := rows.Scan(&r.TenantID, &r.UserID, &r.APIKeyEncrypted, &r.APISecretEncrypted, &r.TOTPSecretEncrypted); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *pgDirectory) ListTickerConfigs(ctx context.Context) ([]TickerConfig, error) {
	rows, err := p.dbPool.Query(ctx, `
SELECT t.id, c.api_key_encrypted
FROM tenants t
JOIN broker_credentials c ON c.tenant_id = t.id
WHERE t.is_active = true
ORDER BY t.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TickerConfig
	for rows.Next() {
		var c TickerConfig
		if err := rows.Scan(&c.TenantID, &c.APIKeyEncrypted); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *pgDirectory) GetTenant(ctx context.Context, id uuid.UUID) (Tenant, error) {
	var t Tenant
	var createdAt time.Time
	err := p.dbPool.QueryRow(ctx, `
SELECT id, org_id, subscription_tier, is_active, created_at
FROM tenants WHERE id = $1`, id).Scan(&t.ID, &t.OrgID, &t.SubscriptionTier, &t.Active, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, err
	}
	t.CreatedAt = createdAt
	return t, nil
}

func (p *pgDirectory) GetPreference(ctx context.Context, tenantID, userID uuid.UUID) (Preference, error) {
	var pref Preference
	err := p.dbPool.QueryRow(ctx, `
SELECT tenant_id, user_id, channel, destination, is_enabled
FROM notification_preferences
WHERE tenant_id = $1 AND user_id = $2 AND is_enabled = true`,
		tenantID, userID).Scan(&pref.TenantID, &pref.UserID, &pref.Channel, &pref.Destination, &pref.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return Preference{}, ErrNotFound
	}
	if err != nil {
		return Preference{}, err
	}
	return pref, nil
}
