package tenants

import (
	"time"

	"github.com/google/uuid"
)

// Tenant represents a logical customer / account space.
type Tenant struct {
	ID               uuid.UUID
	OrgID            string // external org identifier, used as fallback notification destination
	SubscriptionTier string
	Active           bool
	CreatedAt        time.Time
}

// AuthRecord is the per-tenant credential snapshot consumed by the session
// refresh agent. All secret fields are ciphertext; decryption happens inside
// an agent cycle only.
type AuthRecord struct {
	TenantID            uuid.UUID
	UserID              uuid.UUID
	APIKeyEncrypted     string
	APISecretEncrypted  string
	TOTPSecretEncrypted string
}

// TickerConfig is the slimmer snapshot the streaming agent needs.
type TickerConfig struct {
	TenantID        uuid.UUID
	APIKeyEncrypted string
}

// Preference is a user's notification routing choice.
type Preference struct {
	TenantID    uuid.UUID
	UserID      uuid.UUID
	Channel     string
	Destination string
	Enabled     bool
}
