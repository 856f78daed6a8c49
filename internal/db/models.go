package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the fields shared by all models. ID uses UUID v7
// (time-ordered) so primary keys sort chronologically without a separate
// created_at index. CreatedAt and UpdatedAt are managed by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Users & Auth
// -----------------------------------------------------------------------------

// User is the tenancy boundary of the relay: every browser and agent
// connection resolves to exactly one user at authentication time, and no
// message ever crosses users. PasswordHash is only set for local accounts —
// OIDC users authenticate at the identity provider and have an empty hash.
type User struct {
	base
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"type:text"` // argon2id encoded; empty for OIDC users
	DisplayName  string `gorm:"not null"`
	Tier         string `gorm:"not null;default:'free'"` // "free" or "pro"
	IsActive     bool   `gorm:"not null;default:true"`
	OIDCIssuer   string `gorm:"default:''"` // issuer URL if provisioned via OIDC
	OIDCSub      string `gorm:"default:''"` // subject claim from the ID token
	LastLoginAt  *time.Time
}

// RefreshToken records an issued refresh token by the SHA-256 of its JTI
// claim. The signed JWT itself is never stored. Rows are rotated on every
// refresh and swept by the maintenance scheduler after expiry.
type RefreshToken struct {
	base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"` // SHA-256 hex of the JTI claim
	ExpiresAt time.Time `gorm:"not null;index"`
	RevokedAt *time.Time
	UserAgent string
	IPAddress string
}

// -----------------------------------------------------------------------------
// Agent provisioning tokens
// -----------------------------------------------------------------------------

// AgentToken is the bearer credential an agent presents in its agent:auth
// message when opening a relay connection. Only the SHA-256 of the raw token
// is stored — the raw value is shown once at mint time. A token maps the
// connection to its owning user; revoking it blocks future connections but
// does not terminate live ones.
type AgentToken struct {
	base
	UserID     uuid.UUID `gorm:"type:text;not null;index"`
	Name       string    `gorm:"not null"`             // human label, e.g. "work laptop"
	TokenHash  string    `gorm:"not null;uniqueIndex"` // SHA-256 hex of the raw bearer
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
}
