// Package repositories defines the persistence interfaces consumed by the
// auth layer and the API handlers, together with their GORM implementations.
// The relay core never touches a repository directly — it sees only the
// narrow authentication contracts defined in internal/relay.
package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/panemux-io/panemux/internal/db"
)

// ErrNotFound is returned by all repositories when no record matches.
// Callers compare with errors.Is.
var ErrNotFound = errors.New("repositories: record not found")

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// UserRepository
// -----------------------------------------------------------------------------

type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	GetByOIDC(ctx context.Context, issuer, sub string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error
	TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}

// -----------------------------------------------------------------------------
// RefreshTokenRepository
// -----------------------------------------------------------------------------

type RefreshTokenRepository interface {
	Create(ctx context.Context, token *db.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error)
	DeleteByHash(ctx context.Context, hash string) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// -----------------------------------------------------------------------------
// AgentTokenRepository
// -----------------------------------------------------------------------------

type AgentTokenRepository interface {
	Create(ctx context.Context, token *db.AgentToken) error
	GetByHash(ctx context.Context, hash string) (*db.AgentToken, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]db.AgentToken, error)
	CountActiveByUser(ctx context.Context, userID uuid.UUID) (int64, error)
	Revoke(ctx context.Context, userID, id uuid.UUID) error
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
	DeleteExpired(ctx context.Context) (int64, error)
}
