package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/panemux-io/panemux/internal/db"
)

// gormRefreshTokenRepository is the GORM implementation of RefreshTokenRepository.
type gormRefreshTokenRepository struct {
	db *gorm.DB
}

// NewRefreshTokenRepository returns a RefreshTokenRepository backed by the
// provided *gorm.DB.
func NewRefreshTokenRepository(db *gorm.DB) RefreshTokenRepository {
	return &gormRefreshTokenRepository{db: db}
}

// Create inserts a new refresh-token record.
func (r *gormRefreshTokenRepository) Create(ctx context.Context, token *db.RefreshToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("refresh tokens: create: %w", err)
	}
	return nil
}

// GetByHash retrieves a refresh-token record by the SHA-256 of its JTI.
func (r *gormRefreshTokenRepository) GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error) {
	var token db.RefreshToken
	err := r.db.WithContext(ctx).First(&token, "token_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("refresh tokens: get by hash: %w", err)
	}
	return &token, nil
}

// DeleteByHash removes the record for the given hash. Used for rotation and
// logout. Deleting an absent record returns ErrNotFound.
func (r *gormRefreshTokenRepository) DeleteByHash(ctx context.Context, hash string) error {
	result := r.db.WithContext(ctx).Delete(&db.RefreshToken{}, "token_hash = ?", hash)
	if result.Error != nil {
		return fmt.Errorf("refresh tokens: delete by hash: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAllForUser deletes every refresh token belonging to the user.
// Called on password change or account-security events.
func (r *gormRefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	err := r.db.WithContext(ctx).Delete(&db.RefreshToken{}, "user_id = ?", userID).Error
	if err != nil {
		return fmt.Errorf("refresh tokens: revoke all for user: %w", err)
	}
	return nil
}

// DeleteExpired removes all tokens past their expiry. Called by the
// maintenance scheduler. Returns the number of rows removed.
func (r *gormRefreshTokenRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Delete(&db.RefreshToken{}, "expires_at < ?", time.Now().UTC())
	if result.Error != nil {
		return 0, fmt.Errorf("refresh tokens: delete expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}
