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

// gormAgentTokenRepository is the GORM implementation of AgentTokenRepository.
type gormAgentTokenRepository struct {
	db *gorm.DB
}

// NewAgentTokenRepository returns an AgentTokenRepository backed by the
// provided *gorm.DB.
func NewAgentTokenRepository(db *gorm.DB) AgentTokenRepository {
	return &gormAgentTokenRepository{db: db}
}

// Create inserts a new agent provisioning token record.
func (r *gormAgentTokenRepository) Create(ctx context.Context, token *db.AgentToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("agent tokens: create: %w", err)
	}
	return nil
}

// GetByHash retrieves a token record by the SHA-256 of the raw bearer.
// Expiry and revocation are checked by the caller, not here — the verifier
// needs the record either way to log a useful rejection.
func (r *gormAgentTokenRepository) GetByHash(ctx context.Context, hash string) (*db.AgentToken, error) {
	var token db.AgentToken
	err := r.db.WithContext(ctx).First(&token, "token_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agent tokens: get by hash: %w", err)
	}
	return &token, nil
}

// ListByUser returns all of a user's tokens, newest first, including revoked
// ones — the API surfaces revocation state to the user.
func (r *gormAgentTokenRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]db.AgentToken, error) {
	var tokens []db.AgentToken
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&tokens).Error
	if err != nil {
		return nil, fmt.Errorf("agent tokens: list by user: %w", err)
	}
	return tokens, nil
}

// CountActiveByUser counts the user's non-revoked, non-expired tokens.
// Used for tier-limit enforcement at mint time.
func (r *gormAgentTokenRepository) CountActiveByUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.AgentToken{}).
		Where("user_id = ? AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > ?)",
			userID, time.Now().UTC()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("agent tokens: count active: %w", err)
	}
	return count, nil
}

// Revoke marks a token as revoked. The user scope prevents revoking another
// user's token by guessing its ID.
func (r *gormAgentTokenRepository) Revoke(ctx context.Context, userID, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.AgentToken{}).
		Where("id = ? AND user_id = ? AND revoked_at IS NULL", id, userID).
		Update("revoked_at", time.Now().UTC())
	if result.Error != nil {
		return fmt.Errorf("agent tokens: revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastUsed updates only the last_used_at column. Called on every
// successful agent authentication; best-effort at the call site.
func (r *gormAgentTokenRepository) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.AgentToken{}).
		Where("id = ?", id).
		Update("last_used_at", at)
	if result.Error != nil {
		return fmt.Errorf("agent tokens: touch last used: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpired hard-deletes tokens whose expiry passed more than 30 days
// ago. Recently expired tokens are kept so the list endpoint can show why an
// agent stopped connecting.
func (r *gormAgentTokenRepository) DeleteExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	result := r.db.WithContext(ctx).
		Delete(&db.AgentToken{}, "expires_at IS NOT NULL AND expires_at < ?", cutoff)
	if result.Error != nil {
		return 0, fmt.Errorf("agent tokens: delete expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}
