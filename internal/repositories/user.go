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

// gormUserRepository is the GORM implementation of UserRepository.
type gormUserRepository struct {
	db *gorm.DB
}

// NewUserRepository returns a UserRepository backed by the provided *gorm.DB.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &gormUserRepository{db: db}
}

// Create inserts a new user record.
func (r *gormUserRepository) Create(ctx context.Context, user *db.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("users: create: %w", err)
	}
	return nil
}

// GetByID retrieves a user by UUID. Returns ErrNotFound if no record exists.
func (r *gormUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by id: %w", err)
	}
	return &user, nil
}

// GetByEmail retrieves a user by email. Returns ErrNotFound if no record exists.
func (r *gormUserRepository) GetByEmail(ctx context.Context, email string) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, "email = ?", email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by email: %w", err)
	}
	return &user, nil
}

// GetByOIDC retrieves a user by identity-provider issuer URL and subject claim.
func (r *gormUserRepository) GetByOIDC(ctx context.Context, issuer, sub string) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).
		First(&user, "oidc_issuer = ? AND oidc_sub = ?", issuer, sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by oidc: %w", err)
	}
	return &user, nil
}

// Update persists all fields of an existing user record.
func (r *gormUserRepository) Update(ctx context.Context, user *db.User) error {
	result := r.db.WithContext(ctx).Save(user)
	if result.Error != nil {
		return fmt.Errorf("users: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastLogin updates only the last_login_at column. Called on every
// successful login — a single-column update avoids racing concurrent logins
// over the full row.
func (r *gormUserRepository) TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.User{}).
		Where("id = ?", id).
		Update("last_login_at", at)
	if result.Error != nil {
		return fmt.Errorf("users: touch last login: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
