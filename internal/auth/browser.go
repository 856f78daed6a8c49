package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/panemux-io/panemux/internal/db"
	"github.com/panemux-io/panemux/internal/repositories"
)

// BrowserAuthConfig controls cookie-based authentication of browser
// WebSocket upgrades.
type BrowserAuthConfig struct {
	// AccessCookieName is the cookie holding the access JWT.
	AccessCookieName string

	// RefreshCookieName is the cookie holding the refresh JWT.
	RefreshCookieName string

	// DevBypassUserID, when non-empty AND no OIDC issuer is configured,
	// makes every unauthenticated upgrade resolve to this fixed user ID.
	// Local development only; must never be set in production.
	DevBypassUserID string
}

// BrowserAuthenticator resolves a browser WebSocket upgrade request to a
// user ID from its cookies. The access token is tried first; a specifically
// expired access token falls through to the refresh token, whose signature
// alone is trusted (no database round trip on the connection path). Any
// other failure rejects the upgrade.
type BrowserAuthenticator struct {
	cfg        BrowserAuthConfig
	jwtManager *JWTManager
	userRepo   repositories.UserRepository
	logger     *zap.Logger

	// devBypass is resolved once at construction: true only when a bypass
	// user is set and no external identity provider is configured.
	devBypass bool
}

// NewBrowserAuthenticator creates a BrowserAuthenticator. oidcConfigured
// disables the development bypass even if DevBypassUserID is set.
func NewBrowserAuthenticator(
	cfg BrowserAuthConfig,
	jwtManager *JWTManager,
	userRepo repositories.UserRepository,
	oidcConfigured bool,
	logger *zap.Logger,
) *BrowserAuthenticator {
	return &BrowserAuthenticator{
		cfg:        cfg,
		jwtManager: jwtManager,
		userRepo:   userRepo,
		logger:     logger.Named("browser-auth"),
		devBypass:  cfg.DevBypassUserID != "" && !oidcConfigured,
	}
}

// AuthenticateRequest resolves the request to a user ID or returns an error
// that the caller maps to a rejected upgrade. The returned ID is the string
// form used on the wire and in the routing tables.
func (a *BrowserAuthenticator) AuthenticateRequest(r *http.Request) (string, error) {
	ctx := r.Context()

	userID, err := a.authenticateCookies(ctx, r)
	if err == nil {
		return userID, nil
	}

	if a.devBypass {
		return a.resolveDevUser(ctx)
	}

	return "", err
}

// authenticateCookies implements the two-step cookie check. Order matters:
// only a token that is valid in every respect except expiry may fall
// through to the refresh token.
func (a *BrowserAuthenticator) authenticateCookies(ctx context.Context, r *http.Request) (string, error) {
	if c, err := r.Cookie(a.cfg.AccessCookieName); err == nil && c.Value != "" {
		claims, verr := a.jwtManager.ValidateAccessToken(c.Value)
		if verr == nil {
			return a.lookupActive(ctx, claims.Subject)
		}
		if !errors.Is(verr, ErrTokenExpired) {
			a.logger.Debug("access token rejected", zap.Error(verr))
			return "", verr
		}
		// Expired access token: fall through to the refresh token.
	}

	c, err := r.Cookie(a.cfg.RefreshCookieName)
	if err != nil || c.Value == "" {
		return "", ErrTokenInvalid
	}

	claims, verr := a.jwtManager.ValidateRefreshToken(c.Value)
	if verr != nil {
		a.logger.Debug("refresh token rejected", zap.Error(verr))
		return "", verr
	}

	return a.lookupActive(ctx, claims.Subject)
}

// lookupActive verifies the token subject maps to an existing, active user.
func (a *BrowserAuthenticator) lookupActive(ctx context.Context, subject string) (string, error) {
	id, err := uuidFromSubject(subject)
	if err != nil {
		return "", err
	}

	user, err := a.userRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("auth: looking up token subject: %w", err)
	}

	if !user.IsActive {
		return "", ErrUserDisabled
	}

	return user.ID.String(), nil
}

// resolveDevUser finds or creates the fixed development user. The configured
// ID must be a UUID; a malformed value disables the bypass for the request.
func (a *BrowserAuthenticator) resolveDevUser(ctx context.Context) (string, error) {
	id, err := uuid.Parse(a.cfg.DevBypassUserID)
	if err != nil {
		return "", fmt.Errorf("auth: development bypass user id is not a UUID: %w", err)
	}

	if _, err := a.userRepo.GetByID(ctx, id); err == nil {
		return id.String(), nil
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return "", fmt.Errorf("auth: looking up development bypass user: %w", err)
	}

	user := &db.User{
		Email:       "dev@localhost",
		DisplayName: "Development User",
		Tier:        "pro",
		IsActive:    true,
	}
	user.ID = id
	if err := a.userRepo.Create(ctx, user); err != nil {
		return "", fmt.Errorf("auth: creating development bypass user: %w", err)
	}

	a.logger.Warn("development bypass user created", zap.String("user_id", id.String()))

	return id.String(), nil
}
