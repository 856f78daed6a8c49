package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/panemux-io/panemux/internal/db"
	"github.com/panemux-io/panemux/internal/repositories"
)

const (
	// argon2Time is the number of iterations (time cost) for Argon2id.
	// OWASP minimum recommendation is 1; 2 provides a better security margin.
	argon2Time = 2

	// argon2Memory is the memory cost in KiB for Argon2id (64 MiB).
	argon2Memory = 64 * 1024

	// argon2Threads is the parallelism factor for Argon2id.
	argon2Threads = 2

	// argon2KeyLen is the output hash length in bytes.
	argon2KeyLen = 32

	// argon2SaltLen is the random salt length in bytes.
	argon2SaltLen = 16
)

// LocalAuthProvider authenticates users via email/password stored in the
// database. Passwords are hashed with Argon2id. Refresh tokens are signed
// JWTs; only the SHA-256 of the JTI claim is persisted, so a database leak
// never exposes a usable token.
type LocalAuthProvider struct {
	userRepo   repositories.UserRepository
	tokenRepo  repositories.RefreshTokenRepository
	jwtManager *JWTManager
}

// NewLocalAuthProvider creates a LocalAuthProvider with the given dependencies.
func NewLocalAuthProvider(
	userRepo repositories.UserRepository,
	tokenRepo repositories.RefreshTokenRepository,
	jwtManager *JWTManager,
) *LocalAuthProvider {
	return &LocalAuthProvider{
		userRepo:   userRepo,
		tokenRepo:  tokenRepo,
		jwtManager: jwtManager,
	}
}

// ProviderType implements AuthProvider.
func (p *LocalAuthProvider) ProviderType() string {
	return "local"
}

// Login validates email/password and returns a token pair on success.
func (p *LocalAuthProvider) Login(ctx context.Context, req LoginRequest) (*TokenPair, error) {
	user, err := p.userRepo.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Return ErrInvalidCredentials instead of ErrUserNotFound to avoid
			// leaking whether the email address is registered (user enumeration).
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth: fetching user by email: %w", err)
	}

	if !user.IsActive {
		return nil, ErrUserDisabled
	}

	if !verifyPassword(req.Password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	// Best-effort: login still succeeds if the timestamp update fails.
	_ = p.userRepo.TouchLastLogin(ctx, user.ID, time.Now().UTC())

	return p.issueTokenPair(ctx, user, req.UserAgent, req.IPAddress)
}

// RefreshToken validates a refresh JWT, rotates it, and issues a new token
// pair. The stored row is deleted before the new pair is issued — if the
// issue fails the user must log in again. This prevents replay even on
// partial failures.
func (p *LocalAuthProvider) RefreshToken(ctx context.Context, rawToken string, meta SessionMeta) (*TokenPair, error) {
	claims, err := p.jwtManager.ValidateRefreshToken(rawToken)
	if err != nil {
		return nil, err
	}

	tokenHash := HashToken(claims.ID)

	stored, err := p.tokenRepo.GetByHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("auth: fetching refresh token: %w", err)
	}

	// Delete before issuing the new pair — if issue fails the user must re-login.
	if err := p.tokenRepo.DeleteByHash(ctx, tokenHash); err != nil {
		return nil, fmt.Errorf("auth: deleting old refresh token: %w", err)
	}

	if stored.RevokedAt != nil {
		return nil, ErrRefreshTokenNotFound
	}

	if time.Now().After(stored.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	user, err := p.userRepo.GetByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("auth: fetching user for token refresh: %w", err)
	}

	if !user.IsActive {
		return nil, ErrUserDisabled
	}

	return p.issueTokenPair(ctx, user, meta.UserAgent, meta.IPAddress)
}

// Logout invalidates the given refresh token. An invalid or already-rotated
// token is a no-op — the client clears its cookies regardless.
func (p *LocalAuthProvider) Logout(ctx context.Context, rawToken string) error {
	claims, err := p.jwtManager.ValidateRefreshToken(rawToken)
	if err != nil {
		return nil
	}

	err = p.tokenRepo.DeleteByHash(ctx, HashToken(claims.ID))
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("auth: revoking refresh token on logout: %w", err)
	}

	return nil
}

// issueTokenPair generates an access token and a refresh JWT, persists the
// SHA-256 of the refresh JTI, and returns both as a TokenPair.
func (p *LocalAuthProvider) issueTokenPair(ctx context.Context, user *db.User, userAgent, ip string) (*TokenPair, error) {
	accessToken, err := p.jwtManager.GenerateAccessToken(user.ID.String(), user.Email, user.Tier)
	if err != nil {
		return nil, err
	}

	refreshToken, jti, expiresAt, err := p.jwtManager.GenerateRefreshToken(user.ID.String())
	if err != nil {
		return nil, err
	}

	if err := p.tokenRepo.Create(ctx, &db.RefreshToken{
		UserID:    user.ID,
		TokenHash: HashToken(jti),
		ExpiresAt: expiresAt,
		UserAgent: userAgent,
		IPAddress: ip,
	}); err != nil {
		return nil, fmt.Errorf("auth: persisting refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:           accessToken,
		AccessTokenExpiresAt:  time.Now().Add(accessTokenDuration),
		RefreshToken:          refreshToken,
		RefreshTokenExpiresAt: expiresAt,
	}, nil
}

// CreateLocalUser registers a new local (password) account. Exported for the
// seed command and the registration endpoint.
func (p *LocalAuthProvider) CreateLocalUser(ctx context.Context, email, password, displayName, tier string) (*db.User, error) {
	if _, err := p.userRepo.GetByEmail(ctx, email); err == nil {
		return nil, fmt.Errorf("auth: user %s already exists", email)
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("auth: checking existing user: %w", err)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	user := &db.User{
		Email:        email,
		PasswordHash: hash,
		DisplayName:  displayName,
		Tier:         tier,
		IsActive:     true,
	}
	if err := p.userRepo.Create(ctx, user); err != nil {
		return nil, err
	}

	return user, nil
}

// HashPassword returns an Argon2id hash of the given plaintext password.
// Exported so the seed command can hash passwords without a full provider.
//
// Format: saltHex:hashHex
func HashPassword(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generating password salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(hash), nil
}

// verifyPassword checks a plaintext password against a stored Argon2id hash.
// Returns false if the hash format is invalid rather than propagating an
// error, since an invalid hash means authentication must fail. OIDC users
// have an empty hash and can never pass this check.
func verifyPassword(password, stored string) bool {
	saltHex, hashHex, ok := splitHash(stored)
	if !ok {
		return false
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}

	expectedHash, err := hex.DecodeString(hashHex)
	if err != nil || len(expectedHash) == 0 {
		return false
	}

	actual := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, uint32(len(expectedHash)))

	return subtle.ConstantTimeCompare(actual, expectedHash) == 1
}

// HashToken returns the SHA-256 hex digest of a secret string. Used for both
// refresh-token JTIs and raw agent bearer tokens; only the digest ever
// reaches the database.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// splitHash splits a "saltHex:hashHex" string into its two components.
func splitHash(s string) (salt, hash string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// uuidFromSubject parses the subject claim of a validated token.
func uuidFromSubject(sub string) (uuid.UUID, error) {
	id, err := uuid.Parse(sub)
	if err != nil {
		return uuid.UUID{}, ErrTokenInvalid
	}
	return id, nil
}
