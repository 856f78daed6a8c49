package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/panemux-io/panemux/internal/db"
	"github.com/panemux-io/panemux/internal/repositories"
)

const (
	// oidcStateBytes is the length of the random state parameter for CSRF protection.
	oidcStateBytes = 16

	// oidcCodeVerifierBytes is the length of the PKCE code verifier before encoding.
	// RFC 7636 requires a minimum of 32 bytes of entropy.
	oidcCodeVerifierBytes = 32
)

// OIDCConfig holds the static configuration of the external identity
// provider. An empty Issuer means no provider is configured and the local
// email/password flow (or the development bypass) is the only way in.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Scopes is a space-separated list. "openid" is always included.
	Scopes string
}

// Configured reports whether an identity provider is set up.
func (c OIDCConfig) Configured() bool {
	return c.Issuer != "" && c.ClientID != ""
}

func (c OIDCConfig) scopes() []string {
	scopes := []string{gooidc.ScopeOpenID}
	for _, s := range strings.Fields(c.Scopes) {
		if s != gooidc.ScopeOpenID {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

// OIDCAuthProvider implements OIDCFlowProvider using coreos/go-oidc.
// It handles the Authorization Code flow with PKCE for a single statically
// configured identity provider. Discovery runs once at construction; the
// issuer's JWKS is cached and refreshed by the go-oidc verifier.
type OIDCAuthProvider struct {
	cfg        OIDCConfig
	userRepo   repositories.UserRepository
	jwtManager *JWTManager

	// tokens holds the shared refresh-token logic. Refresh tokens are
	// provider-agnostic once issued, so rotation and logout delegate here.
	tokens *LocalAuthProvider

	oauth2Cfg *oauth2.Config
	verifier  *gooidc.IDTokenVerifier
}

// NewOIDCAuthProvider performs OIDC discovery against the configured issuer
// and returns a ready provider. Returns ErrOIDCNotConfigured if the config
// has no issuer.
func NewOIDCAuthProvider(
	ctx context.Context,
	cfg OIDCConfig,
	userRepo repositories.UserRepository,
	tokenRepo repositories.RefreshTokenRepository,
	jwtManager *JWTManager,
) (*OIDCAuthProvider, error) {
	if !cfg.Configured() {
		return nil, ErrOIDCNotConfigured
	}

	provider, err := gooidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("auth: discovering OIDC issuer %q: %w", cfg.Issuer, err)
	}

	return &OIDCAuthProvider{
		cfg:        cfg,
		userRepo:   userRepo,
		jwtManager: jwtManager,
		tokens:     NewLocalAuthProvider(userRepo, tokenRepo, jwtManager),
		oauth2Cfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       cfg.scopes(),
		},
		verifier: provider.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

// ProviderType implements AuthProvider.
func (p *OIDCAuthProvider) ProviderType() string {
	return "oidc"
}

// Login is not used for OIDC — the flow goes through AuthorizationURL and
// ExchangeCode. This satisfies the AuthProvider interface but always returns
// an error to prevent accidental misuse.
func (p *OIDCAuthProvider) Login(_ context.Context, _ LoginRequest) (*TokenPair, error) {
	return nil, fmt.Errorf("auth: Login is not supported for OIDC provider, use AuthorizationURL and ExchangeCode")
}

// AuthorizationURL generates the OIDC authorization URL with a random state
// parameter and PKCE code verifier. The caller must store state and
// codeVerifier in short-lived session cookies before redirecting the user.
func (p *OIDCAuthProvider) AuthorizationURL(_ context.Context) (url, state, codeVerifier string, err error) {
	state, err = generateRandomBase64(oidcStateBytes)
	if err != nil {
		return "", "", "", fmt.Errorf("auth: generating OIDC state: %w", err)
	}

	codeVerifier, err = generateRandomBase64(oidcCodeVerifierBytes)
	if err != nil {
		return "", "", "", fmt.Errorf("auth: generating PKCE code verifier: %w", err)
	}

	url = p.oauth2Cfg.AuthCodeURL(
		state,
		oauth2.AccessTypeOnline,
		oauth2.S256ChallengeOption(codeVerifier),
	)

	return url, state, codeVerifier, nil
}

// ExchangeCode completes the OIDC Authorization Code flow. It verifies the
// state parameter, exchanges the code for tokens, validates the ID token,
// and either retrieves the existing user or provisions a new one (JIT
// provisioning).
func (p *OIDCAuthProvider) ExchangeCode(ctx context.Context, req OIDCCallbackRequest) (*TokenPair, error) {
	if req.State == "" || req.State != req.SessionState {
		return nil, ErrOIDCStateMismatch
	}

	if req.CodeVerifier == "" {
		return nil, ErrOIDCCodeVerifierMissing
	}

	oauth2Token, err := p.oauth2Cfg.Exchange(
		ctx,
		req.Code,
		oauth2.VerifierOption(req.CodeVerifier),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: exchanging OIDC code: %w", err)
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("auth: OIDC token response missing id_token")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("auth: verifying OIDC id_token: %w", err)
	}

	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("auth: extracting OIDC claims: %w", err)
	}

	user, err := p.findOrProvisionUser(ctx, idToken.Subject, claims.Email, claims.Name)
	if err != nil {
		return nil, err
	}

	if !user.IsActive {
		return nil, ErrUserDisabled
	}

	return p.issueTokenPair(ctx, user, req.Meta)
}

// RefreshToken delegates to the same logic as LocalAuthProvider — refresh
// tokens are provider-agnostic once issued.
func (p *OIDCAuthProvider) RefreshToken(ctx context.Context, rawToken string, meta SessionMeta) (*TokenPair, error) {
	return p.tokens.RefreshToken(ctx, rawToken, meta)
}

// Logout invalidates the given refresh token. No OIDC back-channel logout
// is performed — the session at the identity provider remains active.
func (p *OIDCAuthProvider) Logout(ctx context.Context, rawToken string) error {
	return p.tokens.Logout(ctx, rawToken)
}

// findOrProvisionUser looks up a user by (issuer, sub). If no user exists, a
// new free-tier account is created (JIT provisioning). Email and display
// name updates from the identity provider are applied on every login.
func (p *OIDCAuthProvider) findOrProvisionUser(ctx context.Context, sub, email, displayName string) (*db.User, error) {
	user, err := p.userRepo.GetByOIDC(ctx, p.cfg.Issuer, sub)
	if err == nil {
		user.Email = email
		user.DisplayName = displayName
		if updateErr := p.userRepo.Update(ctx, user); updateErr != nil {
			// Non-fatal: the login proceeds with the stored data.
			_ = updateErr
		}
		return user, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("auth: looking up OIDC user: %w", err)
	}

	newUser := &db.User{
		Email:       email,
		DisplayName: displayName,
		Tier:        "free",
		IsActive:    true,
		OIDCIssuer:  p.cfg.Issuer,
		OIDCSub:     sub,
	}

	if err := p.userRepo.Create(ctx, newUser); err != nil {
		return nil, fmt.Errorf("auth: provisioning OIDC user: %w", err)
	}

	return newUser, nil
}

// issueTokenPair delegates to the shared token issuance logic.
func (p *OIDCAuthProvider) issueTokenPair(ctx context.Context, user *db.User, meta SessionMeta) (*TokenPair, error) {
	return p.tokens.issueTokenPair(ctx, user, meta.UserAgent, meta.IPAddress)
}

// generateRandomBase64 returns a URL-safe base64-encoded random string of n bytes.
func generateRandomBase64(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
