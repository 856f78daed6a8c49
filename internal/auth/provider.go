package auth

import (
	"context"
	"time"
)

// AuthProvider is the interface that every authentication backend must
// implement. Two implementations exist: LocalAuthProvider (email/password)
// and OIDCAuthProvider (external identity provider via OpenID Connect).
type AuthProvider interface {
	// Login authenticates a user and returns a token pair on success.
	Login(ctx context.Context, req LoginRequest) (*TokenPair, error)

	// RefreshToken validates a refresh token, rotates it, and returns a new
	// token pair. The old refresh token is invalidated after this call.
	RefreshToken(ctx context.Context, refreshToken string, meta SessionMeta) (*TokenPair, error)

	// Logout invalidates the given refresh token so it cannot be used again.
	// Access tokens remain valid until expiry — their short TTL (15 min) is
	// the revocation mechanism for those.
	Logout(ctx context.Context, refreshToken string) error

	// ProviderType returns a string identifier for this provider.
	ProviderType() string
}

// OIDCFlowProvider extends AuthProvider with the two-step OAuth2 flow.
// Only OIDCAuthProvider implements this interface.
type OIDCFlowProvider interface {
	AuthProvider

	// AuthorizationURL generates the OIDC authorization URL and returns the
	// state and code verifier (PKCE) that must be stored server-side in a
	// short-lived session cookie before redirecting the user.
	AuthorizationURL(ctx context.Context) (url, state, codeVerifier string, err error)

	// ExchangeCode completes the OIDC flow by exchanging the authorization
	// code for tokens. state and codeVerifier must match the values from
	// AuthorizationURL.
	ExchangeCode(ctx context.Context, req OIDCCallbackRequest) (*TokenPair, error)
}

// LoginRequest carries credentials for a local email/password login attempt.
// UserAgent and IPAddress are recorded on the refresh-token row for session
// auditing.
type LoginRequest struct {
	Email     string
	Password  string
	UserAgent string
	IPAddress string
}

// SessionMeta carries per-request metadata recorded alongside issued
// refresh tokens.
type SessionMeta struct {
	UserAgent string
	IPAddress string
}

// OIDCCallbackRequest carries the parameters received in the OAuth2 callback.
type OIDCCallbackRequest struct {
	// Code is the authorization code returned by the identity provider.
	Code string

	// State is the value returned by the identity provider.
	State string

	// SessionState is the state value stored in the session cookie, used to
	// verify the State parameter from the identity provider.
	SessionState string

	// CodeVerifier is the PKCE verifier stored in the session cookie.
	CodeVerifier string

	Meta SessionMeta
}

// TokenPair is returned after a successful login or token refresh. The HTTP
// layer sets both tokens as httpOnly cookies; this struct carries no cookie
// metadata (path, domain, SameSite) to keep the auth layer decoupled from
// HTTP concerns.
type TokenPair struct {
	AccessToken          string
	AccessTokenExpiresAt time.Time

	// RefreshToken is the signed refresh JWT. Only the hash of its JTI claim
	// is persisted server-side.
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}
