package auth

import "errors"

// Sentinel errors returned by the auth providers and verifiers.
// Callers use errors.Is for comparison.
var (
	// ErrInvalidCredentials is returned when email/password do not match.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrUserNotFound is returned when no user exists for the given identifier.
	ErrUserNotFound = errors.New("auth: user not found")

	// ErrUserDisabled is returned when the user account is inactive.
	ErrUserDisabled = errors.New("auth: user account is disabled")

	// ErrTokenExpired is returned when a JWT has expired. The browser
	// acceptor depends on distinguishing this from ErrTokenInvalid: an
	// expired access token falls through to the refresh token, any other
	// failure rejects the connection outright.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified,
	// or when a refresh token does not carry the "refresh" type claim.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrRefreshTokenNotFound is returned when the presented refresh token
	// has been rotated out or revoked.
	ErrRefreshTokenNotFound = errors.New("auth: refresh token not found")

	// ErrAgentTokenInvalid is returned when an agent provisioning token is
	// unknown, revoked, or expired.
	ErrAgentTokenInvalid = errors.New("auth: agent token invalid")

	// ErrOIDCNotConfigured is returned when the OIDC flow is invoked but no
	// identity provider issuer is configured.
	ErrOIDCNotConfigured = errors.New("auth: oidc identity provider not configured")

	// ErrOIDCStateMismatch is returned when the OAuth2 state parameter does
	// not match the value stored in the session cookie (CSRF protection).
	ErrOIDCStateMismatch = errors.New("auth: oidc state mismatch")

	// ErrOIDCCodeVerifierMissing is returned when the PKCE code verifier is
	// absent from the session during the callback phase.
	ErrOIDCCodeVerifierMissing = errors.New("auth: oidc code verifier missing")
)
