package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/panemux-io/panemux/internal/auth"
)

const (
	// oidcStateCookie and oidcVerifierCookie hold the OIDC state and PKCE
	// code verifier between the authorization redirect and the callback.
	// Both are short-lived and httpOnly.
	oidcStateCookie    = "panemux_oidc_state"
	oidcVerifierCookie = "panemux_oidc_verifier"

	// oidcCookieTTL is how long the OIDC session cookies are valid.
	// Must be longer than the identity provider's authorization timeout.
	oidcCookieTTL = 10 * time.Minute
)

// CookieConfig names the auth cookies and controls their Secure flag.
// Both tokens live in cookies (not response bodies) because the WebSocket
// upgrade path authenticates from cookies alone — a browser opening the
// relay connection cannot attach an Authorization header.
type CookieConfig struct {
	AccessName  string
	RefreshName string

	// Secure is true in production (HTTPS), false in local development.
	Secure bool
}

// AuthHandler groups all authentication-related HTTP handlers.
type AuthHandler struct {
	svc     *auth.AuthService
	cookies CookieConfig
	logger  *zap.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(svc *auth.AuthService, cookies CookieConfig, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		svc:     svc,
		cookies: cookies,
		logger:  logger.Named("auth_handler"),
	}
}

// -----------------------------------------------------------------------------
// Local auth
// -----------------------------------------------------------------------------

// loginRequest is the JSON body expected by POST /api/v1/auth/login.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// sessionResponse is returned on successful login or refresh. The tokens
// themselves travel only in cookies.
type sessionResponse struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// Login handles POST /api/v1/auth/login.
// Authenticates via email/password and sets both token cookies.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Email == "" || req.Password == "" {
		ErrBadRequest(w, "email and password are required")
		return
	}

	pair, err := h.svc.LoginLocal(r.Context(), auth.LoginRequest{
		Email:     req.Email,
		Password:  req.Password,
		UserAgent: r.UserAgent(),
		IPAddress: r.RemoteAddr,
	})
	if err != nil {
		// Use the same 401 for both wrong credentials and disabled accounts
		// to avoid user enumeration.
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrUserDisabled) {
			ErrUnauthorized(w)
			return
		}
		h.logger.Error("login failed", zap.String("email", req.Email), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.setSessionCookies(w, pair)
	Ok(w, sessionResponse{ExpiresAt: pair.AccessTokenExpiresAt})
}

// Logout handles POST /api/v1/auth/logout.
// Invalidates the refresh token stored in the cookie and clears both
// cookies.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(h.cookies.RefreshName); err == nil {
		if err := h.svc.Logout(r.Context(), cookie.Value); err != nil {
			// Log but do not expose the error — clear the cookies regardless.
			h.logger.Warn("logout error", zap.Error(err))
		}
	}

	h.clearSessionCookies(w)
	NoContent(w)
}

// Refresh handles POST /api/v1/auth/refresh.
// Rotates the refresh token and sets fresh cookies.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(h.cookies.RefreshName)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	pair, err := h.svc.RefreshToken(r.Context(), cookie.Value, auth.SessionMeta{
		UserAgent: r.UserAgent(),
		IPAddress: r.RemoteAddr,
	})
	if err != nil {
		h.clearSessionCookies(w)
		ErrUnauthorized(w)
		return
	}

	h.setSessionCookies(w, pair)
	Ok(w, sessionResponse{ExpiresAt: pair.AccessTokenExpiresAt})
}

// -----------------------------------------------------------------------------
// OIDC flow
// -----------------------------------------------------------------------------

// OIDCLogin handles GET /api/v1/auth/oidc/login.
// Generates the authorization URL and redirects the user to the identity
// provider. Stores state and code verifier in short-lived httpOnly cookies
// for CSRF protection and PKCE.
func (h *AuthHandler) OIDCLogin(w http.ResponseWriter, r *http.Request) {
	redirectURL, state, codeVerifier, err := h.svc.AuthorizationURL(r.Context())
	if err != nil {
		if errors.Is(err, auth.ErrOIDCNotConfigured) {
			ErrBadRequest(w, "identity provider not configured")
			return
		}
		h.logger.Error("failed to generate OIDC authorization URL", zap.Error(err))
		ErrInternal(w)
		return
	}

	expires := time.Now().Add(oidcCookieTTL)

	http.SetCookie(w, &http.Cookie{
		Name:     oidcStateCookie,
		Value:    state,
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	})

	http.SetCookie(w, &http.Cookie{
		Name:     oidcVerifierCookie,
		Value:    codeVerifier,
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	})

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// OIDCCallback handles GET /api/v1/auth/oidc/callback.
// Completes the Authorization Code + PKCE flow, sets the session cookies,
// and redirects to the frontend.
func (h *AuthHandler) OIDCCallback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie(oidcStateCookie)
	if err != nil {
		ErrBadRequest(w, "missing OIDC state cookie")
		return
	}

	verifierCookie, err := r.Cookie(oidcVerifierCookie)
	if err != nil {
		ErrBadRequest(w, "missing OIDC verifier cookie")
		return
	}

	// Clear the OIDC session cookies — they are single-use.
	h.clearOIDCCookies(w)

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	if code == "" || state == "" {
		ErrBadRequest(w, "missing code or state parameter")
		return
	}

	pair, err := h.svc.ExchangeCode(r.Context(), auth.OIDCCallbackRequest{
		Code:         code,
		State:        state,
		SessionState: stateCookie.Value,
		CodeVerifier: verifierCookie.Value,
		Meta: auth.SessionMeta{
			UserAgent: r.UserAgent(),
			IPAddress: r.RemoteAddr,
		},
	})
	if err != nil {
		if errors.Is(err, auth.ErrOIDCStateMismatch) || errors.Is(err, auth.ErrUserDisabled) {
			ErrUnauthorized(w)
			return
		}
		h.logger.Error("OIDC code exchange failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.setSessionCookies(w, pair)
	http.Redirect(w, r, "/", http.StatusFound)
}

// -----------------------------------------------------------------------------
// Cookie helpers
// -----------------------------------------------------------------------------

// setSessionCookies writes both tokens as httpOnly cookies. Path is "/" so
// the WebSocket upgrade path sees them too.
func (h *AuthHandler) setSessionCookies(w http.ResponseWriter, pair *auth.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookies.AccessName,
		Value:    pair.AccessToken,
		Expires:  pair.AccessTokenExpiresAt,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	})
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookies.RefreshName,
		Value:    pair.RefreshToken,
		Expires:  pair.RefreshTokenExpiresAt,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
	})
}

// clearSessionCookies expires both token cookies immediately.
func (h *AuthHandler) clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{h.cookies.AccessName, h.cookies.RefreshName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Expires:  time.Unix(0, 0),
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.cookies.Secure,
			SameSite: http.SameSiteLaxMode,
			Path:     "/",
		})
	}
}

// clearOIDCCookies expires both OIDC session cookies immediately.
func (h *AuthHandler) clearOIDCCookies(w http.ResponseWriter) {
	for _, name := range []string{oidcStateCookie, oidcVerifierCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Expires:  time.Unix(0, 0),
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.cookies.Secure,
			SameSite: http.SameSiteLaxMode,
			Path:     "/",
		})
	}
}
