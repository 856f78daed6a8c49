package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/panemux-io/panemux/internal/auth"
)

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const (
	// contextKeyUser is the context key under which the authenticated
	// *auth.Claims are stored after successful JWT validation.
	contextKeyUser contextKey = iota
)

// Authenticate validates the caller's access token and stores the parsed
// claims in the request context. Two credential locations are accepted: an
// Authorization Bearer header, or the access-token cookie that browser
// clients already carry for the WebSocket upgrade. On failure it writes a
// 401 and stops the chain.
func Authenticate(jwtMgr *auth.JWTManager, accessCookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				if c, err := r.Cookie(accessCookieName); err == nil {
					token = c.Value
				}
			}
			if token == "" {
				ErrUnauthorized(w)
				return
			}

			claims, err := jwtMgr.ValidateAccessToken(token)
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyUser, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header, or returns "".
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. Chi's middleware.RequestID is expected to
// run before this middleware so the request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// claimsFromCtx retrieves the JWT claims stored by the Authenticate
// middleware. Returns nil if the request is unauthenticated.
func claimsFromCtx(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(contextKeyUser).(*auth.Claims)
	return claims
}
