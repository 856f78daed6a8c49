package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/panemux-io/panemux/internal/auth"
	"github.com/panemux-io/panemux/internal/chat"
	"github.com/panemux-io/panemux/internal/db"
	"github.com/panemux-io/panemux/internal/policy"
	"github.com/panemux-io/panemux/internal/relay"
	"github.com/panemux-io/panemux/internal/repositories"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	AuthService *auth.AuthService
	Relay       *relay.Relay
	Broadcaster *chat.Broadcaster
	Policy      *policy.Service
	Logger      *zap.Logger

	// Repositories — used directly by handlers that do not need service-layer logic.
	Users       repositories.UserRepository
	AgentTokens repositories.AgentTokenRepository

	// DB is used only by the health endpoint.
	DB *gorm.DB

	// Cookies names the auth cookies and controls their Secure flag.
	Cookies CookieConfig
}

// NewRouter builds and returns the fully configured Chi router.
// REST routes live under /api/v1; the two WebSocket upgrade paths and the
// operational endpoints are mounted at the root.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and size.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	authHandler := NewAuthHandler(cfg.AuthService, cfg.Cookies, cfg.Logger)
	userHandler := NewUserHandler(cfg.Users, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Relay, cfg.Logger)
	tokenHandler := NewTokenHandler(cfg.AgentTokens, cfg.Policy, cfg.Logger)
	chatHandler := NewChatHandler(cfg.Broadcaster, cfg.Logger)

	// jwtMgr is used by the Authenticate middleware to validate access tokens.
	jwtMgr := cfg.AuthService.JWTManager()

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes (no authentication required) ---
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/refresh", authHandler.Refresh)

			// OIDC flow — public because the user is not yet authenticated.
			r.Get("/auth/oidc/login", authHandler.OIDCLogin)
			r.Get("/auth/oidc/callback", authHandler.OIDCCallback)
		})

		// --- Authenticated routes (valid access token required) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(jwtMgr, cfg.Cookies.AccessName))

			// Auth
			r.Post("/auth/logout", authHandler.Logout)

			// Current user profile
			r.Get("/users/me", userHandler.GetMe)
			r.Patch("/users/me", userHandler.UpdateMe)

			// Connected agents (live view, relay-backed)
			r.Get("/agents", agentHandler.List)
			r.Get("/agents/{agentID}/status", func(w http.ResponseWriter, req *http.Request) {
				agentHandler.Status(w, req, chi.URLParam(req, "agentID"))
			})

			// Agent provisioning tokens
			r.Get("/agent-tokens", tokenHandler.List)
			r.Post("/agent-tokens", tokenHandler.Create)
			r.Delete("/agent-tokens/{id}", func(w http.ResponseWriter, req *http.Request) {
				tokenHandler.Revoke(w, req, chi.URLParam(req, "id"))
			})

			// Cross-device chat
			r.Post("/chat", chatHandler.Send)
		})
	})

	// --- WebSocket upgrade paths ---
	// Each carries its own authentication: the browser path reads the auth
	// cookies at upgrade time, the agent path authenticates in-band with its
	// first message.
	relayCfg := cfg.Relay.Config()
	r.Get(relayCfg.BrowserPath, cfg.Relay.HandleBrowser)
	r.Get(relayCfg.AgentPath, cfg.Relay.HandleAgent)

	// --- Operational endpoints ---
	r.Get("/healthz", healthz(cfg.DB))
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// healthz reports liveness plus database reachability.
func healthz(database *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.Ping(ctx, database); err != nil {
			JSON(w, http.StatusServiceUnavailable, envelope{"status": "degraded", "database": err.Error()})
			return
		}
		JSON(w, http.StatusOK, envelope{"status": "ok"})
	}
}
