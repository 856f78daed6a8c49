package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/panemux-io/panemux/internal/api"
	"github.com/panemux-io/panemux/internal/auth"
	"github.com/panemux-io/panemux/internal/chat"
	"github.com/panemux-io/panemux/internal/db"
	"github.com/panemux-io/panemux/internal/policy"
	"github.com/panemux-io/panemux/internal/relay"
	"github.com/panemux-io/panemux/internal/repositories"
	"github.com/panemux-io/panemux/internal/scheduler"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	listenAddr string
	dbDriver   string
	dbDSN      string
	logLevel   string

	jwtPrivateKeyPath string
	jwtPublicKeyPath  string
	jwtIssuer         string

	accessCookieName  string
	refreshCookieName string
	secureCookies     bool

	oidcIssuer       string
	oidcClientID     string
	oidcClientSecret string
	oidcRedirectURL  string
	oidcScopes       string

	devBypassUserID string

	browserPath        string
	agentPath          string
	agentAuthTimeout   time.Duration
	requestTimeout     time.Duration
	heartbeatPeriod    time.Duration
	heartbeatMaxMissed int

	freeAgentTokenLimit int
	sweepInterval       time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "panemux-server",
		Short: "Panemux server — WebSocket relay for remote workspaces",
		Long: `Panemux server is the cloud side of the Panemux remote workspace system.
It relays messages between browser UIs and the agents running on users'
machines, and exposes a REST API for session and token management.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	f := root.PersistentFlags()
	f.StringVar(&cfg.listenAddr, "listen-addr", envOrDefault("PANEMUX_LISTEN_ADDR", ":8080"), "HTTP and WebSocket listen address")
	f.StringVar(&cfg.dbDriver, "db-driver", envOrDefault("PANEMUX_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	f.StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("PANEMUX_DB_DSN", "./panemux.db"), "Database DSN or file path for SQLite")
	f.StringVar(&cfg.logLevel, "log-level", envOrDefault("PANEMUX_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	f.StringVar(&cfg.jwtPrivateKeyPath, "jwt-private-key", envOrDefault("PANEMUX_JWT_PRIVATE_KEY", ""), "Path to RSA private key PEM for JWT signing (generated in memory if unset)")
	f.StringVar(&cfg.jwtPublicKeyPath, "jwt-public-key", envOrDefault("PANEMUX_JWT_PUBLIC_KEY", ""), "Path to RSA public key PEM for JWT verification")
	f.StringVar(&cfg.jwtIssuer, "jwt-issuer", envOrDefault("PANEMUX_JWT_ISSUER", "panemux"), "Issuer claim for signed tokens")

	f.StringVar(&cfg.accessCookieName, "access-cookie", envOrDefault("PANEMUX_ACCESS_COOKIE", "panemux_access"), "Name of the access-token cookie")
	f.StringVar(&cfg.refreshCookieName, "refresh-cookie", envOrDefault("PANEMUX_REFRESH_COOKIE", "panemux_refresh"), "Name of the refresh-token cookie")
	f.BoolVar(&cfg.secureCookies, "secure-cookies", envBoolOrDefault("PANEMUX_SECURE_COOKIES", false), "Set the Secure flag on auth cookies (enable behind HTTPS)")

	f.StringVar(&cfg.oidcIssuer, "oidc-issuer", envOrDefault("PANEMUX_OIDC_ISSUER", ""), "OIDC issuer URL (leave empty to disable OIDC login)")
	f.StringVar(&cfg.oidcClientID, "oidc-client-id", envOrDefault("PANEMUX_OIDC_CLIENT_ID", ""), "OIDC client ID")
	f.StringVar(&cfg.oidcClientSecret, "oidc-client-secret", envOrDefault("PANEMUX_OIDC_CLIENT_SECRET", ""), "OIDC client secret")
	f.StringVar(&cfg.oidcRedirectURL, "oidc-redirect-url", envOrDefault("PANEMUX_OIDC_REDIRECT_URL", ""), "OIDC callback URL registered with the provider")
	f.StringVar(&cfg.oidcScopes, "oidc-scopes", envOrDefault("PANEMUX_OIDC_SCOPES", "openid email profile"), "Space-separated OIDC scopes")

	f.StringVar(&cfg.devBypassUserID, "dev-bypass-user", envOrDefault("PANEMUX_DEV_BYPASS_USER", ""), "User UUID for local development auth bypass (ignored when OIDC is configured)")

	f.StringVar(&cfg.browserPath, "browser-path", envOrDefault("PANEMUX_BROWSER_PATH", relay.DefaultBrowserPath), "WebSocket upgrade path for browsers")
	f.StringVar(&cfg.agentPath, "agent-path", envOrDefault("PANEMUX_AGENT_PATH", relay.DefaultAgentPath), "WebSocket upgrade path for agents")
	f.DurationVar(&cfg.agentAuthTimeout, "agent-auth-timeout", envDurationOrDefault("PANEMUX_AGENT_AUTH_TIMEOUT", relay.DefaultAgentAuthTimeout), "How long an agent may stay silent after connecting before being dropped")
	f.DurationVar(&cfg.requestTimeout, "request-timeout", envDurationOrDefault("PANEMUX_REQUEST_TIMEOUT", relay.DefaultRequestTimeout), "Deadline for correlated browser requests")
	f.DurationVar(&cfg.heartbeatPeriod, "heartbeat-period", envDurationOrDefault("PANEMUX_HEARTBEAT_PERIOD", relay.DefaultHeartbeatPeriod), "Agent liveness probe interval")
	f.IntVar(&cfg.heartbeatMaxMissed, "heartbeat-max-missed", envIntOrDefault("PANEMUX_HEARTBEAT_MAX_MISSED", relay.DefaultHeartbeatMaxMissed), "Unanswered probes before an agent is considered dead")

	f.IntVar(&cfg.freeAgentTokenLimit, "free-agent-token-limit", envIntOrDefault("PANEMUX_FREE_AGENT_TOKEN_LIMIT", policy.DefaultFreeAgentTokenLimit), "Active agent tokens allowed on the free tier")
	f.DurationVar(&cfg.sweepInterval, "sweep-interval", envDurationOrDefault("PANEMUX_SWEEP_INTERVAL", scheduler.DefaultSweepInterval), "Expired-token sweep interval")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("panemux-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting panemux server",
		zap.String("version", version),
		zap.String("listen_addr", cfg.listenAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Database and repositories.
	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	userRepo := repositories.NewUserRepository(database)
	refreshRepo := repositories.NewRefreshTokenRepository(database)
	agentTokenRepo := repositories.NewAgentTokenRepository(database)

	// JWT keys. File-backed keys keep sessions valid across restarts; the
	// generated fallback is for development only.
	var jwtMgr *auth.JWTManager
	if cfg.jwtPrivateKeyPath != "" {
		jwtMgr, err = auth.NewJWTManagerFromFiles(cfg.jwtPrivateKeyPath, cfg.jwtPublicKeyPath, cfg.jwtIssuer)
		if err != nil {
			return fmt.Errorf("failed to load JWT keys: %w", err)
		}
	} else {
		logger.Warn("no JWT key configured, generating an ephemeral key; sessions will not survive a restart")
		jwtMgr, err = auth.NewJWTManagerGenerated(cfg.jwtIssuer)
		if err != nil {
			return fmt.Errorf("failed to generate JWT key: %w", err)
		}
	}

	// Auth providers.
	localProvider := auth.NewLocalAuthProvider(userRepo, refreshRepo, jwtMgr)

	var oidcProvider *auth.OIDCAuthProvider
	oidcCfg := auth.OIDCConfig{
		Issuer:       cfg.oidcIssuer,
		ClientID:     cfg.oidcClientID,
		ClientSecret: cfg.oidcClientSecret,
		RedirectURL:  cfg.oidcRedirectURL,
		Scopes:       cfg.oidcScopes,
	}
	if oidcCfg.Configured() {
		oidcProvider, err = auth.NewOIDCAuthProvider(ctx, oidcCfg, userRepo, refreshRepo, jwtMgr)
		if err != nil {
			return fmt.Errorf("failed to configure OIDC provider: %w", err)
		}
		logger.Info("OIDC login enabled", zap.String("issuer", cfg.oidcIssuer))
	}

	authSvc := auth.NewAuthService(localProvider, oidcProvider, refreshRepo, jwtMgr)

	browserAuth := auth.NewBrowserAuthenticator(auth.BrowserAuthConfig{
		AccessCookieName:  cfg.accessCookieName,
		RefreshCookieName: cfg.refreshCookieName,
		DevBypassUserID:   cfg.devBypassUserID,
	}, jwtMgr, userRepo, authSvc.OIDCConfigured(), logger)

	agentAuth := auth.NewAgentTokenVerifier(agentTokenRepo, logger)

	// Relay and its collaborators.
	broadcaster := chat.NewBroadcaster(logger)
	policySvc := policy.NewService(userRepo, agentTokenRepo, cfg.freeAgentTokenLimit, logger)

	rly := relay.New(relay.Config{
		BrowserPath:        cfg.browserPath,
		AgentPath:          cfg.agentPath,
		AgentAuthTimeout:   cfg.agentAuthTimeout,
		RequestTimeout:     cfg.requestTimeout,
		HeartbeatPeriod:    cfg.heartbeatPeriod,
		HeartbeatMaxMissed: cfg.heartbeatMaxMissed,
	}, browserAuth, agentAuth, policySvc, broadcaster, logger)

	// The policy service pushes tier:limit messages through the relay, and
	// the relay asks the policy service for tier:info. Break the cycle here.
	policySvc.SetPusher(rly)

	// Background maintenance.
	sched, err := scheduler.New(refreshRepo, agentTokenRepo, cfg.sweepInterval, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	go rly.RunHeartbeat(ctx)

	// HTTP server.
	router := api.NewRouter(api.RouterConfig{
		AuthService: authSvc,
		Relay:       rly,
		Broadcaster: broadcaster,
		Policy:      policySvc,
		Logger:      logger,
		Users:       userRepo,
		AgentTokens: agentTokenRepo,
		DB:          database,
		Cookies: api.CookieConfig{
			AccessName:  cfg.accessCookieName,
			RefreshName: cfg.refreshCookieName,
			Secure:      cfg.secureCookies,
		},
	})

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.listenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down panemux server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envBoolOrDefault(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
