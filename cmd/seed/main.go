// Package main implements a one-shot seed command that creates a user and,
// optionally, an agent provisioning token directly in the Panemux database.
// It lives inside the server module so it can access internal/* packages.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --email dev@localhost \
//	  --password secret \
//	  --name "Dev User" \
//	  --tier pro \
//	  --agent-token "work laptop"
//
// Environment variables:
//
//	PANEMUX_DB_DRIVER  sqlite or postgres (default: sqlite)
//	PANEMUX_DB_DSN     SQLite file path or Postgres DSN (default: ./panemux.db)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/panemux-io/panemux/internal/auth"
	"github.com/panemux-io/panemux/internal/db"
	"github.com/panemux-io/panemux/internal/repositories"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	email := flag.String("email", "", "User email (required)")
	password := flag.String("password", "", "Plain-text password (required)")
	name := flag.String("name", "Dev User", "Display name")
	tier := flag.String("tier", "free", "Tier: free or pro")
	agentTokenName := flag.String("agent-token", "", "Also mint an agent token with this name")
	flag.Parse()

	if *email == "" {
		return fmt.Errorf("--email is required")
	}
	if *password == "" {
		return fmt.Errorf("--password is required")
	}
	if *tier != "free" && *tier != "pro" {
		return fmt.Errorf("--tier must be 'free' or 'pro'")
	}

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   envOrDefault("PANEMUX_DB_DRIVER", "sqlite"),
		DSN:      envOrDefault("PANEMUX_DB_DSN", "./panemux.db"),
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	ctx := context.Background()

	userRepo := repositories.NewUserRepository(database)
	refreshRepo := repositories.NewRefreshTokenRepository(database)
	agentTokenRepo := repositories.NewAgentTokenRepository(database)

	// The JWT manager is unused by CreateLocalUser but required by the
	// provider's constructor; an ephemeral key is fine here.
	jwtMgr, err := auth.NewJWTManagerGenerated("panemux")
	if err != nil {
		return fmt.Errorf("generate JWT key: %w", err)
	}
	provider := auth.NewLocalAuthProvider(userRepo, refreshRepo, jwtMgr)

	user, err := provider.CreateLocalUser(ctx, *email, *password, *name, *tier)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Printf("✓ User created\n")
	fmt.Printf("  ID:    %s\n", user.ID)
	fmt.Printf("  Email: %s\n", user.Email)
	fmt.Printf("  Name:  %s\n", user.DisplayName)
	fmt.Printf("  Tier:  %s\n", user.Tier)

	if *agentTokenName != "" {
		raw, err := auth.GenerateAgentToken()
		if err != nil {
			return fmt.Errorf("generate agent token: %w", err)
		}
		token := &db.AgentToken{
			UserID:    user.ID,
			Name:      *agentTokenName,
			TokenHash: auth.HashToken(raw),
		}
		if err := agentTokenRepo.Create(ctx, token); err != nil {
			return fmt.Errorf("store agent token: %w", err)
		}

		fmt.Printf("✓ Agent token created\n")
		fmt.Printf("  ID:    %s\n", token.ID)
		fmt.Printf("  Name:  %s\n", token.Name)
		fmt.Printf("  Token: %s\n", raw)
		fmt.Printf("  Store this token now — it is not shown again.\n")
	}

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
