package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/panemux-io/panemux/internal/repositories"
)

const (
	// agentTokenBytes is the entropy of a raw agent bearer token.
	agentTokenBytes = 32

	// agentTokenPrefix marks raw agent tokens so they are recognizable in
	// agent config files and in accidental leaks (secret scanning).
	agentTokenPrefix = "pmx_"
)

// AgentTokenVerifier checks the bearer token an agent presents in its first
// WebSocket message and resolves it to the owning user. Every check hits the
// database: agent connects are rare (reconnects, not per-message) and
// revocation must take effect immediately for new connections.
type AgentTokenVerifier struct {
	tokenRepo repositories.AgentTokenRepository
	logger    *zap.Logger
}

// NewAgentTokenVerifier creates an AgentTokenVerifier.
func NewAgentTokenVerifier(tokenRepo repositories.AgentTokenRepository, logger *zap.Logger) *AgentTokenVerifier {
	return &AgentTokenVerifier{
		tokenRepo: tokenRepo,
		logger:    logger.Named("agent-auth"),
	}
}

// VerifyAgentToken resolves a raw bearer token to the owning user's ID.
// Unknown, revoked, and expired tokens all collapse to ErrAgentTokenInvalid
// so the rejection message leaks nothing about why.
func (v *AgentTokenVerifier) VerifyAgentToken(ctx context.Context, rawToken string) (string, error) {
	if rawToken == "" {
		return "", ErrAgentTokenInvalid
	}

	stored, err := v.tokenRepo.GetByHash(ctx, HashToken(rawToken))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return "", ErrAgentTokenInvalid
		}
		return "", fmt.Errorf("auth: fetching agent token: %w", err)
	}

	if stored.RevokedAt != nil {
		v.logger.Info("revoked agent token presented",
			zap.String("token_id", stored.ID.String()),
			zap.String("user_id", stored.UserID.String()))
		return "", ErrAgentTokenInvalid
	}

	if stored.ExpiresAt != nil && time.Now().After(*stored.ExpiresAt) {
		return "", ErrAgentTokenInvalid
	}

	// Best-effort: authentication succeeds even if the touch fails.
	_ = v.tokenRepo.TouchLastUsed(ctx, stored.ID, time.Now().UTC())

	return stored.UserID.String(), nil
}

// GenerateAgentToken returns a new raw agent bearer token. The caller stores
// HashToken(raw) and shows the raw value to the user exactly once.
func GenerateAgentToken() (string, error) {
	s, err := generateRandomBase64(agentTokenBytes)
	if err != nil {
		return "", fmt.Errorf("auth: generating agent token: %w", err)
	}
	return agentTokenPrefix + s, nil
}
