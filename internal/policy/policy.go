// Package policy enforces per-tier limits and supplies the tier payloads
// the relay pushes to browsers.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/panemux-io/panemux/internal/relay"
	"github.com/panemux-io/panemux/internal/repositories"
)

// DefaultFreeAgentTokenLimit is how many active agent tokens a free-tier
// user may hold. Pro accounts are unlimited.
const DefaultFreeAgentTokenLimit = 3

// lookupTimeout bounds the database calls made from the relay's connect
// path, which carries no request context.
const lookupTimeout = 5 * time.Second

// Pusher is the slice of the relay the policy service needs to notify
// browsers. Satisfied by *relay.Relay.
type Pusher interface {
	PushToUserBrowsers(userID string, env relay.Envelope)
}

// TierInfo is the payload of the tier:info message sent to a browser on
// connect.
type TierInfo struct {
	Tier string `json:"tier"`

	// MaxAgentTokens is 0 for unlimited.
	MaxAgentTokens int `json:"maxAgentTokens"`
}

// Service resolves users to their tier limits. It implements the relay's
// PolicyProvider contract.
type Service struct {
	users       repositories.UserRepository
	agentTokens repositories.AgentTokenRepository

	freeAgentTokenLimit int

	pusher Pusher
	logger *zap.Logger
}

// NewService creates a policy Service. freeAgentTokenLimit <= 0 selects the
// default.
func NewService(
	users repositories.UserRepository,
	agentTokens repositories.AgentTokenRepository,
	freeAgentTokenLimit int,
	logger *zap.Logger,
) *Service {
	if freeAgentTokenLimit <= 0 {
		freeAgentTokenLimit = DefaultFreeAgentTokenLimit
	}
	return &Service{
		users:               users,
		agentTokens:         agentTokens,
		freeAgentTokenLimit: freeAgentTokenLimit,
		logger:              logger.Named("policy"),
	}
}

// SetPusher wires the relay in after construction. The relay depends on the
// policy service for tier:info, so the two cannot be built in one step.
func (s *Service) SetPusher(p Pusher) {
	s.pusher = p
}

// TierInfoFor returns the tier payload for a user. Called by the relay on
// every browser connect.
func (s *Service) TierInfoFor(userID string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	id, err := uuid.Parse(userID)
	if err != nil {
		return nil, fmt.Errorf("policy: bad user id %q: %w", userID, err)
	}

	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("policy: looking up user: %w", err)
	}

	info := TierInfo{Tier: user.Tier}
	if user.Tier != "pro" {
		info.MaxAgentTokens = s.freeAgentTokenLimit
	}

	return json.Marshal(info)
}

// CanMintAgentToken reports whether the user may create another agent
// token under their tier.
func (s *Service) CanMintAgentToken(ctx context.Context, userID uuid.UUID) (bool, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("policy: looking up user: %w", err)
	}
	if user.Tier == "pro" {
		return true, nil
	}

	active, err := s.agentTokens.CountActiveByUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("policy: counting agent tokens: %w", err)
	}
	return active < int64(s.freeAgentTokenLimit), nil
}

// NotifyTierLimit pushes a tier:limit message to the user's browsers after
// a limit rejection, so open UIs can surface the upgrade prompt.
func (s *Service) NotifyTierLimit(userID uuid.UUID, limit string) {
	if s.pusher == nil {
		return
	}
	payload, err := json.Marshal(struct {
		Limit string `json:"limit"`
		Max   int    `json:"max"`
	}{Limit: limit, Max: s.freeAgentTokenLimit})
	if err != nil {
		s.logger.Error("marshaling tier limit payload", zap.Error(err))
		return
	}
	s.pusher.PushToUserBrowsers(userID.String(), relay.Envelope{
		Type:    relay.TypeTierLimit,
		Payload: payload,
	})
}
