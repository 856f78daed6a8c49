package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/panemux-io/panemux/internal/auth"
	"github.com/panemux-io/panemux/internal/db"
	"github.com/panemux-io/panemux/internal/policy"
	"github.com/panemux-io/panemux/internal/repositories"
)

// TokenHandler manages agent provisioning tokens: the bearer credentials an
// agent presents when connecting to the relay. The raw token is returned
// exactly once, at mint time; afterwards only its metadata is visible.
type TokenHandler struct {
	tokens repositories.AgentTokenRepository
	policy *policy.Service
	logger *zap.Logger
}

// NewTokenHandler creates a new TokenHandler.
func NewTokenHandler(tokens repositories.AgentTokenRepository, policySvc *policy.Service, logger *zap.Logger) *TokenHandler {
	return &TokenHandler{
		tokens: tokens,
		policy: policySvc,
		logger: logger.Named("token_handler"),
	}
}

// createTokenRequest is the JSON body for POST /api/v1/agent-tokens.
type createTokenRequest struct {
	Name string `json:"name"`

	// TTLDays of 0 means the token never expires.
	TTLDays int `json:"ttl_days"`
}

// tokenView is the JSON shape of a token's metadata.
type tokenView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// mintedTokenView extends tokenView with the raw token. Only Create returns
// this shape.
type mintedTokenView struct {
	tokenView
	Token string `json:"token"`
}

// Create handles POST /api/v1/agent-tokens.
// Mints a new token subject to the caller's tier limit. A limit rejection
// also pushes a tier:limit message to the caller's open browsers.
func (h *TokenHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	var req createTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	allowed, err := h.policy.CanMintAgentToken(r.Context(), userID)
	if err != nil {
		h.logger.Error("tier check failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	if !allowed {
		h.policy.NotifyTierLimit(userID, "agent_tokens")
		ErrUnprocessable(w, "agent token limit reached for your plan")
		return
	}

	raw, err := auth.GenerateAgentToken()
	if err != nil {
		h.logger.Error("generating agent token", zap.Error(err))
		ErrInternal(w)
		return
	}

	token := &db.AgentToken{
		UserID:    userID,
		Name:      req.Name,
		TokenHash: auth.HashToken(raw),
	}
	if req.TTLDays > 0 {
		expires := time.Now().UTC().Add(time.Duration(req.TTLDays) * 24 * time.Hour)
		token.ExpiresAt = &expires
	}

	if err := h.tokens.Create(r.Context(), token); err != nil {
		h.logger.Error("storing agent token", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, mintedTokenView{
		tokenView: viewOfToken(token),
		Token:     raw,
	})
}

// List handles GET /api/v1/agent-tokens.
// Returns all of the caller's tokens, including revoked and expired ones.
func (h *TokenHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	tokens, err := h.tokens.ListByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("listing agent tokens", zap.Error(err))
		ErrInternal(w)
		return
	}

	views := make([]tokenView, 0, len(tokens))
	for i := range tokens {
		views = append(views, viewOfToken(&tokens[i]))
	}
	Ok(w, views)
}

// Revoke handles DELETE /api/v1/agent-tokens/{id}.
// A revoked token blocks future agent connections; live connections are not
// terminated.
func (h *TokenHandler) Revoke(w http.ResponseWriter, r *http.Request, id string) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	tokenID, err := uuid.Parse(id)
	if err != nil {
		ErrBadRequest(w, "invalid token id")
		return
	}

	if err := h.tokens.Revoke(r.Context(), userID, tokenID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("revoking agent token", zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

func viewOfToken(t *db.AgentToken) tokenView {
	return tokenView{
		ID:         t.ID.String(),
		Name:       t.Name,
		CreatedAt:  t.CreatedAt,
		ExpiresAt:  t.ExpiresAt,
		RevokedAt:  t.RevokedAt,
		LastUsedAt: t.LastUsedAt,
	}
}
