package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/panemux-io/panemux/internal/db"
	"github.com/panemux-io/panemux/internal/repositories"
)

// UserHandler serves the current-user profile endpoints. There is no user
// administration surface: accounts come from local signup seeding or OIDC
// just-in-time provisioning.
type UserHandler struct {
	repo   repositories.UserRepository
	logger *zap.Logger
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(repo repositories.UserRepository, logger *zap.Logger) *UserHandler {
	return &UserHandler{
		repo:   repo,
		logger: logger.Named("user_handler"),
	}
}

// userResponse is the JSON representation of a user. PasswordHash and the
// OIDC subject are never exposed.
type userResponse struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name"`
	Tier        string     `json:"tier"`
	IsOIDC      bool       `json:"is_oidc"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func userToResponse(u *db.User) userResponse {
	return userResponse{
		ID:          u.ID.String(),
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Tier:        u.Tier,
		IsOIDC:      u.OIDCIssuer != "",
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
	}
}

// GetMe handles GET /api/v1/users/me.
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	Ok(w, userToResponse(user))
}

// updateMeRequest is the JSON body for PATCH /api/v1/users/me. Only the
// display name is user-editable.
type updateMeRequest struct {
	DisplayName string `json:"display_name"`
}

// UpdateMe handles PATCH /api/v1/users/me.
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var req updateMeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DisplayName == "" {
		ErrBadRequest(w, "display_name is required")
		return
	}

	user.DisplayName = req.DisplayName
	if err := h.repo.Update(r.Context(), user); err != nil {
		h.logger.Error("updating user", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, userToResponse(user))
}

// currentUser loads the authenticated user from the repository. Writes the
// error response itself and returns ok=false on any failure.
func (h *UserHandler) currentUser(w http.ResponseWriter, r *http.Request) (*db.User, bool) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return nil, false
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		ErrUnauthorized(w)
		return nil, false
	}

	user, err := h.repo.GetByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrUnauthorized(w)
			return nil, false
		}
		h.logger.Error("loading user", zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	return user, true
}
