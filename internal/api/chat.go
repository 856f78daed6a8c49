package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/panemux-io/panemux/internal/chat"
	"github.com/panemux-io/panemux/internal/relay"
)

// maxChatTextLen bounds a single chat message.
const maxChatTextLen = 4096

// ChatHandler accepts chat messages over HTTP and fans them out to every
// open browser connection of the same user via the relay push path.
type ChatHandler struct {
	broadcaster *chat.Broadcaster
	logger      *zap.Logger
}

// NewChatHandler creates a new ChatHandler.
func NewChatHandler(b *chat.Broadcaster, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		broadcaster: b,
		logger:      logger.Named("chat_handler"),
	}
}

// sendChatRequest is the JSON body for POST /api/v1/chat.
type sendChatRequest struct {
	Text string `json:"text"`

	// From is an optional display label for the sender, e.g. a device name.
	From string `json:"from,omitempty"`
}

// chatMessagePayload is the payload of the chat:message push.
type chatMessagePayload struct {
	Text   string    `json:"text"`
	From   string    `json:"from,omitempty"`
	SentAt time.Time `json:"sentAt"`
}

// Send handles POST /api/v1/chat.
// Publishes the message to all of the caller's open browser sessions and
// reports how many received it.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}

	var req sendChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Text == "" {
		ErrBadRequest(w, "text is required")
		return
	}
	if len(req.Text) > maxChatTextLen {
		ErrBadRequest(w, "text exceeds maximum length")
		return
	}

	payload, err := json.Marshal(chatMessagePayload{
		Text:   req.Text,
		From:   req.From,
		SentAt: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("encoding chat payload", zap.Error(err))
		ErrInternal(w)
		return
	}

	delivered := h.broadcaster.Publish(claims.Subject, relay.TypeChatMessage, payload)

	Ok(w, struct {
		Delivered int `json:"delivered"`
	}{Delivered: delivered})
}
