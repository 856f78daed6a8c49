package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/panemux-io/panemux/internal/relay"
)

// AgentHandler serves the live-agent views backed by the relay's routing
// tables. There is no persistent agent resource — an agent exists exactly
// while its connection is up.
type AgentHandler struct {
	relay  *relay.Relay
	logger *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(r *relay.Relay, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		relay:  r,
		logger: logger.Named("agent_handler"),
	}
}

// agentView is the JSON shape of one connected agent.
type agentView struct {
	AgentID     string    `json:"agent_id"`
	Hostname    string    `json:"hostname"`
	OS          string    `json:"os"`
	Version     string    `json:"version"`
	ConnectedAt time.Time `json:"connected_at"`
}

// List handles GET /api/v1/agents.
// Returns the caller's currently connected agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}

	agents := h.relay.AgentsOf(claims.Subject)
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, agentView{
			AgentID:     a.AgentID,
			Hostname:    a.Hostname,
			OS:          a.OS,
			Version:     a.Version,
			ConnectedAt: a.ConnectedAt,
		})
	}

	Ok(w, views)
}

// Status handles GET /api/v1/agents/{agentID}/status.
// Reports whether a single agent is online without transferring the full
// list.
func (h *AgentHandler) Status(w http.ResponseWriter, r *http.Request, agentID string) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}

	Ok(w, struct {
		AgentID string `json:"agent_id"`
		Online  bool   `json:"online"`
	}{
		AgentID: agentID,
		Online:  h.relay.IsAgentOnline(claims.Subject, agentID),
	})
}
