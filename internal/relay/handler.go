package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/panemux-io/panemux/internal/metrics"
)

// BrowserAuthenticator resolves a browser upgrade request to a user id.
// Implemented by the auth package's cookie-based authenticator.
type BrowserAuthenticator interface {
	AuthenticateRequest(r *http.Request) (userID string, err error)
}

// AgentAuthenticator resolves an agent bearer token to the owning user id.
type AgentAuthenticator interface {
	VerifyAgentToken(ctx context.Context, token string) (userID string, err error)
}

// PolicyProvider supplies the opaque tier payload pushed to a browser on
// connect.
type PolicyProvider interface {
	TierInfoFor(userID string) (json.RawMessage, error)
}

// ChatBroadcaster lets external subsystems push messages to a user's
// browsers. Subscribe returns the unsubscribe function.
type ChatBroadcaster interface {
	Subscribe(userID string, deliver func(msgType string, payload json.RawMessage)) (unsubscribe func())
}

// upgrader performs the HTTP → WebSocket protocol upgrade.
// CheckOrigin always returns true — origin validation is the responsibility
// of the reverse proxy in production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Relay terminates both connection classes and owns the routing tables.
// HandleBrowser and HandleAgent are mounted on the configured upgrade paths;
// everything else on the router refuses the connection.
type Relay struct {
	cfg    Config
	tables *Tables

	browserAuth BrowserAuthenticator
	agentAuth   AgentAuthenticator
	policy      PolicyProvider
	chat        ChatBroadcaster

	logger *zap.Logger
}

// New creates a Relay. policy and chat may be nil; the corresponding
// connect-time messages are then skipped.
func New(
	cfg Config,
	browserAuth BrowserAuthenticator,
	agentAuth AgentAuthenticator,
	policy PolicyProvider,
	chat ChatBroadcaster,
	logger *zap.Logger,
) *Relay {
	log := logger.Named("relay")
	return &Relay{
		cfg:         cfg.withDefaults(),
		tables:      NewTables(log),
		browserAuth: browserAuth,
		agentAuth:   agentAuth,
		policy:      policy,
		chat:        chat,
		logger:      log,
	}
}

// Config returns the effective configuration with defaults applied.
func (r *Relay) Config() Config {
	return r.cfg
}

// IsAgentOnline reports whether the agent is currently connected. Exposed
// for the agents API.
func (r *Relay) IsAgentOnline(userID, agentID string) bool {
	return r.tables.IsAgentOnline(userID, agentID)
}

// AgentsOf returns the user's currently connected agents.
func (r *Relay) AgentsOf(userID string) []AgentIdentity {
	return r.tables.AgentsOf(userID)
}

// PushToUserBrowsers fans an envelope out to every browser of the user.
// Used by the chat and policy subsystems.
func (r *Relay) PushToUserBrowsers(userID string, env Envelope) {
	r.tables.PushToUserBrowsers(userID, env)
}

// HandleBrowser authenticates and upgrades a browser connection, then runs
// its session until disconnect.
func (r *Relay) HandleBrowser(w http.ResponseWriter, req *http.Request) {
	userID, err := r.browserAuth.AuthenticateRequest(req)
	if err != nil {
		r.logger.Info("browser upgrade rejected",
			zap.String("remote_addr", req.RemoteAddr),
			zap.Error(err))
		metrics.AuthFailures.WithLabelValues("browser").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		r.logger.Debug("browser upgrade failed", zap.Error(err))
		return
	}

	newBrowserSession(r, userID, conn, req.RemoteAddr).run()
}

// agentAuthClaim is the payload of the agent:auth message — the bearer
// credential plus the agent's self-declared identity.
type agentAuthClaim struct {
	Token    string `json:"token"`
	AgentID  string `json:"agentId"`
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Version  string `json:"version"`
}

// HandleAgent upgrades an agent connection unauthenticated, then requires an
// agent:auth message within the auth timeout. Invalid credentials get an
// agent:auth:rejected message before the close; a silent timeout just
// closes.
func (r *Relay) HandleAgent(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug("agent upgrade failed", zap.Error(err))
		return
	}

	userID, identity, ok := r.authenticateAgent(req.Context(), conn, req.RemoteAddr)
	if !ok {
		conn.Close()
		return
	}

	session := newAgentSession(r, userID, identity, conn, req.RemoteAddr)

	// Register before starting the pumps so that agent:online reaches the
	// browsers ahead of anything this agent sends.
	r.tables.RegisterAgent(session)
	session.run()
}

// authenticateAgent waits for the first message and verifies it. Returns
// ok=false after writing any rejection the protocol calls for.
func (r *Relay) authenticateAgent(ctx context.Context, conn *websocket.Conn, remoteAddr string) (string, AgentIdentity, bool) {
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(r.cfg.AgentAuthTimeout)); err != nil {
		return "", AgentIdentity{}, false
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		// Timeout or transport failure before agent:auth: silent close.
		r.logger.Info("agent auth timed out",
			zap.String("remote_addr", remoteAddr))
		metrics.AuthFailures.WithLabelValues("agent").Inc()
		return "", AgentIdentity{}, false
	}

	env, err := decodeEnvelope(raw)
	if err != nil || env.Type != TypeAgentAuth {
		r.rejectAgent(conn, remoteAddr, "first message must be agent:auth")
		return "", AgentIdentity{}, false
	}

	var claim agentAuthClaim
	if err := json.Unmarshal(env.Payload, &claim); err != nil || claim.AgentID == "" {
		r.rejectAgent(conn, remoteAddr, "invalid auth claim")
		return "", AgentIdentity{}, false
	}

	userID, err := r.agentAuth.VerifyAgentToken(ctx, claim.Token)
	if err != nil {
		r.rejectAgent(conn, remoteAddr, "invalid token")
		return "", AgentIdentity{}, false
	}

	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return "", AgentIdentity{}, false
	}

	return userID, AgentIdentity{
		AgentID:     claim.AgentID,
		Hostname:    claim.Hostname,
		OS:          claim.OS,
		Version:     claim.Version,
		ConnectedAt: time.Now().UTC(),
	}, true
}

// rejectAgent sends agent:auth:rejected ahead of the close.
func (r *Relay) rejectAgent(conn *websocket.Conn, remoteAddr, reason string) {
	r.logger.Info("agent auth rejected",
		zap.String("remote_addr", remoteAddr),
		zap.String("reason", reason))
	metrics.AuthFailures.WithLabelValues("agent").Inc()

	payload, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: reason})
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, mustMarshal(Envelope{
		Type:    TypeAgentAuthRejected,
		Payload: payload,
	}))
}
