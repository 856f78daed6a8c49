package relay

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/panemux-io/panemux/internal/metrics"
)

// AgentIdentity is the metadata an agent declares in its auth claim. AgentID
// is stable across reconnects; the rest is replaced wholesale on each
// connection.
type AgentIdentity struct {
	AgentID     string    `json:"agentId"`
	Hostname    string    `json:"hostname"`
	OS          string    `json:"os"`
	Version     string    `json:"version"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Tables is the process-wide routing state: which browsers and agents are
// live for each user. It is the single source of truth for "who can talk to
// whom" — no message crosses users.
//
// Writers hold the lock only to mutate the maps; presence notifications and
// fan-out always operate on snapshots taken inside the critical section and
// delivered after it, so a slow peer never blocks registration. Per-user
// serialisation of presence events comes from the sessions themselves: an
// agent's register/unregister runs on that agent's goroutine, and each
// browser's send queue preserves enqueue order.
type Tables struct {
	mu       sync.RWMutex
	browsers map[string]map[*browserSession]struct{}
	agents   map[string]map[string]*agentSession

	logger *zap.Logger
}

// NewTables creates empty routing tables.
func NewTables(logger *zap.Logger) *Tables {
	return &Tables{
		browsers: make(map[string]map[*browserSession]struct{}),
		agents:   make(map[string]map[string]*agentSession),
		logger:   logger.Named("tables"),
	}
}

// RegisterBrowser adds a browser to its user's set.
func (t *Tables) RegisterBrowser(b *browserSession) {
	t.mu.Lock()
	set, ok := t.browsers[b.userID]
	if !ok {
		set = make(map[*browserSession]struct{})
		t.browsers[b.userID] = set
	}
	set[b] = struct{}{}
	t.mu.Unlock()

	metrics.BrowsersConnected.Inc()
}

// UnregisterBrowser removes a browser; empty user entries are dropped.
func (t *Tables) UnregisterBrowser(b *browserSession) {
	t.mu.Lock()
	set, ok := t.browsers[b.userID]
	if ok {
		if _, present := set[b]; present {
			delete(set, b)
			metrics.BrowsersConnected.Dec()
		}
		if len(set) == 0 {
			delete(t.browsers, b.userID)
		}
	}
	t.mu.Unlock()
}

// RegisterAgent installs an agent record. If a prior record exists for the
// same (user, agent id) it is evicted: its connection is closed, the user's
// browsers see agent:offline for the old record and any pending requests
// targeting it are rejected, then the new record goes live with
// agent:online. The caller must not have started the session's pumps yet —
// agent:online must precede any message from the agent.
func (t *Tables) RegisterAgent(a *agentSession) {
	t.mu.Lock()
	byID, ok := t.agents[a.userID]
	if !ok {
		byID = make(map[string]*agentSession)
		t.agents[a.userID] = byID
	}
	old := byID[a.identity.AgentID]
	byID[a.identity.AgentID] = a
	browsers := t.browserSnapshotLocked(a.userID)
	t.mu.Unlock()

	if old != nil {
		t.logger.Info("agent superseded by reconnect",
			zap.String("user_id", a.userID),
			zap.String("agent_id", a.identity.AgentID))
		metrics.AgentSupersessions.Inc()
		old.close()

		offline := agentOfflineEnvelope(old.identity.AgentID)
		for _, b := range browsers {
			b.enqueueRaw(offline)
			b.pending.CancelByAgent(old.identity.AgentID, ErrAgentOffline)
		}
	} else {
		metrics.AgentsConnected.Inc()
	}

	online := agentOnlineEnvelope(a.identity)
	for _, b := range browsers {
		b.enqueueRaw(online)
	}
	metrics.MessagesRouted.WithLabelValues(metrics.PatternPresence).Inc()
}

// UnregisterAgent removes the agent if it is still the current record for
// its (user, agent id) pair and notifies the user's browsers. Returns false
// when the record was already superseded, in which case the eviction path
// has handled notification.
func (t *Tables) UnregisterAgent(a *agentSession) bool {
	t.mu.Lock()
	byID, ok := t.agents[a.userID]
	if !ok || byID[a.identity.AgentID] != a {
		t.mu.Unlock()
		return false
	}
	delete(byID, a.identity.AgentID)
	if len(byID) == 0 {
		delete(t.agents, a.userID)
	}
	browsers := t.browserSnapshotLocked(a.userID)
	t.mu.Unlock()

	metrics.AgentsConnected.Dec()

	offline := agentOfflineEnvelope(a.identity.AgentID)
	for _, b := range browsers {
		b.enqueueRaw(offline)
	}
	metrics.MessagesRouted.WithLabelValues(metrics.PatternPresence).Inc()
	return true
}

// BrowsersOf returns a snapshot of the user's live browsers.
func (t *Tables) BrowsersOf(userID string) []*browserSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.browserSnapshotLocked(userID)
}

// AgentOf returns the live agent for (user, agent id), or nil.
func (t *Tables) AgentOf(userID, agentID string) *agentSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.agents[userID][agentID]
}

// AgentsOf returns a snapshot of the user's agent identities, for the
// agents:list message sent on browser connect.
func (t *Tables) AgentsOf(userID string) []AgentIdentity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	byID := t.agents[userID]
	out := make([]AgentIdentity, 0, len(byID))
	for _, a := range byID {
		out = append(out, a.identity)
	}
	return out
}

// AllAgents returns a snapshot of every live agent, for the heartbeat
// ticker.
func (t *Tables) AllAgents() []*agentSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*agentSession
	for _, byID := range t.agents {
		for _, a := range byID {
			out = append(out, a)
		}
	}
	return out
}

// IsAgentOnline reports whether the agent is currently connected. Exposed to
// other subsystems (agents API).
func (t *Tables) IsAgentOnline(userID, agentID string) bool {
	return t.AgentOf(userID, agentID) != nil
}

// PushToUserBrowsers fans an envelope out to every browser of the user.
// Used by the chat and policy subsystems. Delivery is best-effort: a slow
// browser is disconnected, not waited for.
func (t *Tables) PushToUserBrowsers(userID string, env Envelope) {
	raw := mustMarshal(env)
	for _, b := range t.BrowsersOf(userID) {
		b.enqueueRaw(raw)
	}
}

// browserSnapshotLocked copies the user's browser set. Caller holds t.mu.
func (t *Tables) browserSnapshotLocked(userID string) []*browserSession {
	set := t.browsers[userID]
	out := make([]*browserSession, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	return out
}

func agentOnlineEnvelope(identity AgentIdentity) []byte {
	payload, _ := json.Marshal(identity)
	return mustMarshal(Envelope{Type: TypeAgentOnline, Payload: payload})
}

func agentOfflineEnvelope(agentID string) []byte {
	payload, _ := json.Marshal(struct {
		AgentID string `json:"agentId"`
	}{AgentID: agentID})
	return mustMarshal(Envelope{Type: TypeAgentOffline, Payload: payload})
}

func agentsListEnvelope(agents []AgentIdentity) []byte {
	payload, _ := json.Marshal(struct {
		Agents []AgentIdentity `json:"agents"`
	}{Agents: agents})
	return mustMarshal(Envelope{Type: TypeAgentsList, Payload: payload})
}
