package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/panemux-io/panemux/internal/metrics"
)

// inflightRef points a relay-scoped correlation id back to the browser that
// issued the request and the id that browser chose.
type inflightRef struct {
	browser    *browserSession
	originalID string
}

// agentSession is one live, authenticated agent connection. Inbound messages
// are either correlated replies (routed to the single issuing browser via
// the in-flight table) or fan-out (delivered to every browser of the owning
// user). Browser sessions write into the agent only through enqueueRaw.
type agentSession struct {
	relay    *Relay
	userID   string
	identity AgentIdentity
	conn     *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// lastPong is the unix-nano timestamp of the most recent agent:pong.
	// Written by the read loop, read by the heartbeat ticker.
	lastPong atomic.Int64

	// inflight maps relay-scoped correlation ids to their issuing browsers.
	// Entries are added by browser sessions when forwarding a request and
	// removed on response, timeout, or cancellation.
	inflightMu sync.Mutex
	inflight   map[string]inflightRef

	logger *zap.Logger
}

func newAgentSession(r *Relay, userID string, identity AgentIdentity, conn *websocket.Conn, remoteAddr string) *agentSession {
	a := &agentSession{
		relay:    r,
		userID:   userID,
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		inflight: make(map[string]inflightRef),
		logger: r.logger.Named("agent").With(
			zap.String("user_id", userID),
			zap.String("agent_id", identity.AgentID),
			zap.String("remote_addr", remoteAddr),
		),
	}
	a.lastPong.Store(time.Now().UnixNano())
	return a
}

// run starts the pumps and blocks until the connection closes. The caller
// must have registered the session in the routing tables already so that
// agent:online precedes any message this agent sends.
func (a *agentSession) run() {
	a.logger.Info("agent connected",
		zap.String("hostname", a.identity.Hostname),
		zap.String("os", a.identity.OS),
		zap.String("version", a.identity.Version))

	go a.writePump()
	a.readPump()
	a.shutdown()
}

func (a *agentSession) readPump() {
	defer a.close()

	a.conn.SetReadLimit(maxMessageSize)
	if err := a.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	a.conn.SetPongHandler(func(string) error {
		return a.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := a.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				a.logger.Debug("agent read error", zap.Error(err))
			}
			return
		}
		a.dispatch(raw)
	}
}

// dispatch routes one agent-originated message. Correlated replies go to the
// single issuing browser with its original id restored; everything else fans
// out verbatim to the owning user's browsers.
func (a *agentSession) dispatch(raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		a.logger.Warn("malformed agent message", zap.Error(err))
		metrics.MessagesDropped.WithLabelValues(metrics.DropMalformed).Inc()
		return
	}

	switch env.Type {
	case TypeResponse:
		ref, ok := a.popInflight(env.ID)
		if !ok {
			a.logger.Debug("response with unknown relay id", zap.String("relay_id", env.ID))
			metrics.MessagesDropped.WithLabelValues(metrics.DropUnknownTarget).Inc()
			return
		}
		ref.browser.deliverResponse(ref.originalID, env.Payload)

	case TypeScanPartial:
		ref, ok := a.peekInflight(env.ID)
		if !ok {
			metrics.MessagesDropped.WithLabelValues(metrics.DropUnknownTarget).Inc()
			return
		}
		ref.browser.deliverPartial(ref.originalID, env.Payload)

	case TypeAgentPong:
		a.lastPong.Store(time.Now().UnixNano())

	default:
		a.fanOut(raw)
	}
}

// fanOut delivers a message verbatim to every browser of the owning user.
// Best-effort per browser; a slow browser is disconnected by its own
// enqueue, never waited on here.
func (a *agentSession) fanOut(raw []byte) {
	for _, b := range a.relay.tables.BrowsersOf(a.userID) {
		b.enqueueRaw(raw)
	}
	metrics.MessagesRouted.WithLabelValues(metrics.PatternBroadcast).Inc()
}

// trackInflight records that relayID belongs to (browser, originalID).
// Called by browser sessions before forwarding a request.
func (a *agentSession) trackInflight(relayID string, b *browserSession, originalID string) {
	a.inflightMu.Lock()
	a.inflight[relayID] = inflightRef{browser: b, originalID: originalID}
	a.inflightMu.Unlock()
}

func (a *agentSession) popInflight(relayID string) (inflightRef, bool) {
	a.inflightMu.Lock()
	ref, ok := a.inflight[relayID]
	if ok {
		delete(a.inflight, relayID)
	}
	a.inflightMu.Unlock()
	return ref, ok
}

// peekInflight looks up without removing — partials leave the entry live for
// the final response.
func (a *agentSession) peekInflight(relayID string) (inflightRef, bool) {
	a.inflightMu.Lock()
	ref, ok := a.inflight[relayID]
	a.inflightMu.Unlock()
	return ref, ok
}

// forgetInflight drops a relay id, typically after the pending entry on the
// browser side has been rejected.
func (a *agentSession) forgetInflight(relayID string) {
	a.inflightMu.Lock()
	delete(a.inflight, relayID)
	a.inflightMu.Unlock()
}

// lastPongTime returns when the agent last answered a heartbeat probe.
func (a *agentSession) lastPongTime() time.Time {
	return time.Unix(0, a.lastPong.Load())
}

// enqueueRaw queues bytes for delivery to the agent. Returns false if the
// session is closing. A full buffer disconnects the agent.
func (a *agentSession) enqueueRaw(raw []byte) bool {
	select {
	case <-a.done:
		return false
	default:
	}

	select {
	case a.send <- raw:
		return true
	case <-a.done:
		return false
	default:
		a.logger.Warn("agent send buffer full, disconnecting")
		metrics.MessagesDropped.WithLabelValues(metrics.DropSlowConsumer).Inc()
		a.close()
		return false
	}
}

// writePump is the only goroutine that writes to conn.
func (a *agentSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		a.conn.Close()
	}()

	for {
		select {
		case raw := <-a.send:
			if err := a.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := a.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				a.logger.Debug("agent write error", zap.Error(err))
				a.close()
				return
			}

		case <-ticker.C:
			if err := a.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := a.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				a.close()
				return
			}

		case <-a.done:
			_ = a.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = a.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// close begins shutdown. Safe to call from any goroutine.
func (a *agentSession) close() {
	a.closeOnce.Do(func() {
		close(a.done)
		a.conn.Close()
	})
}

// shutdown runs the close handler after the read loop exits. Order matters:
// browsers must observe agent:offline before the error responses for the
// requests this agent leaves behind.
func (a *agentSession) shutdown() {
	a.close()

	if a.relay.tables.UnregisterAgent(a) {
		for _, b := range a.relay.tables.BrowsersOf(a.userID) {
			b.pending.CancelByAgent(a.identity.AgentID, ErrAgentOffline)
		}
	}

	a.inflightMu.Lock()
	a.inflight = make(map[string]inflightRef)
	a.inflightMu.Unlock()

	a.logger.Info("agent disconnected")
}
