package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/panemux-io/panemux/internal/metrics"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	// If the write does not complete within this window the connection is
	// closed — this prevents a stalled client from blocking the writePump.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a transport-level pong after
	// sending a ping. The connection is closed if no pong arrives in time.
	// This is independent of the application-level agent:ping heartbeat.
	pongWait = 60 * time.Second

	// pingPeriod is how often the server sends a transport ping frame.
	// Must be less than pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum inbound frame size in bytes. Terminal
	// input and request bodies are small; anything near this limit is a
	// misbehaving client.
	maxMessageSize = 1 << 20

	// sendBufferSize is the capacity of the per-peer outbound channel. If
	// the buffer fills up the peer is considered too slow and is
	// disconnected to prevent backpressure on other connections.
	sendBufferSize = 64
)

// browserSession is one live browser connection. It owns the pending-request
// registry for the requests this browser has issued and dispatches its
// inbound messages. Other goroutines (agent sessions, the routing tables,
// collaborators) deliver to the browser only through enqueueRaw.
type browserSession struct {
	relay  *Relay
	userID string
	conn   *websocket.Conn

	// send is the outbound buffer. writePump is the sole reader and the
	// only goroutine that writes to conn.
	send chan []byte

	// done is closed exactly once when the session starts shutting down.
	// enqueueRaw uses it to fail fast instead of writing to a dying peer.
	done      chan struct{}
	closeOnce sync.Once

	pending *PendingRequests

	unsubscribeChat func()

	logger *zap.Logger
}

func newBrowserSession(r *Relay, userID string, conn *websocket.Conn, remoteAddr string) *browserSession {
	return &browserSession{
		relay:   r,
		userID:  userID,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		pending: NewPendingRequests(r.cfg.RequestTimeout),
		logger: r.logger.Named("browser").With(
			zap.String("user_id", userID),
			zap.String("remote_addr", remoteAddr),
		),
	}
}

// run registers the session, sends the connect-time snapshot messages, and
// blocks until the connection closes.
func (b *browserSession) run() {
	b.relay.tables.RegisterBrowser(b)
	b.logger.Info("browser connected")

	b.sendTierInfo()
	b.enqueueRaw(agentsListEnvelope(b.relay.tables.AgentsOf(b.userID)))

	if b.relay.chat != nil {
		b.unsubscribeChat = b.relay.chat.Subscribe(b.userID, func(msgType string, payload json.RawMessage) {
			b.enqueueRaw(mustMarshal(Envelope{Type: msgType, Payload: payload}))
			metrics.MessagesRouted.WithLabelValues(metrics.PatternChat).Inc()
		})
	}

	go b.writePump()
	b.readPump()
	b.shutdown()
}

// sendTierInfo pushes the per-user policy payload. A policy failure is not
// fatal to the connection — the browser simply gets no tier data.
func (b *browserSession) sendTierInfo() {
	if b.relay.policy == nil {
		return
	}
	payload, err := b.relay.policy.TierInfoFor(b.userID)
	if err != nil {
		b.logger.Warn("tier info lookup failed", zap.Error(err))
		return
	}
	b.enqueueRaw(mustMarshal(Envelope{Type: TypeTierInfo, Payload: payload}))
}

// readPump reads inbound frames and dispatches them until the connection
// closes or errors.
func (b *browserSession) readPump() {
	defer b.close()

	b.conn.SetReadLimit(maxMessageSize)
	if err := b.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	b.conn.SetPongHandler(func(string) error {
		return b.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				b.logger.Debug("browser read error", zap.Error(err))
			}
			return
		}
		b.dispatch(raw)
	}
}

// dispatch routes one inbound message by envelope type. Malformed and
// unknown messages are dropped, never fatal.
func (b *browserSession) dispatch(raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		b.logger.Warn("malformed browser message", zap.Error(err))
		metrics.MessagesDropped.WithLabelValues(metrics.DropMalformed).Inc()
		return
	}

	switch {
	case isTargetedForward(env.Type):
		b.forwardTargeted(env, raw)

	case env.Type == TypeRequest:
		b.handleRequest(env, raw)

	case env.Type == TypePing:
		b.enqueueRaw(mustMarshal(Envelope{Type: TypePong, ID: env.ID}))

	default:
		b.logger.Debug("unhandled browser message type", zap.String("type", env.Type))
		metrics.MessagesDropped.WithLabelValues(metrics.DropMalformed).Inc()
	}
}

// forwardTargeted relays a fire-and-forget message to the target agent
// verbatim. An absent agent means a silent drop.
func (b *browserSession) forwardTargeted(env Envelope, raw []byte) {
	agent := b.relay.tables.AgentOf(b.userID, env.AgentID)
	if agent == nil {
		metrics.MessagesDropped.WithLabelValues(metrics.DropAgentOffline).Inc()
		return
	}
	agent.enqueueRaw(raw)
	metrics.MessagesRouted.WithLabelValues(metrics.PatternTargeted).Inc()
}

// handleRequest registers a correlated request and forwards it to the target
// agent under a relay-scoped correlation id. The browser's own id is unique
// only within this browser; the relay-scoped id is what the agent echoes
// back, and the agent session's in-flight table maps it to (browser,
// original id) on the return path.
func (b *browserSession) handleRequest(env Envelope, raw []byte) {
	if env.ID == "" || env.AgentID == "" {
		b.logger.Warn("request missing correlation id or target")
		metrics.MessagesDropped.WithLabelValues(metrics.DropMalformed).Inc()
		return
	}

	agent := b.relay.tables.AgentOf(b.userID, env.AgentID)
	if agent == nil {
		b.enqueueRaw(newErrorResponse(env.ID, http.StatusServiceUnavailable, "agent offline"))
		metrics.MessagesDropped.WithLabelValues(metrics.DropAgentOffline).Inc()
		return
	}

	relayID := uuid.NewString()
	originalID := env.ID
	targetAgentID := env.AgentID

	err := b.pending.Create(
		originalID,
		targetAgentID,
		func(payload json.RawMessage) {
			b.enqueueRaw(mustMarshal(Envelope{Type: TypeResponse, ID: originalID, Payload: payload}))
		},
		func(kind error) {
			b.rejectRequest(originalID, targetAgentID, relayID, kind)
		},
		func(payload json.RawMessage) {
			b.enqueueRaw(mustMarshal(Envelope{Type: TypeScanPartial, ID: originalID, Payload: payload}))
		},
	)
	if err != nil {
		b.logger.Warn("duplicate correlation id", zap.String("correlation_id", originalID))
		metrics.MessagesDropped.WithLabelValues(metrics.DropDuplicateID).Inc()
		return
	}

	forwarded, err := rewriteRequestID(raw, relayID)
	if err != nil {
		b.pending.ResolveError(originalID, ErrAgentOffline)
		return
	}

	agent.trackInflight(relayID, b, originalID)
	if !agent.enqueueRaw(forwarded) {
		agent.forgetInflight(relayID)
		b.pending.ResolveError(originalID, ErrAgentOffline)
		return
	}
	metrics.MessagesRouted.WithLabelValues(metrics.PatternRequest).Inc()
}

// rejectRequest synthesises the error response for a failed request and
// releases the relay-scoped id from the target agent's in-flight table.
func (b *browserSession) rejectRequest(originalID, targetAgentID, relayID string, kind error) {
	if agent := b.relay.tables.AgentOf(b.userID, targetAgentID); agent != nil {
		agent.forgetInflight(relayID)
	}

	switch {
	case errors.Is(kind, ErrRequestTimeout):
		b.enqueueRaw(newErrorResponse(originalID, http.StatusGatewayTimeout, "request timed out"))
	case errors.Is(kind, ErrAgentOffline):
		b.enqueueRaw(newErrorResponse(originalID, http.StatusServiceUnavailable, "agent offline"))
	case errors.Is(kind, ErrBrowserDisconnected):
		// Nobody left to deliver to.
	default:
		b.enqueueRaw(newErrorResponse(originalID, http.StatusInternalServerError, kind.Error()))
	}
}

// deliverResponse resolves a pending request with the agent's final payload.
// Called from the agent session goroutine.
func (b *browserSession) deliverResponse(originalID string, payload json.RawMessage) {
	if !b.pending.Resolve(originalID, payload) {
		b.logger.Debug("response for unknown correlation id", zap.String("correlation_id", originalID))
		metrics.MessagesDropped.WithLabelValues(metrics.DropUnknownTarget).Inc()
		return
	}
	metrics.MessagesRouted.WithLabelValues(metrics.PatternResponse).Inc()
}

// deliverPartial forwards a streaming partial; the pending entry stays live
// until the final response.
func (b *browserSession) deliverPartial(originalID string, payload json.RawMessage) {
	if !b.pending.DeliverPartial(originalID, payload) {
		metrics.MessagesDropped.WithLabelValues(metrics.DropUnknownTarget).Inc()
		return
	}
	metrics.MessagesRouted.WithLabelValues(metrics.PatternPartial).Inc()
}

// enqueueRaw queues bytes for delivery. Returns false if the session is
// closing. A full buffer disconnects the browser: a peer that cannot keep
// up must not stall fan-out to everyone else.
func (b *browserSession) enqueueRaw(raw []byte) bool {
	select {
	case <-b.done:
		return false
	default:
	}

	select {
	case b.send <- raw:
		return true
	case <-b.done:
		return false
	default:
		b.logger.Warn("browser send buffer full, disconnecting")
		metrics.MessagesDropped.WithLabelValues(metrics.DropSlowConsumer).Inc()
		b.close()
		return false
	}
}

// writePump serialises outbound messages onto the wire and keeps the
// transport-level ping/pong cycle running. It is the only goroutine that
// writes to conn.
func (b *browserSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		b.conn.Close()
	}()

	for {
		select {
		case raw := <-b.send:
			if err := b.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := b.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				b.logger.Debug("browser write error", zap.Error(err))
				b.close()
				return
			}

		case <-ticker.C:
			if err := b.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := b.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.close()
				return
			}

		case <-b.done:
			_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = b.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// close begins shutdown. Safe to call from any goroutine, any number of
// times.
func (b *browserSession) close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.conn.Close()
	})
}

// shutdown runs the close handler after the read loop has exited: cancel
// in-flight requests, leave the routing tables, drop the chat subscription.
func (b *browserSession) shutdown() {
	b.close()

	if b.unsubscribeChat != nil {
		b.unsubscribeChat()
	}

	b.pending.CancelAll(ErrBrowserDisconnected)
	b.relay.tables.UnregisterBrowser(b)
	b.logger.Info("browser disconnected")
}
