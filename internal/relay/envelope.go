// Package relay implements the WebSocket relay coordinator: it terminates
// browser and agent connections, maintains the per-user routing tables, and
// routes messages between the two sides. Payloads are opaque — the relay
// inspects only the envelope fields.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the outer structure of every routed message. The relay reads
// Type, ID and AgentID; Payload is forwarded byte-for-byte.
type Envelope struct {
	Type string `json:"type"`

	// ID is the correlation id on request/response/partial envelopes.
	ID string `json:"id,omitempty"`

	// AgentID is the routing target on browser-originated envelopes. It is
	// never forwarded to agents.
	AgentID string `json:"agentId,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message types the relay handles explicitly. Agent-originated types outside
// this list (terminal:output, claude:states, update:progress, ...) are fanned
// out verbatim without the relay knowing them.
const (
	// Browser → relay.
	TypeTerminalInput  = "terminal:input"
	TypeTerminalResize = "terminal:resize"
	TypeTerminalAttach = "terminal:attach"
	TypeTerminalClose  = "terminal:close"
	TypeRequest        = "request"
	TypeUpdateInstall  = "update:install"
	TypePing           = "ping"

	// Relay → browser.
	TypeTierInfo     = "tier:info"
	TypeTierLimit    = "tier:limit"
	TypeAgentsList   = "agents:list"
	TypeAgentOnline  = "agent:online"
	TypeAgentOffline = "agent:offline"
	TypeResponse     = "response"
	TypeScanPartial  = "scan:partial"
	TypeChatMessage  = "chat:message"
	TypePong         = "pong"

	// Agent → relay.
	TypeAgentAuth = "agent:auth"
	TypeAgentPong = "agent:pong"

	// Relay → agent.
	TypeAgentPing         = "agent:ping"
	TypeAgentAuthRejected = "agent:auth:rejected"
)

// errMalformed marks envelopes that fail to parse or lack required fields.
// Malformed inbound messages are logged and dropped, never fatal.
var errMalformed = errors.New("relay: malformed envelope")

// decodeEnvelope parses raw bytes into an Envelope. An envelope without a
// type discriminator is malformed.
func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", errMalformed)
	}
	return env, nil
}

// isTargetedForward reports whether a browser-originated type is forwarded
// verbatim to the target agent with no response expected.
func isTargetedForward(msgType string) bool {
	switch msgType {
	case TypeTerminalInput, TypeTerminalResize, TypeTerminalAttach, TypeTerminalClose, TypeUpdateInstall:
		return true
	}
	return false
}

// mustMarshal encodes an envelope the relay itself constructs. Such
// envelopes contain only marshalable fields, so an error is a programming
// bug, not a runtime condition.
func mustMarshal(env Envelope) []byte {
	raw, err := json.Marshal(env)
	if err != nil {
		panic(fmt.Sprintf("relay: marshaling internal envelope: %v", err))
	}
	return raw
}

// rewriteRequestID re-encodes a browser request envelope with the relay-scoped
// correlation id substituted for the browser's own, and the routing target
// stripped. Unknown top-level fields are preserved so the agent sees
// everything the browser sent apart from the two rewritten fields.
func rewriteRequestID(raw []byte, relayID string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}

	idJSON, err := json.Marshal(relayID)
	if err != nil {
		return nil, err
	}
	fields["id"] = idJSON
	delete(fields, "agentId")

	return json.Marshal(fields)
}

// errorResponsePayload is the body of a relay-synthesised response envelope.
type errorResponsePayload struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
}

// newErrorResponse builds a synthesised response envelope for a failed
// correlated request, carrying the browser's original correlation id.
func newErrorResponse(correlationID string, status int, message string) []byte {
	payload, err := json.Marshal(errorResponsePayload{Status: status, Error: message})
	if err != nil {
		panic(fmt.Sprintf("relay: marshaling error response: %v", err))
	}
	return mustMarshal(Envelope{Type: TypeResponse, ID: correlationID, Payload: payload})
}
