package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := decodeEnvelope([]byte(`{"type":"request","id":"r1","agentId":"a1","payload":{"action":"scan"}}`))
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if env.Type != TypeRequest || env.ID != "r1" || env.AgentID != "a1" {
		t.Errorf("unexpected envelope: %+v", env)
	}
	if string(env.Payload) != `{"action":"scan"}` {
		t.Errorf("payload not preserved: %s", env.Payload)
	}
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":     `{{`,
		"missing type": `{"id":"r1"}`,
		"empty":        `{}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := decodeEnvelope([]byte(raw)); !errors.Is(err, errMalformed) {
				t.Errorf("want errMalformed, got %v", err)
			}
		})
	}
}

func TestIsTargetedForward(t *testing.T) {
	for _, typ := range []string{TypeTerminalInput, TypeTerminalResize, TypeTerminalAttach, TypeTerminalClose, TypeUpdateInstall} {
		if !isTargetedForward(typ) {
			t.Errorf("%s should be a targeted forward", typ)
		}
	}
	for _, typ := range []string{TypeRequest, TypePing, TypeResponse, "terminal:output"} {
		if isTargetedForward(typ) {
			t.Errorf("%s should not be a targeted forward", typ)
		}
	}
}

func TestRewriteRequestID(t *testing.T) {
	raw := []byte(`{"type":"request","id":"browser-1","agentId":"a1","payload":{"action":"scan"},"trace":"keep-me"}`)

	out, err := rewriteRequestID(raw, "relay-42")
	if err != nil {
		t.Fatalf("rewriteRequestID: %v", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(out, &fields); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	var id string
	if err := json.Unmarshal(fields["id"], &id); err != nil || id != "relay-42" {
		t.Errorf("id = %s, want relay-42", fields["id"])
	}
	if _, ok := fields["agentId"]; ok {
		t.Error("agentId should be stripped from the forwarded request")
	}
	if string(fields["payload"]) != `{"action":"scan"}` {
		t.Errorf("payload not preserved: %s", fields["payload"])
	}
	if string(fields["trace"]) != `"keep-me"` {
		t.Errorf("unknown top-level field not preserved: %s", fields["trace"])
	}
}

func TestNewErrorResponse(t *testing.T) {
	raw := newErrorResponse("req-7", http.StatusServiceUnavailable, "agent offline")

	env, err := decodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if env.Type != TypeResponse {
		t.Errorf("type = %s, want %s", env.Type, TypeResponse)
	}
	if env.ID != "req-7" {
		t.Errorf("id = %s, want req-7", env.ID)
	}

	var body errorResponsePayload
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if body.Status != http.StatusServiceUnavailable || body.Error != "agent offline" {
		t.Errorf("unexpected body: %+v", body)
	}
}
