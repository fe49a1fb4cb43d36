package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDecodeEnvelope(t *testing.T) {
	data := []byte(`{"type":"CALL_FUNCTION","id":"m1","timestamp":"2024-01-01T00:00:00Z","sessionId":"s1","clientId":"c1"}`)
	env, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != TypeCallFunction || env.ID != "m1" || env.SessionID != "s1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestDecodeEnvelopeRejectsMalformed(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{not json`)); err == nil {
		t.Fatalf("expected error for malformed frame")
	}
	if _, err := DecodeEnvelope([]byte(`{"id":"m1"}`)); err == nil {
		t.Fatalf("expected error for missing type")
	}
}

func TestMessageTypeClassification(t *testing.T) {
	for _, tt := range []MessageType{TypeCallFunction, TypeUpdateComponent, TypeCallComponentAction} {
		if !tt.IsCommand() {
			t.Fatalf("%s should be a command", tt)
		}
		if tt.IsResult() {
			t.Fatalf("%s should not be a result", tt)
		}
	}
	for _, tt := range []MessageType{TypeFunctionResult, TypeComponentUpdateResult, TypeComponentActionResult} {
		if !tt.IsResult() {
			t.Fatalf("%s should be a result", tt)
		}
	}
	if TypeSession.IsCommand() || TypeSession.IsResult() {
		t.Fatalf("SESSION is neither command nor result")
	}
}

func TestNewError(t *testing.T) {
	msg := NewError(CodeClientNotFound, "client nope not connected", "s1")
	if msg.Type != TypeError || msg.Code != CodeClientNotFound || msg.SessionID != "s1" {
		t.Fatalf("unexpected error message: %+v", msg)
	}
	if msg.ID == "" {
		t.Fatalf("expected generated message id")
	}
	if _, err := time.Parse(time.RFC3339, msg.Timestamp); err != nil {
		t.Fatalf("timestamp not RFC3339: %v", err)
	}
}

func TestAttachSenderPreservesFrame(t *testing.T) {
	frame := []byte(`{"type":"CALL_FUNCTION","id":"m1","clientId":"c1","payload":{"name":"greet","args":[1,2]}}`)
	out, err := AttachSender(frame, "agentId", "a1")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["agentId"] != "a1" {
		t.Fatalf("agentId not attached: %v", m)
	}
	if m["clientId"] != "c1" || m["id"] != "m1" {
		t.Fatalf("existing fields lost: %v", m)
	}
	payload, ok := m["payload"].(map[string]any)
	if !ok || payload["name"] != "greet" {
		t.Fatalf("opaque payload lost: %v", m)
	}
}

func TestCapabilitySetEmpty(t *testing.T) {
	var s CapabilitySet
	if !s.Empty() {
		t.Fatalf("zero set should be empty")
	}
	s.Functions = []json.RawMessage{json.RawMessage(`{"name":"f"}`)}
	if s.Empty() {
		t.Fatalf("set with a function should not be empty")
	}
}
