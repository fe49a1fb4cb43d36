// Package protocol defines the wire format spoken between the bridge
// server and its peers. Every frame is a single UTF-8 JSON object carrying
// a type tag; decoding happens in two passes: the Envelope first, then the
// kind-specific struct.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType enumerates the closed set of frame kinds.
type MessageType string

const (
	TypeRegisterCapabilities  MessageType = "REGISTER_CAPABILITIES"
	TypeQueryCapabilities     MessageType = "QUERY_CAPABILITIES"
	TypeCapabilitiesResult    MessageType = "CAPABILITIES_RESULT"
	TypeCallFunction          MessageType = "CALL_FUNCTION"
	TypeUpdateComponent       MessageType = "UPDATE_COMPONENT"
	TypeCallComponentAction   MessageType = "CALL_COMPONENT_ACTION"
	TypeFunctionResult        MessageType = "FUNCTION_RESULT"
	TypeComponentUpdateResult MessageType = "COMPONENT_UPDATE_RESULT"
	TypeComponentActionResult MessageType = "COMPONENT_ACTION_RESULT"
	TypeSession               MessageType = "SESSION"
	TypeError                 MessageType = "ERROR"
)

// Session actions.
const (
	ActionHeartbeat  = "heartbeat"
	ActionDisconnect = "disconnect"
)

// Stable error codes carried by ERROR frames.
const (
	CodeMissingClientID = "missing_client_id"
	CodeClientNotFound  = "client_not_found"
)

// IsCommand reports whether t is an agent-issued command kind that must
// address a client.
func (t MessageType) IsCommand() bool {
	switch t {
	case TypeCallFunction, TypeUpdateComponent, TypeCallComponentAction:
		return true
	}
	return false
}

// IsResult reports whether t is a client-issued result kind that must
// address an agent.
func (t MessageType) IsResult() bool {
	switch t {
	case TypeFunctionResult, TypeComponentUpdateResult, TypeComponentActionResult:
		return true
	}
	return false
}

// Envelope holds the fields common to every frame.
type Envelope struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id"`
	Timestamp string      `json:"timestamp"`
	SessionID string      `json:"sessionId,omitempty"`
}

// NewEnvelope builds an envelope for a server-originated frame with a fresh
// message ID and the current time.
func NewEnvelope(t MessageType, sessionID string) Envelope {
	return Envelope{
		Type:      t,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		SessionID: sessionID,
	}
}

// DecodeEnvelope performs the first decode pass over a raw frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// CapabilitySet is a client's registered surface. Descriptors are opaque
// JSON objects; their internal schema is irrelevant to the router.
type CapabilitySet struct {
	Functions  []json.RawMessage `json:"functions"`
	Components []json.RawMessage `json:"components"`
}

// Empty reports whether the set exposes nothing.
func (s CapabilitySet) Empty() bool {
	return len(s.Functions) == 0 && len(s.Components) == 0
}

// RegisterCapabilitiesMessage replaces the sender's capability set wholesale.
type RegisterCapabilitiesMessage struct {
	Envelope
	CapabilitySet
}

// CapabilitiesResultMessage answers a capability query. Each descriptor is
// annotated with the owning client ID.
type CapabilitiesResultMessage struct {
	Envelope
	Functions  []map[string]any `json:"functions"`
	Components []map[string]any `json:"components"`
}

// CommandMessage is the addressing view of an agent-issued command frame.
// The rest of the frame is opaque and forwarded verbatim.
type CommandMessage struct {
	Envelope
	ClientID string `json:"clientId"`
}

// ResultMessage is the addressing view of a client-issued result frame.
type ResultMessage struct {
	Envelope
	AgentID string `json:"agentId"`
}

// SessionMessage carries session control actions.
type SessionMessage struct {
	Envelope
	Action string `json:"action"`
}

// ErrorMessage is a server-synthesized failure reply.
type ErrorMessage struct {
	Envelope
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError builds an ERROR frame with a stable code.
func NewError(code, message, sessionID string) ErrorMessage {
	return ErrorMessage{
		Envelope: NewEnvelope(TypeError, sessionID),
		Code:     code,
		Message:  message,
	}
}

// AttachSender returns a copy of frame with key set to id, preserving every
// other field so the frame is forwarded verbatim.
func AttachSender(frame []byte, key, id string) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, fmt.Errorf("attach %s: %w", key, err)
	}
	m[key] = id
	return json.Marshal(m)
}
