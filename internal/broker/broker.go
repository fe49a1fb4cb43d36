// Package broker classifies decoded inbound frames and routes them:
// capability registration and queries mutate or read the registry, commands
// are forwarded to the addressed client, results back to the addressed
// agent, and session control manages the connection itself.
package broker

import (
	"encoding/json"

	"github.com/ayoubachak/agentbridge/internal/logx"
	"github.com/ayoubachak/agentbridge/internal/metrics"
	"github.com/ayoubachak/agentbridge/internal/protocol"
	"github.com/ayoubachak/agentbridge/internal/registry"
)

// Outcome labels for the message counter.
const (
	outcomeHandled   = "handled"
	outcomeForwarded = "forwarded"
	outcomeRejected  = "rejected"
	outcomeDropped   = "dropped"
)

// Broker dispatches frames for every connection. It is stateless across
// messages beyond the registry it consults; per-connection role state lives
// in the registry's two maps.
type Broker struct {
	reg       *registry.Registry
	logBodies bool
}

func New(reg *registry.Registry, logBodies bool) *Broker {
	return &Broker{reg: reg, logBodies: logBodies}
}

// Dispatch decodes one inbound frame from conn and routes it. A malformed
// or unroutable frame is logged and dropped; the connection stays open. No
// failure here is allowed to affect any other connection.
func (b *Broker) Dispatch(conn *registry.Conn, data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		logx.Log.Warn().Str("conn_id", conn.ID).Err(err).Msg("dropping malformed frame")
		metrics.RecordMessage("malformed", outcomeDropped)
		return
	}
	if b.logBodies {
		logx.Log.Debug().Str("conn_id", conn.ID).Str("type", string(env.Type)).RawJSON("frame", data).Msg("frame received")
	}
	b.reg.Touch(conn.ID)

	switch {
	case env.Type == protocol.TypeRegisterCapabilities:
		b.handleRegister(conn, env, data)
	case env.Type == protocol.TypeQueryCapabilities:
		b.handleQuery(conn, env)
	case env.Type.IsCommand():
		b.handleCommand(conn, env, data)
	case env.Type.IsResult():
		b.handleResult(conn, env, data)
	case env.Type == protocol.TypeSession:
		b.handleSession(conn, env, data)
	default:
		// Known-but-inbound-invalid kinds (CAPABILITIES_RESULT, ERROR) land
		// here together with genuinely unknown types. The protocol has no
		// generic "unsupported" reply; drop.
		logx.Log.Warn().Str("conn_id", conn.ID).Str("type", string(env.Type)).Msg("dropping unroutable message kind")
		metrics.RecordMessage(string(env.Type), outcomeDropped)
	}
}

// handleRegister files the sender as a client if it is not one yet and
// replaces its capability set wholesale.
func (b *Broker) handleRegister(conn *registry.Conn, env protocol.Envelope, data []byte) {
	var msg protocol.RegisterCapabilitiesMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logx.Log.Warn().Str("conn_id", conn.ID).Err(err).Msg("dropping malformed registration")
		metrics.RecordMessage(string(env.Type), outcomeDropped)
		return
	}
	if !b.reg.IsClient(conn.ID) {
		b.reg.AddClient(conn)
	}
	if !b.reg.SetCapabilities(conn.ID, msg.CapabilitySet, env.SessionID) {
		// Sender is filed as an agent; registration from an agent is refused
		// the same way a duplicate insert is: logged, no reply.
		logx.Log.Warn().Str("conn_id", conn.ID).Msg("capability registration from non-client connection ignored")
		metrics.RecordMessage(string(env.Type), outcomeDropped)
		return
	}
	logx.Log.Info().Str("client_id", conn.ID).
		Int("functions", len(msg.Functions)).
		Int("components", len(msg.Components)).
		Msg("capabilities registered")
	metrics.RecordMessage(string(env.Type), outcomeHandled)
	b.publishCounts()
}

// handleQuery promotes or inserts the sender into the agent registry, then
// replies with the aggregated capability view.
func (b *Broker) handleQuery(conn *registry.Conn, env protocol.Envelope) {
	if !b.reg.IsAgent(conn.ID) {
		if !b.reg.PromoteToAgent(conn.ID) {
			b.reg.AddAgent(conn)
		}
	}
	functions, components := b.reg.Aggregate()
	reply := protocol.CapabilitiesResultMessage{
		Envelope:   protocol.NewEnvelope(protocol.TypeCapabilitiesResult, env.SessionID),
		Functions:  functions,
		Components: components,
	}
	b.deliver(conn, reply)
	logx.Log.Debug().Str("agent_id", conn.ID).
		Int("functions", len(functions)).
		Int("components", len(components)).
		Msg("capability query answered")
	metrics.RecordMessage(string(env.Type), outcomeHandled)
	b.publishCounts()
}

// handleCommand forwards an agent-issued command to the addressed client,
// attaching the originating agent ID so the client can address its result.
func (b *Broker) handleCommand(conn *registry.Conn, env protocol.Envelope, data []byte) {
	var msg protocol.CommandMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logx.Log.Warn().Str("conn_id", conn.ID).Err(err).Msg("dropping malformed command")
		metrics.RecordMessage(string(env.Type), outcomeDropped)
		return
	}
	if msg.ClientID == "" {
		b.deliver(conn, protocol.NewError(protocol.CodeMissingClientID, "command is missing clientId", env.SessionID))
		metrics.RecordRoutingError(protocol.CodeMissingClientID)
		metrics.RecordMessage(string(env.Type), outcomeRejected)
		return
	}
	target, ok := b.reg.Client(msg.ClientID)
	if !ok {
		b.deliver(conn, protocol.NewError(protocol.CodeClientNotFound, "client "+msg.ClientID+" is not connected", env.SessionID))
		metrics.RecordRoutingError(protocol.CodeClientNotFound)
		metrics.RecordMessage(string(env.Type), outcomeRejected)
		return
	}
	forwarded, err := protocol.AttachSender(data, "agentId", conn.ID)
	if err != nil {
		logx.Log.Error().Str("conn_id", conn.ID).Err(err).Msg("dropping unforwardable command")
		metrics.RecordMessage(string(env.Type), outcomeDropped)
		return
	}
	b.forward(target, json.RawMessage(forwarded))
	logx.Log.Debug().Str("agent_id", conn.ID).Str("client_id", msg.ClientID).
		Str("type", string(env.Type)).Str("msg_id", env.ID).Msg("command forwarded")
	metrics.RecordMessage(string(env.Type), outcomeForwarded)
}

// handleResult forwards a client-issued result to the addressed agent. A
// missing or unknown agent is logged only; no error is echoed back to the
// client.
func (b *Broker) handleResult(conn *registry.Conn, env protocol.Envelope, data []byte) {
	var msg protocol.ResultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logx.Log.Warn().Str("conn_id", conn.ID).Err(err).Msg("dropping malformed result")
		metrics.RecordMessage(string(env.Type), outcomeDropped)
		return
	}
	if msg.AgentID == "" {
		logx.Log.Warn().Str("client_id", conn.ID).Str("type", string(env.Type)).Msg("result without agentId discarded")
		metrics.RecordMessage(string(env.Type), outcomeDropped)
		return
	}
	target, ok := b.reg.Agent(msg.AgentID)
	if !ok {
		logx.Log.Warn().Str("client_id", conn.ID).Str("agent_id", msg.AgentID).Msg("result for unknown agent discarded")
		metrics.RecordMessage(string(env.Type), outcomeDropped)
		return
	}
	forwarded, err := protocol.AttachSender(data, "clientId", conn.ID)
	if err != nil {
		logx.Log.Error().Str("conn_id", conn.ID).Err(err).Msg("dropping unforwardable result")
		metrics.RecordMessage(string(env.Type), outcomeDropped)
		return
	}
	b.forward(target, json.RawMessage(forwarded))
	logx.Log.Debug().Str("client_id", conn.ID).Str("agent_id", msg.AgentID).
		Str("type", string(env.Type)).Str("msg_id", env.ID).Msg("result forwarded")
	metrics.RecordMessage(string(env.Type), outcomeForwarded)
}

// handleSession processes session control: heartbeat already touched the
// activity timestamp; disconnect removes and closes the connection.
func (b *Broker) handleSession(conn *registry.Conn, env protocol.Envelope, data []byte) {
	var msg protocol.SessionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logx.Log.Warn().Str("conn_id", conn.ID).Err(err).Msg("dropping malformed session message")
		metrics.RecordMessage(string(env.Type), outcomeDropped)
		return
	}
	switch msg.Action {
	case protocol.ActionHeartbeat:
		metrics.RecordMessage(string(env.Type), outcomeHandled)
	case protocol.ActionDisconnect:
		logx.Log.Info().Str("conn_id", conn.ID).Msg("peer requested disconnect")
		b.reg.Remove(conn.ID)
		conn.Close("disconnect requested")
		metrics.RecordMessage(string(env.Type), outcomeHandled)
		b.publishCounts()
	default:
		logx.Log.Warn().Str("conn_id", conn.ID).Str("action", msg.Action).Msg("dropping unknown session action")
		metrics.RecordMessage(string(env.Type), outcomeDropped)
	}
}

// deliver queues a server-synthesized reply on the sender's own connection.
func (b *Broker) deliver(conn *registry.Conn, msg any) {
	if !conn.Enqueue(msg) {
		logx.Log.Warn().Str("conn_id", conn.ID).Msg("send queue overflow; closing connection")
		b.reg.Remove(conn.ID)
		conn.Close("send queue overflow")
	}
}

// forward queues a frame on a routed target. Overflow means the peer is too
// slow to drain its queue; it is closed rather than buffered unboundedly.
func (b *Broker) forward(target *registry.Conn, frame json.RawMessage) {
	if !target.Enqueue(frame) {
		logx.Log.Warn().Str("conn_id", target.ID).Msg("send queue overflow; closing connection")
		b.reg.Remove(target.ID)
		b.publishCounts()
	}
}

// publishCounts refreshes the connection gauges after a registry mutation.
func (b *Broker) publishCounts() {
	metrics.SetConnectionCounts(b.reg.ClientCount(), b.reg.AgentCount())
}

// ConnectionClosed is invoked by the acceptor when a connection's read loop
// ends for any reason: peer close, transport error, or server-side close.
func (b *Broker) ConnectionClosed(conn *registry.Conn) {
	b.reg.Remove(conn.ID)
	conn.Close("connection closed")
	b.publishCounts()
}
