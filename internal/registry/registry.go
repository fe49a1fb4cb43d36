// Package registry is the authoritative in-memory store of live
// connections, partitioned by role. The two maps are guarded by the
// Registry mutex; each connection's mutable fields are guarded by its own
// mutex, so snapshot readers never observe a torn write.
package registry

import (
	"sync"
	"time"

	"github.com/ayoubachak/agentbridge/internal/logx"
	"github.com/ayoubachak/agentbridge/internal/protocol"
)

// SendQueueSize bounds each connection's outbound queue. A peer that falls
// further behind than this is closed rather than buffered without limit.
const SendQueueSize = 32

// Role identifies which registry partition a connection occupies.
type Role string

const (
	RoleClient Role = "client"
	RoleAgent  Role = "agent"
)

// Conn is one live connection. The underlying socket is owned by the
// registry entry; closing it is the only way to terminate the connection.
// All mutable state sits behind mu and is reached through accessors.
type Conn struct {
	ID string

	mu         sync.Mutex
	sessionID  string
	caps       protocol.CapabilitySet
	lastActive time.Time
	send       chan any
	closed     bool
	close      func(reason string)
}

// NewConn wires a connection around its transport close function. The
// closeSocket callback must be safe to call once; Conn guarantees it is
// never called twice.
func NewConn(id string, closeSocket func(reason string)) *Conn {
	if closeSocket == nil {
		closeSocket = func(string) {}
	}
	return &Conn{
		ID:         id,
		lastActive: time.Now(),
		send:       make(chan any, SendQueueSize),
		close:      closeSocket,
	}
}

// Touch refreshes the connection's activity timestamp.
func (c *Conn) Touch() { c.mu.Lock(); c.lastActive = time.Now(); c.mu.Unlock() }

// SetLastActive overrides the activity timestamp.
func (c *Conn) SetLastActive(t time.Time) { c.mu.Lock(); c.lastActive = t; c.mu.Unlock() }

// LastActiveAt returns the time of the connection's last activity.
func (c *Conn) LastActiveAt() time.Time { c.mu.Lock(); defer c.mu.Unlock(); return c.lastActive }

// Session returns the session token recorded at registration, if any.
func (c *Conn) Session() string { c.mu.Lock(); defer c.mu.Unlock(); return c.sessionID }

// Capabilities returns the connection's registered capability set. The
// returned slices share backing arrays with the stored set; they are only
// ever replaced wholesale, never mutated in place.
func (c *Conn) Capabilities() protocol.CapabilitySet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

func (c *Conn) setCapabilities(caps protocol.CapabilitySet, sessionID string) {
	c.mu.Lock()
	c.caps = caps
	if sessionID != "" {
		c.sessionID = sessionID
	}
	c.mu.Unlock()
}

// Enqueue queues msg for delivery without blocking. It reports false when
// the connection is closed or its queue is full; a full queue means the
// peer is too slow and the caller should evict it.
func (c *Conn) Enqueue(msg any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Outbound exposes the send queue to the connection's writer goroutine.
// The channel is closed when the connection shuts down.
func (c *Conn) Outbound() <-chan any { return c.send }

// Close terminates the connection: the send queue is closed so the writer
// goroutine exits, then the socket is closed. Idempotent.
func (c *Conn) Close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	c.close(reason)
}

// Registry partitions live connections into disjoint client and agent maps.
// Lock order is always Registry.mu before Conn.mu, never the reverse.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Conn
	agents  map[string]*Conn
}

func New() *Registry {
	return &Registry{
		clients: make(map[string]*Conn),
		agents:  make(map[string]*Conn),
	}
}

// AddClient inserts c into the client map. Insertion is refused (logged,
// no-op) when the ID is already present in either map; IDs are generated
// collision-free at accept time, so a duplicate means a protocol bug.
func (r *Registry) AddClient(c *Conn) bool {
	return r.add(c, RoleClient)
}

// AddAgent inserts c into the agent map under the same duplicate rule.
func (r *Registry) AddAgent(c *Conn) bool {
	return r.add(c, RoleAgent)
}

func (r *Registry) add(c *Conn, role Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c.ID]; ok {
		logx.Log.Warn().Str("conn_id", c.ID).Str("role", string(role)).Msg("duplicate connection id; insert refused")
		return false
	}
	if _, ok := r.agents[c.ID]; ok {
		logx.Log.Warn().Str("conn_id", c.ID).Str("role", string(role)).Msg("duplicate connection id; insert refused")
		return false
	}
	if role == RoleClient {
		r.clients[c.ID] = c
	} else {
		r.agents[c.ID] = c
	}
	return true
}

// PromoteToAgent moves a connection from the client map to the agent map,
// preserving its activity timestamp. Reports false when id is not filed as
// a client.
func (r *Registry) PromoteToAgent(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return false
	}
	delete(r.clients, id)
	r.agents[id] = c
	logx.Log.Info().Str("conn_id", id).Msg("connection promoted to agent")
	return true
}

// Touch updates the connection's activity timestamp. No-op for IDs not
// present in either map.
func (r *Registry) Touch(id string) {
	r.mu.RLock()
	c, ok := r.clients[id]
	if !ok {
		c, ok = r.agents[id]
	}
	r.mu.RUnlock()
	if ok {
		c.Touch()
	}
}

// Remove deletes the connection from whichever map holds it and closes it.
// Removing an absent ID is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	} else if c, ok = r.agents[id]; ok {
		delete(r.agents, id)
	}
	r.mu.Unlock()
	if ok {
		c.Close("removed")
	}
}

// Client returns the client connection for id.
func (r *Registry) Client(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Agent returns the agent connection for id.
func (r *Registry) Agent(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.agents[id]
	return c, ok
}

// IsClient reports whether id is currently filed as a client.
func (r *Registry) IsClient(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[id]
	return ok
}

// IsAgent reports whether id is currently filed as an agent.
func (r *Registry) IsAgent(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// SetCapabilities replaces the capability set of a filed client wholesale
// and records its session token. A second registration fully supersedes
// the first.
func (r *Registry) SetCapabilities(id string, caps protocol.CapabilitySet, sessionID string) bool {
	r.mu.RLock()
	c, ok := r.clients[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	c.setCapabilities(caps, sessionID)
	return true
}

// SnapshotClients returns a point-in-time slice of client connections.
// The slice is a copy; the connections themselves are shared, so callers
// read them through the Conn accessors.
func (r *Registry) SnapshotClients() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*Conn, 0, len(r.clients))
	for _, c := range r.clients {
		res = append(res, c)
	}
	return res
}

// SnapshotAgents returns a point-in-time slice of agent connections.
func (r *Registry) SnapshotAgents() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*Conn, 0, len(r.agents))
	for _, c := range r.agents {
		res = append(res, c)
	}
	return res
}

func (r *Registry) ClientCount() int { r.mu.RLock(); defer r.mu.RUnlock(); return len(r.clients) }
func (r *Registry) AgentCount() int  { r.mu.RLock(); defer r.mu.RUnlock(); return len(r.agents) }

// PruneExpired evicts every connection whose last activity is older than
// maxAge, closing its socket. Returns the evicted IDs.
func (r *Registry) PruneExpired(maxAge time.Duration) []string {
	var evicted []*Conn
	r.mu.Lock()
	for id, c := range r.clients {
		if time.Since(c.LastActiveAt()) > maxAge {
			delete(r.clients, id)
			evicted = append(evicted, c)
		}
	}
	for id, c := range r.agents {
		if time.Since(c.LastActiveAt()) > maxAge {
			delete(r.agents, id)
			evicted = append(evicted, c)
		}
	}
	r.mu.Unlock()
	ids := make([]string, 0, len(evicted))
	for _, c := range evicted {
		c.Close("idle timeout")
		logx.Log.Info().Str("conn_id", c.ID).Str("reason", "idle_timeout").Msg("evicted")
		ids = append(ids, c.ID)
	}
	return ids
}
