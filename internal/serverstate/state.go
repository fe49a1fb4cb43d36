// Package serverstate tracks the router's coarse lifecycle: its status
// string and whether it is draining. The backing store is swappable so the
// state can be shared through Redis during a process handoff.
package serverstate

import "sync/atomic"

// State is the router's lifecycle snapshot. Fields are stored together so
// readers always observe a consistent pair.
type State struct {
	Status   string
	Draining bool
}

// Store persists the router state. Implementations may keep it in memory
// or in an external service such as Redis.
type Store interface {
	Load() State
	Store(State)
}

var active Store = NewMemoryStore()

// UseStore replaces the active Store. Safe for concurrent use.
func UseStore(s Store) {
	if s != nil {
		active = s
	}
}

type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to "ok".
func NewMemoryStore() *memoryStore {
	ms := &memoryStore{}
	ms.v.Store(State{Status: "ok"})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: "unknown"}
}

func (m *memoryStore) Store(s State) {
	m.v.Store(s)
}

// SetStatus updates the status string.
func SetStatus(status string) {
	st := active.Load()
	st.Status = status
	active.Store(st)
}

// Status returns the current status string.
func Status() string {
	return active.Load().Status
}

// StartDrain marks the router as draining; new connections are refused.
func StartDrain() {
	active.Store(State{Status: "draining", Draining: true})
}

// IsDraining reports whether the router is draining.
func IsDraining() bool {
	return active.Load().Draining
}
