package stagestate

import "sync/atomic"

const (
	StatusNotReady = "not_ready"
	StatusReady    = "ready"
	StatusDraining = "draining"
)

// State holds the stage status and draining flag. Both fields are updated
// together so callers always observe a consistent snapshot.
type State struct {
	Status   string `json:"status"`
	Draining bool   `json:"draining"`
}

// Store persists the stage state.
type Store interface {
	Load() State
	Store(State)
}

type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to not_ready.
func NewMemoryStore() Store {
	ms := &memoryStore{}
	ms.v.Store(State{Status: StatusNotReady})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: "unknown"}
}

func (m *memoryStore) Store(s State) { m.v.Store(s) }

// Tracker exposes the stage lifecycle on top of a Store.
type Tracker struct {
	store Store
}

// NewTracker returns a Tracker over s, or over a memory store when s is nil.
func NewTracker(s Store) *Tracker {
	if s == nil {
		s = NewMemoryStore()
	}
	return &Tracker{store: s}
}

// Load returns the current snapshot.
func (t *Tracker) Load() State { return t.store.Load() }

// SetStatus updates the status string. It has no effect once draining.
func (t *Tracker) SetStatus(status string) {
	st := t.store.Load()
	if st.Draining {
		return
	}
	st.Status = status
	t.store.Store(st)
}

// Status returns the current status.
func (t *Tracker) Status() string { return t.store.Load().Status }

// StartDrain marks the stage as draining.
func (t *Tracker) StartDrain() {
	t.store.Store(State{Status: StatusDraining, Draining: true})
}

// IsDraining reports whether the stage is draining.
func (t *Tracker) IsDraining() bool { return t.store.Load().Draining }
