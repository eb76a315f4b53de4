// Package quota bounds the pending messages admitted for each actor.
package quota

import "sync"

// Unbounded disables the quota for an identifier.
const Unbounded = -1

// Gate is per-identifier admission control. Admit and Release are cheap and
// never held across a mailbox handoff.
type Gate struct {
	mu      sync.Mutex
	def     int
	limits  map[string]int
	pending map[string]int
}

// NewGate returns a gate whose default quota is def; a negative def means
// unbounded.
func NewGate(def int) *Gate {
	if def < 0 {
		def = Unbounded
	}
	return &Gate{def: def, limits: map[string]int{}, pending: map[string]int{}}
}

// SetQuota sets the quota for id. A negative n makes id unbounded.
func (g *Gate) SetQuota(id string, n int) {
	if n < 0 {
		n = Unbounded
	}
	g.mu.Lock()
	g.limits[id] = n
	g.mu.Unlock()
}

// Quota returns the effective quota for id.
func (g *Gate) Quota(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limitLocked(id)
}

func (g *Gate) limitLocked(id string) int {
	if n, ok := g.limits[id]; ok {
		return n
	}
	return g.def
}

// Admit reserves one pending slot for id, reporting false when the quota is
// exhausted. Every admitted message must be matched by a Release.
func (g *Gate) Admit(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	limit := g.limitLocked(id)
	if limit != Unbounded && g.pending[id] >= limit {
		return false
	}
	g.pending[id]++
	return true
}

// Release frees a slot reserved by Admit.
func (g *Gate) Release(id string) {
	g.mu.Lock()
	if g.pending[id] <= 1 {
		delete(g.pending, id)
	} else {
		g.pending[id]--
	}
	g.mu.Unlock()
}

// Pending returns the number of admitted, unreleased messages for id.
func (g *Gate) Pending(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending[id]
}
