// Package behavior turns resident code entries into runnable actor
// behaviors, either from a native registration table or from Lua source.
package behavior

import (
	"fmt"
	"sync"
	"time"

	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
)

// Context is the view a behavior has while handling one message.
type Context interface {
	// Self is the actor's identifier.
	Self() string
	Role() map[string]string
	Sender() bridge.Ref
	Headers() map[string]string
	// Reply sends msg to the sender of the current message.
	Reply(msg any) error
	// Tell sends msg to any actor.
	Tell(to bridge.Ref, msg any) error
	// Stop terminates the actor after the current message.
	Stop()
}

// Behavior handles one message at a time. An error terminates the actor.
type Behavior interface {
	Receive(ctx Context, msg any) error
}

// Func adapts a function to Behavior.
type Func func(ctx Context, msg any) error

func (f Func) Receive(ctx Context, msg any) error { return f(ctx, msg) }

// Closer is implemented by behaviors that hold resources.
type Closer interface {
	Close()
}

// Factory builds a behavior instance for one actor.
type Factory func(role map[string]string) Behavior

type native struct {
	entry   bridge.CodeEntry
	factory Factory
}

// DefaultExecTimeout bounds loading a Lua chunk and each call into it.
const DefaultExecTimeout = 5 * time.Second

// Registry is the static registration table of native behaviors. It is
// built once at startup and passed to the stage.
type Registry struct {
	mu      sync.RWMutex
	natives map[string]native
	timeout time.Duration
}

func NewRegistry() *Registry {
	return &Registry{natives: map[string]native{}, timeout: DefaultExecTimeout}
}

// SetExecTimeout sets the time limit applied to Lua behaviors materialized
// afterwards. A negative d removes the limit; zero restores the default.
func (r *Registry) SetExecTimeout(d time.Duration) {
	if d == 0 {
		d = DefaultExecTimeout
	}
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// Register binds name to f. source is the canonical code shipped to other
// stages; a stage materializes the entry natively only when the shipped hash
// matches its own.
func (r *Registry) Register(name string, source []byte, f Factory) bridge.CodeEntry {
	e := bridge.NewCodeEntry(name, source)
	r.mu.Lock()
	r.natives[name] = native{entry: e, factory: f}
	r.mu.Unlock()
	return e
}

// Entry returns the shippable code entry registered under name.
func (r *Registry) Entry(name string) (bridge.CodeEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.natives[name]
	return n.entry, ok
}

// Materialize builds a behavior for code. Native entries win when name and
// hash both match; anything else is compiled as Lua.
func (r *Registry) Materialize(code bridge.CodeEntry, role map[string]string) (Behavior, error) {
	r.mu.RLock()
	n, ok := r.natives[code.Name]
	timeout := r.timeout
	r.mu.RUnlock()
	if ok && n.entry.Hash == code.Hash {
		return n.factory(role), nil
	}
	b, err := CompileLua(code, role, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", bridge.ErrCodeResolution, code.Name, err)
	}
	return b, nil
}
