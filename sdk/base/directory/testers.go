package directory

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
)

// Predicate tests an actor handle.
type Predicate func(Handle) bool

// TesterFactory builds a predicate from its wire argument.
type TesterFactory func(arg string) (Predicate, error)

// Testers resolves wire testers to predicates through an explicit
// registration table.
type Testers struct {
	mu sync.RWMutex
	m  map[string]TesterFactory
}

// NewTesters returns a table with the built-in testers:
//
//	code   the actor's code name equals arg
//	role   role data contains key=value
//	prefix the id starts with arg
func NewTesters() *Testers {
	t := &Testers{m: map[string]TesterFactory{}}
	t.Register("code", func(arg string) (Predicate, error) {
		return func(h Handle) bool { return h.Code == arg }, nil
	})
	t.Register("role", func(arg string) (Predicate, error) {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("role tester wants key=value, got %q", arg)
		}
		return func(h Handle) bool { return h.Role[k] == v }, nil
	})
	t.Register("prefix", func(arg string) (Predicate, error) {
		return func(h Handle) bool { return strings.HasPrefix(h.ID, arg) }, nil
	})
	return t
}

func (t *Testers) Register(name string, f TesterFactory) {
	t.mu.Lock()
	t.m[name] = f
	t.mu.Unlock()
}

// Resolve returns nil for a nil tester.
func (t *Testers) Resolve(tt *bridge.Tester) (Predicate, error) {
	if tt == nil {
		return nil, nil
	}
	t.mu.RLock()
	f, ok := t.m[tt.Name]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown tester %q", bridge.ErrProtocolViolation, tt.Name)
	}
	p, err := f(tt.Arg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrProtocolViolation, err)
	}
	return p, nil
}
