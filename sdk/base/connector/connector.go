// Package connector establishes bridge channels. WebSocket dials a remote
// stage, Hub accepts channels on the stage server, and InProcess pairs two
// receivers in the same process.
package connector

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
	"github.com/gaspardpetit/stagebridge/sdk/base/executor"
	"github.com/gaspardpetit/stagebridge/sdk/base/inflight"
)

// Connector kinds accepted by the selector.
const (
	KindWebSocket = "websocket"
	KindInProcess = "inprocess"
)

// Options carries the tunables shared by the stream connectors.
type Options struct {
	// ClientKey is sent, or expected, as a bearer token.
	ClientKey string
	// ChannelID is the root sender identifier; empty picks a fresh one.
	ChannelID string
	// Pool bounds concurrent handling of inbound requests.
	Pool *executor.Pool
	// Inflight counts inbound requests for draining.
	Inflight *inflight.Counter
	// Heartbeat is the ping interval; zero disables pings.
	Heartbeat time.Duration
}

func (o Options) withDefaults() Options {
	if o.Pool == nil {
		o.Pool = executor.New(0)
	}
	if o.Inflight == nil {
		o.Inflight = &inflight.Counter{}
	}
	return o
}

// Doner is implemented by senders that expose when their channel ends.
type Doner interface {
	Done() <-chan struct{}
}

// Done returns a channel closed when s is disconnected, or nil when s does
// not report it.
func Done(s bridge.Sender) <-chan struct{} {
	if d, ok := s.(Doner); ok {
		return d.Done()
	}
	return nil
}

// RemoteID returns the identifier the remote side uses for its half of the
// channel, which is the Channel of refs addressing actors over s.
func RemoteID(s bridge.Sender) string {
	if r, ok := s.(interface{ Remote() string }); ok {
		return r.Remote()
	}
	return ""
}

// binding enforces one receiver per negotiator.
type binding struct {
	mu    sync.Mutex
	bound bool
}

func (b *binding) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bound {
		return bridge.ErrAlreadyBound
	}
	b.bound = true
	return nil
}

func (b *binding) release() {
	b.mu.Lock()
	b.bound = false
	b.mu.Unlock()
}

// Selector picks a negotiator for a peer address. "ws://" and "wss://"
// addresses dial over websocket, "inproc://name" pairs with a receiver
// registered under name, and bare addresses use Default.
type Selector struct {
	Default string
	Options Options

	mu    sync.RWMutex
	local map[string]bridge.Receiver
}

// NewSelector returns a selector defaulting to kind.
func NewSelector(kind string, opts Options) (*Selector, error) {
	if kind == "" {
		kind = KindWebSocket
	}
	if kind != KindWebSocket && kind != KindInProcess {
		return nil, fmt.Errorf("unknown connector %q", kind)
	}
	return &Selector{Default: kind, Options: opts, local: map[string]bridge.Receiver{}}, nil
}

// RegisterLocal makes r reachable as "inproc://name".
func (s *Selector) RegisterLocal(name string, r bridge.Receiver) {
	s.mu.Lock()
	s.local[name] = r
	s.mu.Unlock()
}

// Negotiator returns a fresh negotiator for addr.
func (s *Selector) Negotiator(addr string) (bridge.Negotiator, error) {
	scheme, rest, ok := strings.Cut(addr, "://")
	if !ok {
		scheme, rest = "", addr
	}
	switch scheme {
	case "ws", "wss":
		return NewWebSocket(addr, s.Options), nil
	case "http", "https":
		return NewWebSocket("ws"+strings.TrimPrefix(scheme, "http")+"://"+rest, s.Options), nil
	case "inproc":
		return s.inProcess(rest)
	case "":
		if s.Default == KindInProcess {
			return s.inProcess(rest)
		}
		return NewWebSocket("ws://"+rest, s.Options), nil
	}
	return nil, fmt.Errorf("unsupported peer address %q", addr)
}

func (s *Selector) inProcess(name string) (bridge.Negotiator, error) {
	s.mu.RLock()
	r, ok := s.local[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no in-process stage named %q", name)
	}
	return NewInProcess(r), nil
}
