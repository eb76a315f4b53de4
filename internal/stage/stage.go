// Package stage hosts local actors and wires them to the bridge: inbound
// requests reach the router, outbound messages leave through the peer table.
package stage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/gaspardpetit/stagebridge/core/logx"
	"github.com/gaspardpetit/stagebridge/internal/behavior"
	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
	"github.com/gaspardpetit/stagebridge/sdk/base/codecache"
	"github.com/gaspardpetit/stagebridge/sdk/base/directory"
	"github.com/gaspardpetit/stagebridge/sdk/base/forwarder"
	"github.com/gaspardpetit/stagebridge/sdk/base/quota"
	"github.com/gaspardpetit/stagebridge/sdk/base/remote"
	"github.com/gaspardpetit/stagebridge/sdk/base/router"
)

// DefaultMailboxSize bounds each actor's mailbox when none is configured.
const DefaultMailboxSize = 256

// Options configures a Stage.
type Options struct {
	Name      string
	Codec     *bridge.Codec
	Store     codecache.Store
	Behaviors *behavior.Registry
	Testers   *directory.Testers

	MailboxSize int
	// DefaultQuota applies to actors absent from Quotas. Nil leaves them
	// unbounded; zero refuses every message.
	DefaultQuota *int
	Quotas       map[string]int

	AllowRemoteCreate bool
	// Capabilities is merged over the host capabilities.
	Capabilities map[string]string
}

// Stage owns a population of actors. It is the bridge.Receiver and
// bridge.Peers handed to connectors.
type Stage struct {
	name      string
	codec     *bridge.Codec
	cache     *codecache.Cache
	dir       *directory.Directory
	gate      *quota.Gate
	fwd       *forwarder.Forwarder
	router    *router.Router
	behaviors *behavior.Registry
	mailbox   int

	mu     sync.RWMutex
	peers  map[string]bridge.Sender
	actors map[string]*actor
}

func New(opts Options) *Stage {
	if opts.Codec == nil {
		opts.Codec = bridge.NewCodec(nil)
	}
	if opts.Behaviors == nil {
		opts.Behaviors = behavior.NewRegistry()
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultMailboxSize
	}
	def := quota.Unbounded
	if opts.DefaultQuota != nil {
		def = *opts.DefaultQuota
	}
	s := &Stage{
		name:      opts.Name,
		codec:     opts.Codec,
		cache:     codecache.New(opts.Store),
		gate:      quota.NewGate(def),
		behaviors: opts.Behaviors,
		mailbox:   opts.MailboxSize,
		peers:     map[string]bridge.Sender{},
		actors:    map[string]*actor{},
	}
	for id, q := range opts.Quotas {
		s.gate.SetQuota(id, q)
	}
	s.dir = directory.New(s.cache, s)
	s.fwd = forwarder.New(s.dir, s.gate, s.codec)
	caps := HostCapabilities()
	maps.Copy(caps, opts.Capabilities)
	if s.name != "" {
		caps[bridge.CapStage] = s.name
	}
	s.router = router.New(router.Options{
		Codec:             s.codec,
		Cache:             s.cache,
		Directory:         s.dir,
		Forwarder:         s.fwd,
		Testers:           opts.Testers,
		AllowRemoteCreate: opts.AllowRemoteCreate,
		Capabilities:      caps,
	})
	return s
}

func (s *Stage) Name() string                    { return s.name }
func (s *Stage) Codec() *bridge.Codec            { return s.codec }
func (s *Stage) Directory() *directory.Directory { return s.dir }
func (s *Stage) Gate() *quota.Gate               { return s.gate }
func (s *Stage) Behaviors() *behavior.Registry   { return s.behaviors }

// Receive serves an inbound bridge request.
func (s *Stage) Receive(ctx context.Context, req bridge.Request) bridge.Response {
	return s.router.Receive(ctx, req)
}

// Describe snapshots the local actors and capabilities.
func (s *Stage) Describe() bridge.StageDescription {
	return s.dir.Describe(s.router.Capabilities())
}

// Find queries the local directory with an arbitrary predicate.
func (s *Stage) Find(filter bridge.FilterType, pattern string, pred directory.Predicate) ([]string, error) {
	seq, err := s.dir.Find(filter, pattern, pred)
	if err != nil {
		return nil, err
	}
	var ids []string
	for id := range seq {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Stage) AddPeer(channel string, snd bridge.Sender) {
	s.mu.Lock()
	s.peers[channel] = snd
	s.mu.Unlock()
}

func (s *Stage) RemovePeer(channel string) {
	s.mu.Lock()
	delete(s.peers, channel)
	s.mu.Unlock()
}

// Peer returns the sender reaching the remote channel.
func (s *Stage) Peer(channel string) (bridge.Sender, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snd, ok := s.peers[channel]
	return snd, ok
}

// Create makes code resident locally and starts an actor running it.
func (s *Stage) Create(ctx context.Context, id string, code bridge.CodeEntry, role map[string]string) (string, error) {
	if _, err := s.cache.Put(ctx, []bridge.CodeEntry{code}); err != nil {
		return "", err
	}
	return s.dir.Create(ctx, id, code.Hash, role)
}

// Spawn materializes code and starts its mailbox loop. The directory calls
// it outside its lock once id is reserved.
func (s *Stage) Spawn(id string, code bridge.CodeEntry, role map[string]string) (directory.Actor, error) {
	b, err := s.behaviors.Materialize(code, role)
	if err != nil {
		return nil, err
	}
	a := &actor{
		id:      id,
		stage:   s,
		beh:     b,
		role:    maps.Clone(role),
		mailbox: make(chan directory.Delivery, s.mailbox),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.actors[id] = a
	s.mu.Unlock()
	go a.run()
	logx.Log.Info().Str("actor_id", id).Str("code", code.Name).Str("hash", code.Hash).Msg("actor started")
	return a, nil
}

func (s *Stage) retire(a *actor) {
	s.mu.Lock()
	if s.actors[a.id] == a {
		delete(s.actors, a.id)
	}
	s.mu.Unlock()
}

// Stop terminates the actor registered under id.
func (s *Stage) Stop(id string) bool {
	s.mu.RLock()
	a, ok := s.actors[id]
	s.mu.RUnlock()
	if ok {
		a.stop()
	}
	return ok
}

// Close stops every actor and waits for them to finish.
func (s *Stage) Close() {
	s.mu.RLock()
	all := make([]*actor, 0, len(s.actors))
	for _, a := range s.actors {
		all = append(all, a)
	}
	s.mu.RUnlock()
	for _, a := range all {
		a.stop()
	}
	for _, a := range all {
		<-a.done
	}
}

// Tell sends msg to the actor at to. A bounce is delivered back to from as a
// bridge.Bounce message rather than returned; errors report transport
// problems only.
func (s *Stage) Tell(ctx context.Context, to bridge.Ref, msg any, from bridge.Ref, headers map[string]string) error {
	_, err := s.send(ctx, to, msg, from, headers)
	return err
}

// TellWithin is Tell bounded by timeout. It reports false with a nil error
// when the message was not accepted within the window, and returns ctx's
// error when ctx ends first.
func (s *Stage) TellWithin(ctx context.Context, to bridge.Ref, msg any, from bridge.Ref, headers map[string]string, timeout time.Duration) (bool, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := s.send(tctx, to, msg, from, headers)
		done <- result{ok, err}
	}()
	select {
	case r := <-done:
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return false, nil
		}
		return r.ok, r.err
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return false, err
		}
		return false, nil
	}
}

// send reports whether the target accepted msg into its mailbox.
func (s *Stage) send(ctx context.Context, to bridge.Ref, msg any, from bridge.Ref, headers map[string]string) (bool, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	env := bridge.Envelop{Sender: from, Headers: headers}
	var resp bridge.SendMessageResponse
	if to.IsLocal() {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		resp = s.fwd.SendMessage(to.ID, msg, env)
	} else {
		snd, ok := s.Peer(to.Channel)
		if !ok {
			return false, fmt.Errorf("%w: no channel %s", bridge.ErrTransport, to.Channel)
		}
		var err error
		resp, err = remote.New(snd, s.codec).SendMessage(ctx, to.ID, msg, env)
		if err != nil {
			return false, err
		}
	}
	if resp.Bounce != nil {
		s.returnBounce(*resp.Bounce, from)
		return false, nil
	}
	return resp.Accepted, nil
}

// returnBounce delivers b to the original sender. Bounces of bounces are
// dropped.
func (s *Stage) returnBounce(b bridge.Bounce, to bridge.Ref) {
	if to.IsZero() || b.OriginalMessage.Type == bridge.TypeBounce {
		logx.Log.Debug().Str("recipient", b.Recipient).Str("reason", b.Reason).Msg("bounce dropped")
		return
	}
	b.Sender = to
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Tell(ctx, to, b, bridge.Ref{}, b.OriginalHeaders); err != nil {
		logx.Log.Warn().Err(err).Str("to", to.String()).Msg("bounce not returned")
	}
}
