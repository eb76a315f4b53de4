// Package directory maps remote visible actor identifiers to local actor
// handles.
package directory

import (
	"context"
	"fmt"
	"iter"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gaspardpetit/stagebridge/core/logx"
	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
	"github.com/gaspardpetit/stagebridge/sdk/base/metrics"
)

// Delivery is one message handed to an actor's mailbox. Release must be
// called once the message has been processed or dropped.
type Delivery struct {
	Message any
	Envelop bridge.Envelop
	Release func()
}

// Actor is the handle of a local actor owned by the execution engine.
type Actor interface {
	// Deliver enqueues d without waiting for it to be processed.
	Deliver(d Delivery) error
	// Done is closed when the actor has terminated.
	Done() <-chan struct{}
}

// Spawner materializes resident code into a running actor.
type Spawner interface {
	Spawn(id string, code bridge.CodeEntry, role map[string]string) (Actor, error)
}

// Resolver returns resident code by hash.
type Resolver interface {
	Resolve(ctx context.Context, hash string) (bridge.CodeEntry, error)
}

// Handle describes a registered actor.
type Handle struct {
	ID      string
	Code    string
	Hash    string
	Role    map[string]string
	Created time.Time
	Actor   Actor
}

// Alive reports whether the underlying actor is still running.
func (h Handle) Alive() bool {
	select {
	case <-h.Actor.Done():
		return false
	default:
		return true
	}
}

// Directory registers actors. Mutations and snapshots share one lock;
// spawning runs outside it against a reserved identifier.
type Directory struct {
	resolver Resolver
	spawner  Spawner

	mu       sync.RWMutex
	actors   map[string]*Handle
	reserved map[string]struct{}
	seq      map[string]int
}

func New(resolver Resolver, spawner Spawner) *Directory {
	return &Directory{
		resolver: resolver,
		spawner:  spawner,
		actors:   make(map[string]*Handle),
		reserved: make(map[string]struct{}),
		seq:      make(map[string]int),
	}
}

// Create materializes the code stored under codeRef into a new actor. When
// requested is empty a fresh identifier derived from the code name is
// assigned.
func (d *Directory) Create(ctx context.Context, requested, codeRef string, role map[string]string) (string, error) {
	if d.resolver == nil || d.spawner == nil {
		return "", fmt.Errorf("%w: directory cannot create actors", bridge.ErrCreateFailure)
	}
	code, err := d.resolver.Resolve(ctx, codeRef)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.pruneLocked()
	id := requested
	if id == "" {
		id = d.freshIDLocked(code.Name)
	} else if d.takenLocked(id) {
		d.mu.Unlock()
		return "", fmt.Errorf("%w: %s", bridge.ErrDuplicateID, id)
	}
	d.reserved[id] = struct{}{}
	d.mu.Unlock()

	a, err := d.spawner.Spawn(id, code, role)

	d.mu.Lock()
	delete(d.reserved, id)
	if err != nil {
		d.mu.Unlock()
		return "", fmt.Errorf("%w: %s: %v", bridge.ErrCodeResolution, code.Name, err)
	}
	d.insertLocked(&Handle{ID: id, Code: code.Name, Hash: code.Hash, Role: role, Created: time.Now(), Actor: a})
	d.mu.Unlock()
	logx.Log.Info().Str("actor_id", id).Str("code", code.Name).Str("hash", code.Hash).Msg("actor created")
	return id, nil
}

// Add registers an actor that was spawned locally rather than from shipped code.
func (d *Directory) Add(id, code string, a Actor) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", bridge.ErrCreateFailure)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked()
	if d.takenLocked(id) {
		return fmt.Errorf("%w: %s", bridge.ErrDuplicateID, id)
	}
	d.insertLocked(&Handle{ID: id, Code: code, Created: time.Now(), Actor: a})
	return nil
}

func (d *Directory) insertLocked(h *Handle) {
	d.actors[h.ID] = h
	metrics.SetActors(len(d.actors))
	go d.watch(h)
}

func (d *Directory) watch(h *Handle) {
	<-h.Actor.Done()
	d.remove(h)
}

func (d *Directory) remove(h *Handle) {
	d.mu.Lock()
	if cur, ok := d.actors[h.ID]; ok && cur == h {
		delete(d.actors, h.ID)
		metrics.SetActors(len(d.actors))
		logx.Log.Info().Str("actor_id", h.ID).Msg("actor removed")
	}
	d.mu.Unlock()
}

// pruneLocked drops terminated actors whose watcher has not run yet so no
// identifier resolves to a dead actor.
func (d *Directory) pruneLocked() {
	for id, h := range d.actors {
		if !h.Alive() {
			delete(d.actors, id)
		}
	}
	metrics.SetActors(len(d.actors))
}

// takenLocked reports whether id is registered or being spawned.
func (d *Directory) takenLocked(id string) bool {
	if _, ok := d.actors[id]; ok {
		return true
	}
	_, ok := d.reserved[id]
	return ok
}

func (d *Directory) freshIDLocked(codeName string) string {
	prefix := slug(codeName)
	for {
		d.seq[prefix]++
		id := prefix + "-" + strconv.Itoa(d.seq[prefix])
		if !d.takenLocked(id) {
			return id
		}
	}
}

func slug(name string) string {
	name = strings.TrimSuffix(strings.ToLower(name), ".lua")
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		return "actor"
	}
	return s
}

// Lookup returns the live handle registered under id.
func (d *Directory) Lookup(id string) (Handle, bool) {
	d.mu.RLock()
	h, ok := d.actors[id]
	d.mu.RUnlock()
	if !ok || !h.Alive() {
		return Handle{}, false
	}
	return *h, true
}

// Len returns the number of live actors.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked()
	return len(d.actors)
}

func (d *Directory) snapshot() []Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked()
	res := make([]Handle, 0, len(d.actors))
	for _, h := range d.actors {
		res = append(res, *h)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Find returns the ids matching filter in ascending order. The sequence is
// evaluated lazily over a snapshot taken at call time.
//
// EXACT matches the id equal to pattern. ALL requires both the glob pattern
// and the tester to match, ANY requires either. An absent operand is the
// identity of its combinator: true for ALL, false for ANY.
func (d *Directory) Find(filter bridge.FilterType, pattern string, tester Predicate) (iter.Seq[string], error) {
	if !filter.Valid() {
		return nil, fmt.Errorf("%w: unknown filter %q", bridge.ErrProtocolViolation, filter)
	}
	if filter != bridge.FilterExact && pattern != "" {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("%w: bad pattern %q", bridge.ErrProtocolViolation, pattern)
		}
	}
	if filter == bridge.FilterExact {
		h, ok := d.Lookup(pattern)
		return func(yield func(string) bool) {
			if ok {
				yield(h.ID)
			}
		}, nil
	}
	snap := d.snapshot()
	return func(yield func(string) bool) {
		for _, h := range snap {
			if match(filter, pattern, tester, h) && !yield(h.ID) {
				return
			}
		}
	}, nil
}

func match(filter bridge.FilterType, pattern string, tester Predicate, h Handle) bool {
	globbed := func() bool {
		ok, _ := path.Match(pattern, h.ID)
		return ok
	}
	if filter == bridge.FilterAll {
		return (pattern == "" || globbed()) && (tester == nil || tester(h))
	}
	return (pattern != "" && globbed()) || (tester != nil && tester(h))
}

// Describe snapshots the live actor ids together with caps.
func (d *Directory) Describe(caps map[string]string) bridge.StageDescription {
	snap := d.snapshot()
	ids := make([]string, len(snap))
	for i, h := range snap {
		ids[i] = h.ID
	}
	c := make(map[string]string, len(caps))
	for k, v := range caps {
		c[k] = v
	}
	return bridge.StageDescription{Actors: ids, Capabilities: c}
}
