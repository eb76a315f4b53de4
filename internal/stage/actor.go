package stage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gaspardpetit/stagebridge/core/logx"
	"github.com/gaspardpetit/stagebridge/internal/behavior"
	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
	"github.com/gaspardpetit/stagebridge/sdk/base/directory"
	"github.com/gaspardpetit/stagebridge/sdk/base/forwarder"
	"github.com/gaspardpetit/stagebridge/sdk/base/remote"
)

// replyTimeout bounds a reply sent from inside an actor.
const replyTimeout = 30 * time.Second

// actor processes its mailbox serially on one goroutine.
type actor struct {
	id      string
	stage   *Stage
	beh     behavior.Behavior
	role    map[string]string
	mailbox chan directory.Delivery

	mu       sync.Mutex
	closed   bool
	stopOnce sync.Once
	quit     chan struct{}
	done     chan struct{}
}

// Deliver enqueues without blocking. A full mailbox is reported as quota
// exhaustion, a stopped actor as dismissed.
func (a *actor) Deliver(d directory.Delivery) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return bridge.ErrDismissed
	}
	select {
	case a.mailbox <- d:
		return nil
	default:
		return bridge.ErrQuotaExceeded
	}
}

func (a *actor) Done() <-chan struct{} { return a.done }

func (a *actor) stop() { a.stopOnce.Do(func() { close(a.quit) }) }

func (a *actor) run() {
	defer a.finish()
	for {
		select {
		case <-a.quit:
			return
		case d := <-a.mailbox:
			err := a.handle(d)
			d.Release()
			if err != nil {
				logx.Log.Error().Err(err).Str("actor_id", a.id).Msg("behavior failed")
				return
			}
			select {
			case <-a.quit:
				return
			default:
			}
		}
	}
}

func (a *actor) handle(d directory.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return a.beh.Receive(&msgContext{actor: a, env: d.Envelop}, d.Message)
}

// finish rejects further deliveries and bounces whatever is still queued.
func (a *actor) finish() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.stop()
	if c, ok := a.beh.(behavior.Closer); ok {
		c.Close()
	}
	close(a.done)
	a.stage.retire(a)
	for {
		select {
		case d := <-a.mailbox:
			d.Release()
			b := bridge.Bounce{Recipient: a.id, Reason: bridge.ReasonDismissed, OriginalHeaders: d.Envelop.Headers}
			if p, err := a.stage.codec.Encode(d.Message); err == nil {
				b.OriginalMessage = p
			}
			a.stage.returnBounce(b, d.Envelop.Sender)
		default:
			logx.Log.Info().Str("actor_id", a.id).Msg("actor terminated")
			return
		}
	}
}

type msgContext struct {
	actor *actor
	env   bridge.Envelop
}

func (c *msgContext) Self() string               { return c.actor.id }
func (c *msgContext) Role() map[string]string    { return c.actor.role }
func (c *msgContext) Sender() bridge.Ref         { return c.env.Sender }
func (c *msgContext) Headers() map[string]string { return c.env.Headers }
func (c *msgContext) Stop()                      { c.actor.stop() }

func (c *msgContext) Reply(msg any) error {
	return c.Tell(c.env.Sender, msg)
}

// Tell sends msg on behalf of the actor. A message whose channel failed
// comes back to the actor as an unreachable bounce.
func (c *msgContext) Tell(to bridge.Ref, msg any) error {
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	self := bridge.Ref{ID: c.actor.id}
	err := c.actor.stage.Tell(ctx, to, msg, self, nil)
	if remote.IsFatal(err) {
		logx.Log.Debug().Err(err).Str("actor_id", c.actor.id).Str("to", to.String()).Msg("peer unreachable")
		b := forwarder.NewBounce(c.actor.stage.codec, to.String(), msg, bridge.Envelop{Sender: self}, bridge.ReasonUnreachable)
		c.actor.stage.returnBounce(*b, self)
		return nil
	}
	return err
}
