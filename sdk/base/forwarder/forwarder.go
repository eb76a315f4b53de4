// Package forwarder hands messages to local actors, turning every ordinary
// delivery failure into a Bounce addressed back to the sender.
package forwarder

import (
	"errors"
	"fmt"

	"github.com/gaspardpetit/stagebridge/core/logx"
	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
	"github.com/gaspardpetit/stagebridge/sdk/base/directory"
	"github.com/gaspardpetit/stagebridge/sdk/base/metrics"
	"github.com/gaspardpetit/stagebridge/sdk/base/quota"
)

// Forwarder delivers into the local actor population.
type Forwarder struct {
	dir   *directory.Directory
	gate  *quota.Gate
	codec *bridge.Codec
}

func New(dir *directory.Directory, gate *quota.Gate, codec *bridge.Codec) *Forwarder {
	if gate == nil {
		gate = quota.NewGate(quota.Unbounded)
	}
	return &Forwarder{dir: dir, gate: gate, codec: codec}
}

// SendMessage enqueues msg for actorID. The response confirms acceptance into
// the mailbox only. Unknown, dismissed or over-quota targets yield a Bounce
// carrying msg and env instead of an error.
func (f *Forwarder) SendMessage(actorID string, msg any, env bridge.Envelop) bridge.SendMessageResponse {
	h, ok := f.dir.Lookup(actorID)
	if !ok {
		return f.bounce(actorID, msg, env, bridge.ReasonUnknownActor)
	}
	if !f.gate.Admit(actorID) {
		return f.bounce(actorID, msg, env, bridge.ReasonQuotaExceeded)
	}
	released := make(chan struct{})
	release := func() {
		select {
		case <-released:
		default:
			close(released)
			f.gate.Release(actorID)
		}
	}
	if err := h.Actor.Deliver(directory.Delivery{Message: msg, Envelop: env, Release: release}); err != nil {
		release()
		reason := bridge.ReasonDismissed
		if errors.Is(err, bridge.ErrQuotaExceeded) {
			reason = bridge.ReasonQuotaExceeded
		}
		return f.bounce(actorID, msg, env, reason)
	}
	return bridge.SendMessageResponse{Accepted: true}
}

func (f *Forwarder) bounce(actorID string, msg any, env bridge.Envelop, reason string) bridge.SendMessageResponse {
	metrics.RecordBounce(reason)
	logx.Log.Debug().Str("actor_id", actorID).Str("sender", env.Sender.String()).Str("reason", reason).Msg("bounce")
	return bridge.SendMessageResponse{Bounce: NewBounce(f.codec, actorID, msg, env, reason)}
}

// NewBounce wraps msg and env for return to env.Sender. A message the codec
// cannot encode is carried as its string form.
func NewBounce(codec *bridge.Codec, recipient string, msg any, env bridge.Envelop, reason string) *bridge.Bounce {
	p, err := codec.Encode(msg)
	if err != nil {
		p, _ = codec.Encode(fmt.Sprint(msg))
	}
	headers := env.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return &bridge.Bounce{OriginalMessage: p, OriginalHeaders: headers, Recipient: recipient, Sender: env.Sender, Reason: reason}
}
