package behavior

import (
	"strings"

	"github.com/gaspardpetit/stagebridge/core/logx"
	"github.com/gaspardpetit/stagebridge/core/options"
	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
)

// Names of the built-in behaviors.
const (
	Echo    = "Echo"
	Printer = "Printer"
	Counter = "Counter"
)

// PrintFunc receives every message handled by a Printer.
type PrintFunc func(self string, from bridge.Ref, msg any)

// RegisterBuiltins adds Echo, Printer and Counter to r. sink may be nil.
// Echo honours the role key "prefix" and Counter the role key "start".
func RegisterBuiltins(r *Registry, sink PrintFunc) {
	r.Register(Echo, []byte("native:Echo/1"), func(role map[string]string) Behavior {
		prefix := options.String(role, "prefix", "")
		return Func(func(ctx Context, msg any) error {
			if s, ok := msg.(string); ok {
				msg = prefix + strings.ToUpper(s)
			}
			if ctx.Sender().IsZero() {
				return nil
			}
			return ctx.Reply(msg)
		})
	})
	r.Register(Printer, []byte("native:Printer/1"), func(map[string]string) Behavior {
		return Func(func(ctx Context, msg any) error {
			if b, ok := msg.(bridge.Bounce); ok {
				logx.Log.Warn().Str("actor_id", ctx.Self()).Str("recipient", b.Recipient).Str("reason", b.Reason).Msg("message bounced")
			} else {
				logx.Log.Info().Str("actor_id", ctx.Self()).Str("sender", ctx.Sender().String()).Interface("message", msg).Msg("print")
			}
			if sink != nil {
				sink(ctx.Self(), ctx.Sender(), msg)
			}
			return nil
		})
	})
	r.Register(Counter, []byte("native:Counter/1"), func(role map[string]string) Behavior {
		n := float64(options.Int(role, "start", 0))
		return Func(func(ctx Context, msg any) error {
			if msg == "stop" {
				ctx.Stop()
				return nil
			}
			n++
			if ctx.Sender().IsZero() {
				return nil
			}
			return ctx.Reply(n)
		})
	})
}
