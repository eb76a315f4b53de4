package behavior

import (
	"errors"
	"testing"
	"time"

	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
)

type recordCtx struct {
	self    string
	role    map[string]string
	sender  bridge.Ref
	headers map[string]string
	replies []any
	tells   map[string]any
	stopped bool
}

func (c *recordCtx) Self() string               { return c.self }
func (c *recordCtx) Role() map[string]string    { return c.role }
func (c *recordCtx) Sender() bridge.Ref         { return c.sender }
func (c *recordCtx) Headers() map[string]string { return c.headers }
func (c *recordCtx) Reply(msg any) error        { c.replies = append(c.replies, msg); return nil }
func (c *recordCtx) Stop()                      { c.stopped = true }
func (c *recordCtx) Tell(to bridge.Ref, msg any) error {
	if c.tells == nil {
		c.tells = map[string]any{}
	}
	c.tells[to.ID] = msg
	return nil
}

func newCtx() *recordCtx {
	return &recordCtx{self: "echo-1", sender: bridge.Ref{Channel: "a", ID: "printer"}, headers: map[string]string{"k": "v"}}
}

func TestNativeMaterialization(t *testing.T) {
	r := NewRegistry()
	var printed []any
	RegisterBuiltins(r, func(_ string, _ bridge.Ref, msg any) { printed = append(printed, msg) })

	echo, ok := r.Entry(Echo)
	if !ok || echo.Hash != bridge.HashCode([]byte("native:Echo/1")) {
		t.Fatalf("echo entry: %+v", echo)
	}
	b, err := r.Materialize(echo, nil)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	ctx := newCtx()
	if err := b.Receive(ctx, "ping"); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(ctx.replies) != 1 || ctx.replies[0] != "PING" {
		t.Fatalf("replies = %v", ctx.replies)
	}

	p, _ := r.Entry(Printer)
	pb, err := r.Materialize(p, nil)
	if err != nil {
		t.Fatalf("materialize printer: %v", err)
	}
	_ = pb.Receive(newCtx(), "PING")
	if len(printed) != 1 || printed[0] != "PING" {
		t.Fatalf("printed = %v", printed)
	}
	for _, name := range []string{Echo, Printer, Counter} {
		if _, ok := r.Entry(name); !ok {
			t.Fatalf("%s not registered", name)
		}
	}
}

func TestLuaMaterialization(t *testing.T) {
	r := NewRegistry()
	src := []byte(`
count = 0
function receive(msg, sender, headers)
  count = count + 1
  if msg == "bye" then stop() return nil end
  if type(msg) == "table" then return msg.n * 2 end
  tell("audit", self .. ":" .. headers.k)
  return string.upper(msg) .. "/" .. role.tier .. "/" .. count
end`)
	b, err := r.Materialize(bridge.NewCodeEntry("Shout", src), map[string]string{"tier": "gold"})
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	defer b.(Closer).Close()
	ctx := newCtx()
	if err := b.Receive(ctx, "ping"); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(ctx.replies) != 1 || ctx.replies[0] != "PING/gold/1" {
		t.Fatalf("replies = %v", ctx.replies)
	}
	if ctx.tells["audit"] != "echo-1:v" {
		t.Fatalf("tells = %v", ctx.tells)
	}
	if err := b.Receive(ctx, map[string]any{"n": 21.0}); err != nil || ctx.replies[1] != 42.0 {
		t.Fatalf("table message: %v %v", ctx.replies, err)
	}
	if err := b.Receive(ctx, "bye"); err != nil || !ctx.stopped || len(ctx.replies) != 2 {
		t.Fatalf("stop: %v %v", ctx.stopped, err)
	}
}

func TestLuaRuntimeErrorSurfaces(t *testing.T) {
	b, err := CompileLua(bridge.NewCodeEntry("Bad", []byte(`function receive(msg) error("boom") end`)), nil, DefaultExecTimeout)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	defer b.(Closer).Close()
	if err := b.Receive(newCtx(), "x"); err == nil {
		t.Fatalf("expected runtime error")
	}
}

func TestMaterializationFailures(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r, nil)
	cases := map[string]bridge.CodeEntry{
		"syntax":     bridge.NewCodeEntry("X", []byte("function receive(")),
		"no receive": bridge.NewCodeEntry("X", []byte("x = 1")),
		"empty":      {Name: "X", Hash: bridge.HashCode(nil)},
		"sandboxed":  bridge.NewCodeEntry("X", []byte(`dofile("/etc/passwd") function receive() end`)),
		// a native name shipped with foreign bytes is not the native behavior
		"foreign echo": bridge.NewCodeEntry(Echo, []byte("not lua")),
	}
	for name, e := range cases {
		if _, err := r.Materialize(e, nil); !errors.Is(err, bridge.ErrCodeResolution) {
			t.Fatalf("%s: expected code resolution failure, got %v", name, err)
		}
	}
}

func TestBuiltinsReadRole(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r, nil)

	echo, _ := r.Entry(Echo)
	b, err := r.Materialize(echo, map[string]string{"prefix": "> "})
	if err != nil {
		t.Fatalf("materialize echo: %v", err)
	}
	ctx := newCtx()
	if err := b.Receive(ctx, "hi"); err != nil || len(ctx.replies) != 1 || ctx.replies[0] != "> HI" {
		t.Fatalf("echo replies = %v, err %v", ctx.replies, err)
	}

	counter, _ := r.Entry(Counter)
	c, err := r.Materialize(counter, map[string]string{"start": "41"})
	if err != nil {
		t.Fatalf("materialize counter: %v", err)
	}
	ctx = newCtx()
	if err := c.Receive(ctx, "tick"); err != nil || len(ctx.replies) != 1 || ctx.replies[0] != 42.0 {
		t.Fatalf("counter replies = %v, err %v", ctx.replies, err)
	}
}

func TestLuaExecutionIsBounded(t *testing.T) {
	r := NewRegistry()
	r.SetExecTimeout(50 * time.Millisecond)

	start := time.Now()
	_, err := r.Materialize(bridge.NewCodeEntry("Spin", []byte(`while true do end`)), nil)
	if !errors.Is(err, bridge.ErrCodeResolution) {
		t.Fatalf("expected spinning chunk to fail, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("chunk ran for %v", time.Since(start))
	}

	src := []byte(`function receive(msg)
  if msg == "spin" then while true do end end
  return msg
end`)
	b, err := r.Materialize(bridge.NewCodeEntry("Busy", src), nil)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	defer b.(Closer).Close()
	if err := b.Receive(newCtx(), "spin"); err == nil {
		t.Fatalf("expected spinning receive to fail")
	}
}
