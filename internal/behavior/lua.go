package behavior

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
)

// luaBehavior runs a Lua chunk defining receive(msg, sender, headers). The
// value it returns, when not nil, is replied to the sender.
type luaBehavior struct {
	L       *lua.LState
	ctx     Context
	timeout time.Duration
}

// CompileLua loads code into a fresh interpreter with only the base, table,
// string and math libraries opened. Running the chunk and every later
// receive call are each limited to timeout; a non-positive timeout means no
// limit.
func CompileLua(code bridge.CodeEntry, role map[string]string, timeout time.Duration) (Behavior, error) {
	if len(code.Code) == 0 {
		return nil, errors.New("empty code")
	}
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.fn), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, err
		}
	}
	for _, unsafe := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(unsafe, lua.LNil)
	}
	L.SetGlobal("role", toLua(L, stringMap(role)))
	b := &luaBehavior{L: L, timeout: timeout}
	L.SetGlobal("stop", L.NewFunction(func(L *lua.LState) int {
		if b.ctx != nil {
			b.ctx.Stop()
		}
		return 0
	}))
	L.SetGlobal("tell", L.NewFunction(func(L *lua.LState) int {
		to := L.CheckString(1)
		if b.ctx == nil {
			return 0
		}
		if err := b.ctx.Tell(bridge.Ref{ID: to}, fromLua(L.Get(2))); err != nil {
			L.RaiseError("tell %s: %v", to, err)
		}
		return 0
	}))
	release := bound(L, timeout)
	err := L.DoString(string(code.Code))
	release()
	if err != nil {
		L.Close()
		return nil, err
	}
	if L.GetGlobal("receive").Type() != lua.LTFunction {
		L.Close()
		return nil, errors.New("code does not define receive(msg, sender, headers)")
	}
	return b, nil
}

func (b *luaBehavior) Receive(ctx Context, msg any) error {
	b.ctx = ctx
	defer func() { b.ctx = nil }()
	b.L.SetGlobal("self", lua.LString(ctx.Self()))
	release := bound(b.L, b.timeout)
	err := b.L.CallByParam(lua.P{Fn: b.L.GetGlobal("receive"), NRet: 1, Protect: true},
		toLua(b.L, msg), lua.LString(ctx.Sender().String()), toLua(b.L, stringMap(ctx.Headers())))
	release()
	if err != nil {
		return fmt.Errorf("lua receive: %w", err)
	}
	ret := b.L.Get(-1)
	b.L.Pop(1)
	if ret == lua.LNil || ctx.Sender().IsZero() {
		return nil
	}
	return ctx.Reply(fromLua(ret))
}

func (b *luaBehavior) Close() { b.L.Close() }

// bound makes L abort with an error once timeout has elapsed. The returned
// func lifts the limit.
func bound(L *lua.LState, timeout time.Duration) func() {
	if timeout <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	L.SetContext(ctx)
	return func() {
		L.RemoveContext()
		cancel()
	}
}

func stringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(x)
	case []byte:
		return lua.LString(x)
	case float64:
		return lua.LNumber(x)
	case int:
		return lua.LNumber(x)
	case bool:
		return lua.LBool(x)
	case map[string]any:
		t := L.NewTable()
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.RawSetString(k, toLua(L, x[k]))
		}
		return t
	case []any:
		t := L.NewTable()
		for _, e := range x {
			t.Append(toLua(L, e))
		}
		return t
	case bridge.Bounce:
		t := L.NewTable()
		t.RawSetString("bounce", lua.LTrue)
		t.RawSetString("reason", lua.LString(x.Reason))
		t.RawSetString("recipient", lua.LString(x.Recipient))
		t.RawSetString("type", lua.LString(x.OriginalMessage.Type))
		t.RawSetString("data", lua.LString(x.OriginalMessage.Data))
		return t
	}
	return lua.LString(fmt.Sprint(v))
}

func fromLua(v lua.LValue) any {
	switch x := v.(type) {
	case lua.LString:
		return string(x)
	case lua.LNumber:
		return float64(x)
	case lua.LBool:
		return bool(x)
	case *lua.LTable:
		if n := x.MaxN(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, fromLua(x.RawGetInt(i)))
			}
			return out
		}
		out := map[string]any{}
		x.ForEach(func(k, val lua.LValue) {
			out[k.String()] = fromLua(val)
		})
		return out
	}
	return nil
}
