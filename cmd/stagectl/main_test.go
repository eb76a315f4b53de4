package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gaspardpetit/stagebridge/internal/stage"
	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
	"github.com/gaspardpetit/stagebridge/sdk/base/connector"
)

const echoLua = `function receive(msg, sender, headers) return string.upper(msg) end`

func startStage(t *testing.T) string {
	t.Helper()
	st := stage.New(stage.Options{Name: "remote", AllowRemoteCreate: true})
	t.Cleanup(st.Close)
	hub := connector.NewHub(st, connector.Options{ClientKey: "k"}, nil)
	ts := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return ts.URL
}

func ctl(t *testing.T, url string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	full := append([]string{"--url", url, "--client-key", "k", "--wait", "500ms", "--log-level", "error"}, args...)
	if err := run(context.Background(), full, &out); err != nil {
		t.Fatalf("stagectl %v: %v", args, err)
	}
	return out.String()
}

func TestStagectlWorkflow(t *testing.T) {
	url := startStage(t)

	if out := ctl(t, url, "describe"); !strings.Contains(out, bridge.CapProtocol) {
		t.Fatalf("describe output %q", out)
	}

	path := filepath.Join(t.TempDir(), "echo.lua")
	if err := os.WriteFile(path, []byte(echoLua), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	hash := bridge.HashCode([]byte(echoLua))
	if out := ctl(t, url, "ship", "LuaEcho", path); !strings.Contains(out, hash+" uploaded=true") {
		t.Fatalf("ship output %q", out)
	}
	if out := ctl(t, url, "ship", "LuaEcho", path); !strings.Contains(out, "uploaded=false") {
		t.Fatalf("second ship output %q", out)
	}

	if out := strings.TrimSpace(ctl(t, url, "create", hash, "echo-1", "tier=gold")); out != "echo-1" {
		t.Fatalf("create output %q", out)
	}
	if out := strings.TrimSpace(ctl(t, url, "find", "all", "echo-*", "role", "tier=gold")); out != "echo-1" {
		t.Fatalf("find output %q", out)
	}

	if out := ctl(t, url, "send", "echo-1", "hello"); !strings.Contains(out, "echo-1: HELLO") {
		t.Fatalf("send output %q", out)
	}
	if out := ctl(t, url, "send", "ghost", "hi"); !strings.Contains(out, "bounced by ghost (unknown_actor)") {
		t.Fatalf("bounce output %q", out)
	}
}

func TestStagectlErrors(t *testing.T) {
	url := startStage(t)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"--url", url, "--client-key", "wrong", "describe"}, &out); err == nil {
		t.Fatalf("expected auth failure")
	}
	if err := run(context.Background(), []string{"--url", url, "--client-key", "k", "bogus"}, &out); err == nil {
		t.Fatalf("expected unknown command error")
	}
	if err := run(context.Background(), []string{"--url", url, "--client-key", "k", "create"}, &out); err == nil {
		t.Fatalf("expected usage error")
	}
}

func TestPairs(t *testing.T) {
	m, err := pairs([]string{"a=1", "b=x=y"})
	if err != nil || m["a"] != "1" || m["b"] != "x=y" {
		t.Fatalf("pairs = %v, %v", m, err)
	}
	if _, err := pairs([]string{"nope"}); err == nil {
		t.Fatalf("expected error")
	}
}
