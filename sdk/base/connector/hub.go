package connector

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gaspardpetit/stagebridge/core/logx"
	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
	"github.com/gaspardpetit/stagebridge/sdk/base/auth"
)

// Hub accepts bridge channels on a stage server and tracks the live
// connections.
type Hub struct {
	receiver bridge.Receiver
	opts     Options
	draining func() bool

	mu    sync.RWMutex
	links map[string]*link
}

// NewHub serves every accepted channel with receiver. draining may be nil.
func NewHub(receiver bridge.Receiver, opts Options, draining func() bool) *Hub {
	return &Hub{receiver: receiver, opts: opts.withDefaults(), draining: draining, links: map[string]*link{}}
}

// Handler upgrades the request and serves the connection until it ends.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.draining != nil && h.draining() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		if !auth.CheckSecret(auth.ExtractBearer(r), h.opts.ClientKey) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			logx.Log.Error().Err(err).Str("remote", r.RemoteAddr).Msg("ws accept")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		hello, err := readFrame(ctx, ws)
		cancel()
		if err != nil || hello.Type != bridge.FrameHello || hello.Sender == "" {
			logx.Log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("expected hello")
			_ = ws.Close(websocket.StatusPolicyViolation, "expected hello")
			return
		}
		remote := hello.Sender
		l := newLink(ws, h.opts, h.receiver)
		h.mu.Lock()
		if _, exists := h.links[remote]; exists {
			h.mu.Unlock()
			_ = ws.Close(websocket.StatusPolicyViolation, "id in use")
			return
		}
		h.links[remote] = l
		h.mu.Unlock()
		defer func() {
			h.mu.Lock()
			delete(h.links, remote)
			h.mu.Unlock()
		}()

		local := uuid.NewString()
		l.addEndpoint(local, h.receiver, nil)
		s := l.bindSender(local, remote)
		s.root = true
		if err := l.write(l.ctx, bridge.Frame{Type: bridge.FrameWelcome, ID: hello.ID, Channel: remote, Sender: local}); err != nil {
			l.close(err)
			return
		}
		logx.Log.Info().Str("remote", r.RemoteAddr).Str("channel", local).Str("peer", remote).Msg("stage connected")
		l.run()
	}
}

// Channels lists the channels bound on accepted connections.
func (h *Hub) Channels() []ChannelInfo {
	h.mu.RLock()
	links := make([]*link, 0, len(h.links))
	for _, l := range h.links {
		links = append(links, l)
	}
	h.mu.RUnlock()
	var out []ChannelInfo
	for _, l := range links {
		out = append(out, l.snapshot()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Local < out[j].Local })
	return out
}

// Close drops every accepted connection.
func (h *Hub) Close() {
	h.mu.RLock()
	links := make([]*link, 0, len(h.links))
	for _, l := range h.links {
		links = append(links, l)
	}
	h.mu.RUnlock()
	for _, l := range links {
		l.close(nil)
	}
}
