package connector

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gaspardpetit/stagebridge/core/logx"
	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
)

// WebSocket dials a stage server and binds the root channel of the
// connection.
type WebSocket struct {
	url  string
	opts Options
	b    binding
}

func NewWebSocket(url string, opts Options) *WebSocket {
	return &WebSocket{url: url, opts: opts.withDefaults()}
}

// Connect dials, performs the hello/welcome exchange and starts serving r.
// The negotiator stays bound until the returned sender disconnects or the
// connection drops.
func (n *WebSocket) Connect(ctx context.Context, r bridge.Receiver) (bridge.Sender, error) {
	if err := n.b.acquire(); err != nil {
		return nil, err
	}
	s, err := n.dial(ctx, r)
	if err != nil {
		n.b.release()
		return nil, err
	}
	return s, nil
}

func (n *WebSocket) dial(ctx context.Context, r bridge.Receiver) (*wsSender, error) {
	var dialOpts *websocket.DialOptions
	if n.opts.ClientKey != "" {
		hdr := make(http.Header)
		hdr.Set("Authorization", "Bearer "+n.opts.ClientKey)
		dialOpts = &websocket.DialOptions{HTTPHeader: hdr}
	}
	ws, _, err := websocket.Dial(ctx, n.url, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", bridge.ErrTransport, n.url, err)
	}
	local := n.opts.ChannelID
	if local == "" {
		local = uuid.NewString()
	}
	l := newLink(ws, n.opts, nil)
	if err := l.write(ctx, bridge.Frame{Type: bridge.FrameHello, ID: uuid.NewString(), Sender: local}); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "closing")
		return nil, err
	}
	f, err := readFrame(ctx, ws)
	if err == nil && (f.Type != bridge.FrameWelcome || f.Channel != local || f.Sender == "") {
		err = fmt.Errorf("%w: expected welcome, got %q %s", bridge.ErrProtocolViolation, f.Type, f.Error)
	}
	if err != nil {
		_ = ws.Close(websocket.StatusPolicyViolation, "expected welcome")
		return nil, err
	}
	l.addEndpoint(local, r, n.b.release)
	s := l.bindSender(local, f.Sender)
	s.root = true
	go l.run()
	logx.Log.Info().Str("url", n.url).Str("channel", local).Str("peer", f.Sender).Msg("connected to stage")
	return s, nil
}
