package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gaspardpetit/stagebridge/core/logx"
	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
	"github.com/gaspardpetit/stagebridge/sdk/base/metrics"
)

// link multiplexes channel pairs over one websocket connection. Frames are
// routed by the receiving side's channel identifier.
type link struct {
	ws   *websocket.Conn
	opts Options
	// acceptor serves sub-channels opened by the remote side; nil refuses them.
	acceptor bridge.Receiver

	ctx    context.Context
	cancel context.CancelFunc

	wmu sync.Mutex

	mu        sync.Mutex
	endpoints map[string]*endpoint
	pending   map[string]chan bridge.Frame
	err       error

	done      chan struct{}
	closeOnce sync.Once
}

type endpoint struct {
	local    string
	receiver bridge.Receiver
	sender   *wsSender
	since    time.Time
	unbind   func()
}

func newLink(ws *websocket.Conn, opts Options, acceptor bridge.Receiver) *link {
	ws.SetReadLimit(-1)
	ctx, cancel := context.WithCancel(context.Background())
	return &link{
		ws:        ws,
		opts:      opts.withDefaults(),
		acceptor:  acceptor,
		ctx:       ctx,
		cancel:    cancel,
		endpoints: map[string]*endpoint{},
		pending:   map[string]chan bridge.Frame{},
		done:      make(chan struct{}),
	}
}

func (l *link) write(ctx context.Context, f bridge.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("%w: encode frame: %v", bridge.ErrProtocolViolation, err)
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if err := l.ws.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("%w: %v", bridge.ErrTransport, err)
	}
	return nil
}

func readFrame(ctx context.Context, ws *websocket.Conn) (bridge.Frame, error) {
	var f bridge.Frame
	_, data, err := ws.Read(ctx)
	if err != nil {
		return f, fmt.Errorf("%w: %v", bridge.ErrTransport, err)
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("%w: undecodable frame: %v", bridge.ErrProtocolViolation, err)
	}
	return f, nil
}

// call writes f under a fresh correlation id and waits for the frame that
// answers it.
func (l *link) call(ctx context.Context, f bridge.Frame) (bridge.Frame, error) {
	f.ID = uuid.NewString()
	ch := make(chan bridge.Frame, 1)
	l.mu.Lock()
	if l.err != nil {
		err := l.err
		l.mu.Unlock()
		return bridge.Frame{}, err
	}
	l.pending[f.ID] = ch
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pending, f.ID)
		l.mu.Unlock()
	}()
	if err := l.write(ctx, f); err != nil {
		if ctx.Err() != nil {
			return bridge.Frame{}, fmt.Errorf("%w: %w", bridge.ErrTransport, ctx.Err())
		}
		l.close(err)
		return bridge.Frame{}, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return bridge.Frame{}, fmt.Errorf("%w: %w", bridge.ErrTransport, ctx.Err())
	case <-l.done:
		return bridge.Frame{}, l.closeErr()
	}
}

func (l *link) closeErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// run reads frames until the connection ends. Any frame outside the protocol
// tears the link down.
func (l *link) run() {
	if l.opts.Heartbeat > 0 {
		go l.heartbeat()
	}
	for {
		f, err := readFrame(l.ctx, l.ws)
		if err == nil {
			err = l.handle(f)
		}
		if err != nil {
			l.close(err)
			return
		}
	}
}

func (l *link) heartbeat() {
	t := time.NewTicker(l.opts.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			ctx, cancel := context.WithTimeout(l.ctx, 3*l.opts.Heartbeat)
			err := l.ws.Ping(ctx)
			cancel()
			if err != nil {
				l.close(fmt.Errorf("%w: heartbeat: %v", bridge.ErrTransport, err))
				return
			}
		case <-l.done:
			return
		}
	}
}

func (l *link) handle(f bridge.Frame) error {
	switch f.Type {
	case bridge.FrameRequest:
		if f.Request == nil {
			return fmt.Errorf("%w: request frame without body", bridge.ErrProtocolViolation)
		}
		l.serve(f)
	case bridge.FrameResponse, bridge.FrameFailure, bridge.FrameOpened:
		l.mu.Lock()
		ch, ok := l.pending[f.ID]
		delete(l.pending, f.ID)
		l.mu.Unlock()
		if !ok {
			logx.Log.Debug().Str("id", f.ID).Str("type", f.Type).Msg("late frame dropped")
			return nil
		}
		ch <- f
	case bridge.FrameOpen:
		return l.accept(f)
	case bridge.FrameClose:
		l.dropEndpoint(f.Channel, false)
	default:
		return fmt.Errorf("%w: unexpected %q frame", bridge.ErrProtocolViolation, f.Type)
	}
	return nil
}

// serve runs an inbound request on the pool and writes its answer.
func (l *link) serve(f bridge.Frame) {
	l.mu.Lock()
	ep, ok := l.endpoints[f.Channel]
	l.mu.Unlock()
	if !ok {
		_ = l.write(l.ctx, bridge.Frame{Type: bridge.FrameFailure, ID: f.ID, Channel: f.Sender, Error: "unknown channel " + f.Channel})
		return
	}
	req := *f.Request
	req.Sender = f.Sender
	release := l.opts.Inflight.Track()
	err := l.opts.Pool.Go(l.ctx, func() {
		defer release()
		resp := ep.receiver.Receive(l.ctx, req)
		out := bridge.Frame{Type: bridge.FrameResponse, ID: f.ID, Channel: f.Sender, Sender: ep.local, Response: &resp}
		if err := l.write(l.ctx, out); err != nil {
			logx.Log.Warn().Err(err).Str("channel", ep.local).Str("kind", string(req.Kind)).Msg("response not delivered")
		}
	})
	if err != nil {
		release()
	}
}

// accept binds a sub-channel opened by the remote side.
func (l *link) accept(f bridge.Frame) error {
	if f.Sender == "" {
		return fmt.Errorf("%w: open frame without sender", bridge.ErrProtocolViolation)
	}
	if l.acceptor == nil {
		return l.write(l.ctx, bridge.Frame{Type: bridge.FrameFailure, ID: f.ID, Channel: f.Sender, Error: "sub-channels not accepted"})
	}
	local := uuid.NewString()
	l.addEndpoint(local, l.acceptor, nil)
	l.bindSender(local, f.Sender)
	return l.write(l.ctx, bridge.Frame{Type: bridge.FrameOpened, ID: f.ID, Channel: f.Sender, Sender: local})
}

// addEndpoint registers a local channel so inbound requests can reach it
// before the remote identifier is known.
func (l *link) addEndpoint(local string, r bridge.Receiver, unbind func()) {
	l.mu.Lock()
	l.endpoints[local] = &endpoint{local: local, receiver: r, since: time.Now(), unbind: unbind}
	l.mu.Unlock()
	metrics.ChannelOpened()
}

// bindSender completes the pair and publishes it to the receiver's peer table.
func (l *link) bindSender(local, remote string) *wsSender {
	s := &wsSender{link: l, local: local, remote: remote}
	l.mu.Lock()
	ep, ok := l.endpoints[local]
	if ok {
		ep.sender = s
	}
	l.mu.Unlock()
	if ok {
		if p, isPeers := ep.receiver.(bridge.Peers); isPeers {
			p.AddPeer(remote, s)
		}
	}
	logx.Log.Info().Str("channel", local).Str("peer", remote).Msg("channel bound")
	return s
}

// dropEndpoint removes a channel; notify also tells the remote side.
func (l *link) dropEndpoint(local string, notify bool) bool {
	l.mu.Lock()
	ep, ok := l.endpoints[local]
	delete(l.endpoints, local)
	l.mu.Unlock()
	if !ok {
		return false
	}
	metrics.ChannelClosed()
	if ep.sender != nil {
		ep.sender.closed.Store(true)
		if p, isPeers := ep.receiver.(bridge.Peers); isPeers {
			p.RemovePeer(ep.sender.remote)
		}
		if notify {
			ctx, cancel := context.WithTimeout(l.ctx, time.Second)
			_ = l.write(ctx, bridge.Frame{Type: bridge.FrameClose, Channel: ep.sender.remote, Sender: local})
			cancel()
		}
	}
	if ep.unbind != nil {
		ep.unbind()
	}
	logx.Log.Info().Str("channel", local).Msg("channel closed")
	return true
}

// close tears the link down once and fails every pending call.
func (l *link) close(cause error) {
	l.closeOnce.Do(func() {
		if cause == nil {
			cause = bridge.ErrClosed
		} else if !errors.Is(cause, bridge.ErrClosed) {
			cause = fmt.Errorf("%w: %w", bridge.ErrClosed, cause)
		}
		l.mu.Lock()
		l.err = cause
		ids := make([]string, 0, len(l.endpoints))
		for id := range l.endpoints {
			ids = append(ids, id)
		}
		l.mu.Unlock()
		close(l.done)
		code, reason := websocket.StatusNormalClosure, "closing"
		if errors.Is(cause, bridge.ErrProtocolViolation) {
			code, reason = websocket.StatusPolicyViolation, "protocol violation"
			logx.Log.Error().Err(cause).Msg("closing link")
		}
		_ = l.ws.Close(code, reason)
		l.cancel()
		for _, id := range ids {
			l.dropEndpoint(id, false)
		}
	})
}

// snapshot lists the bound channels of the link.
func (l *link) snapshot() []ChannelInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ChannelInfo, 0, len(l.endpoints))
	for _, ep := range l.endpoints {
		if ep.sender == nil {
			continue
		}
		out = append(out, ChannelInfo{Local: ep.local, Remote: ep.sender.remote, Since: ep.since})
	}
	return out
}

// ChannelInfo describes one bound channel.
type ChannelInfo struct {
	Local  string    `json:"local"`
	Remote string    `json:"remote"`
	Since  time.Time `json:"since"`
}

// wsSender is the outbound half of a channel carried by a link. The root
// channel owns the link; sub-channels share it.
type wsSender struct {
	link   *link
	local  string
	remote string
	root   bool
	closed atomic.Bool
}

func (s *wsSender) ID() string { return s.local }

func (s *wsSender) Remote() string { return s.remote }

func (s *wsSender) Done() <-chan struct{} { return s.link.done }

func (s *wsSender) Send(ctx context.Context, req bridge.Request, target string) (bridge.Response, error) {
	if s.closed.Load() {
		return bridge.Response{}, bridge.ErrClosed
	}
	req.Sender = s.local
	if target != "" {
		req.Target = target
	}
	f, err := s.link.call(ctx, bridge.Frame{Type: bridge.FrameRequest, Channel: s.remote, Sender: s.local, Request: &req})
	if err != nil {
		return bridge.Response{}, err
	}
	switch {
	case f.Type == bridge.FrameFailure:
		return bridge.Response{}, fmt.Errorf("%w: %s", bridge.ErrTransport, f.Error)
	case f.Type == bridge.FrameResponse && f.Response != nil:
		return *f.Response, nil
	}
	err = fmt.Errorf("%w: %q frame answered a request", bridge.ErrProtocolViolation, f.Type)
	s.link.close(err)
	return bridge.Response{}, err
}

// Disconnect closes the channel. For the root channel this closes the
// connection and every sub-channel with it.
func (s *wsSender) Disconnect() error {
	if s.root {
		s.link.close(nil)
		return nil
	}
	s.link.dropEndpoint(s.local, true)
	return nil
}

func (s *wsSender) LocalConnector() bridge.Negotiator {
	return &subNegotiator{link: s.link}
}

// subNegotiator opens sub-channels over an existing link.
type subNegotiator struct {
	link *link
	b    binding
}

func (n *subNegotiator) Connect(ctx context.Context, r bridge.Receiver) (bridge.Sender, error) {
	if err := n.b.acquire(); err != nil {
		return nil, err
	}
	local := uuid.NewString()
	n.link.addEndpoint(local, r, n.b.release)
	f, err := n.link.call(ctx, bridge.Frame{Type: bridge.FrameOpen, Sender: local})
	if err == nil && (f.Type != bridge.FrameOpened || f.Sender == "") {
		err = fmt.Errorf("%w: open answered by %q: %s", bridge.ErrTransport, f.Type, f.Error)
	}
	if err != nil {
		n.link.dropEndpoint(local, false)
		return nil, err
	}
	return n.link.bindSender(local, f.Sender), nil
}
