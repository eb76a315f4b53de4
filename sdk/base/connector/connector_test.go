package connector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
)

// peerReceiver answers describe requests with its own name and records the
// peer table filled by the connectors.
type peerReceiver struct {
	name  string
	block chan struct{}

	mu    sync.Mutex
	peers map[string]bridge.Sender
	seen  []string
}

func newPeerReceiver(name string) *peerReceiver {
	return &peerReceiver{name: name, peers: map[string]bridge.Sender{}}
}

func (p *peerReceiver) Receive(ctx context.Context, req bridge.Request) bridge.Response {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
		}
	}
	p.mu.Lock()
	p.seen = append(p.seen, req.Sender)
	p.mu.Unlock()
	return bridge.Response{Kind: req.Kind, DescribeStage: &bridge.StageDescription{
		Actors:       []string{},
		Capabilities: map[string]string{bridge.CapStage: p.name},
	}}
}

func (p *peerReceiver) AddPeer(ch string, s bridge.Sender) {
	p.mu.Lock()
	p.peers[ch] = s
	p.mu.Unlock()
}

func (p *peerReceiver) RemovePeer(ch string) {
	p.mu.Lock()
	delete(p.peers, ch)
	p.mu.Unlock()
}

func (p *peerReceiver) peer(ch string) (bridge.Sender, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.peers[ch]
	return s, ok
}

func (p *peerReceiver) peerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

func describe(t *testing.T, s bridge.Sender) string {
	t.Helper()
	resp, err := s.Send(context.Background(), bridge.Request{Kind: bridge.KindDescribeStage}, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := resp.CheckShape(bridge.KindDescribeStage); err != nil {
		t.Fatalf("shape: %v", err)
	}
	return resp.DescribeStage.Capabilities[bridge.CapStage]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startHub(t *testing.T, r bridge.Receiver, key string) (*Hub, string) {
	t.Helper()
	hub := NewHub(r, Options{ClientKey: key}, nil)
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketRoundTripBothWays(t *testing.T) {
	server := newPeerReceiver("b")
	hub, url := startHub(t, server, "")
	client := newPeerReceiver("a")

	n := NewWebSocket(url, Options{ChannelID: "stage-a"})
	s, err := n.Connect(context.Background(), client)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = s.Disconnect() }()
	if s.ID() != "stage-a" {
		t.Fatalf("sender id = %q", s.ID())
	}
	if got := describe(t, s); got != "b" {
		t.Fatalf("describe answered by %q", got)
	}
	if server.seen[0] != "stage-a" {
		t.Fatalf("server saw sender %q", server.seen[0])
	}

	// the server reaches the client back through its peer table
	back, ok := server.peer("stage-a")
	if !ok {
		t.Fatalf("server has no peer for the client")
	}
	if got := describe(t, back); got != "a" {
		t.Fatalf("reverse describe answered by %q", got)
	}
	if _, ok := client.peer(back.ID()); !ok {
		t.Fatalf("client has no peer for the server channel")
	}
	if chans := hub.Channels(); len(chans) != 1 || chans[0].Remote != "stage-a" {
		t.Fatalf("hub channels = %+v", chans)
	}
}

func TestSecondConnectFails(t *testing.T) {
	_, url := startHub(t, newPeerReceiver("b"), "")
	n := NewWebSocket(url, Options{})
	s, err := n.Connect(context.Background(), newPeerReceiver("a"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := n.Connect(context.Background(), newPeerReceiver("a2")); !errors.Is(err, bridge.ErrAlreadyBound) || !errors.Is(err, bridge.ErrProtocolViolation) {
		t.Fatalf("expected already bound, got %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Disconnect()
		}()
	}
	wg.Wait()
	if _, err := s.Send(context.Background(), bridge.Request{Kind: bridge.KindDescribeStage}, ""); !errors.Is(err, bridge.ErrTransport) {
		t.Fatalf("send after disconnect: %v", err)
	}

	s2, err := n.Connect(context.Background(), newPeerReceiver("a"))
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if s2.ID() == s.ID() {
		t.Fatalf("reconnect reused sender id")
	}
	_ = s2.Disconnect()
}

func TestSubChannels(t *testing.T) {
	server := newPeerReceiver("b")
	_, url := startHub(t, server, "")
	s, err := NewWebSocket(url, Options{}).Connect(context.Background(), newPeerReceiver("a"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = s.Disconnect() }()

	ids := map[string]bool{s.ID(): true}
	for i := 0; i < 3; i++ {
		sub, err := s.LocalConnector().Connect(context.Background(), newPeerReceiver("sub"))
		if err != nil {
			t.Fatalf("sub connect: %v", err)
		}
		if ids[sub.ID()] {
			t.Fatalf("duplicate sub-channel id %q", sub.ID())
		}
		ids[sub.ID()] = true
		if got := describe(t, sub); got != "b" {
			t.Fatalf("sub describe answered by %q", got)
		}
	}
	if server.peerCount() != 4 {
		t.Fatalf("server peers = %d", server.peerCount())
	}

	lc := s.LocalConnector()
	sub, err := lc.Connect(context.Background(), newPeerReceiver("x"))
	if err != nil {
		t.Fatalf("sub connect: %v", err)
	}
	if _, err := lc.Connect(context.Background(), newPeerReceiver("y")); !errors.Is(err, bridge.ErrAlreadyBound) {
		t.Fatalf("expected already bound, got %v", err)
	}
	_ = sub.Disconnect()
	_ = sub.Disconnect()
	waitFor(t, func() bool { return server.peerCount() == 4 })
	if got := describe(t, s); got != "b" {
		t.Fatalf("root channel must survive a sub-channel close")
	}
	if _, err := lc.Connect(context.Background(), newPeerReceiver("y")); err != nil {
		t.Fatalf("reconnect sub-channel: %v", err)
	}
}

func TestUnauthorized(t *testing.T) {
	_, url := startHub(t, newPeerReceiver("b"), "secret")
	if _, err := NewWebSocket(url, Options{ClientKey: "wrong"}).Connect(context.Background(), newPeerReceiver("a")); !errors.Is(err, bridge.ErrTransport) {
		t.Fatalf("expected transport failure, got %v", err)
	}
	s, err := NewWebSocket(url, Options{ClientKey: "secret"}).Connect(context.Background(), newPeerReceiver("a"))
	if err != nil {
		t.Fatalf("connect with key: %v", err)
	}
	_ = s.Disconnect()
}

func TestDuplicateChannelIDRejected(t *testing.T) {
	_, url := startHub(t, newPeerReceiver("b"), "")
	s, err := NewWebSocket(url, Options{ChannelID: "same"}).Connect(context.Background(), newPeerReceiver("a"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = s.Disconnect() }()
	if _, err := NewWebSocket(url, Options{ChannelID: "same"}).Connect(context.Background(), newPeerReceiver("a")); err == nil {
		t.Fatalf("second channel with the same id was accepted")
	}
}

func TestPendingCallFailsWhenConnectionDrops(t *testing.T) {
	server := newPeerReceiver("b")
	server.block = make(chan struct{})
	defer close(server.block)
	hub, url := startHub(t, server, "")
	s, err := NewWebSocket(url, Options{}).Connect(context.Background(), newPeerReceiver("a"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	errc := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), bridge.Request{Kind: bridge.KindDescribeStage}, "")
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	hub.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, bridge.ErrTransport) {
			t.Fatalf("expected transport failure, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("pending call never failed")
	}
	select {
	case <-Done(s):
	case <-time.After(time.Second):
		t.Fatalf("sender not marked done")
	}
}

func TestSendHonoursContext(t *testing.T) {
	server := newPeerReceiver("b")
	server.block = make(chan struct{})
	defer close(server.block)
	_, url := startHub(t, server, "")
	s, err := NewWebSocket(url, Options{}).Connect(context.Background(), newPeerReceiver("a"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = s.Disconnect() }()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = s.Send(ctx, bridge.Request{Kind: bridge.KindDescribeStage}, "")
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, bridge.ErrTransport) {
		t.Fatalf("expected deadline as transport failure, got %v", err)
	}
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	_, url := startHub(t, newPeerReceiver("b"), "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = ws.CloseNow() }()
	if err := ws.Write(ctx, websocket.MessageText, []byte(`{"type":"hello","sender":"raw"}`)); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	if _, _, err := ws.Read(ctx); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if err := ws.Write(ctx, websocket.MessageText, []byte(`not json`)); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	_, _, err = ws.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestMalformedAnswerFailsPendingCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = ws.CloseNow() }()
		var hello bridge.Frame
		if err := wsjson.Read(r.Context(), ws, &hello); err != nil {
			return
		}
		welcome := bridge.Frame{Type: bridge.FrameWelcome, ID: hello.ID, Channel: hello.Sender, Sender: "raw"}
		if err := wsjson.Write(r.Context(), ws, welcome); err != nil {
			return
		}
		if _, _, err := ws.Read(r.Context()); err != nil {
			return
		}
		_ = ws.Write(r.Context(), websocket.MessageText, []byte(`not json`))
		_, _, _ = ws.Read(r.Context())
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := NewWebSocket(srv.URL, Options{}).Connect(ctx, newPeerReceiver("a"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, err = s.Send(ctx, bridge.Request{Kind: bridge.KindDescribeStage}, "")
	if !errors.Is(err, bridge.ErrClosed) || !errors.Is(err, bridge.ErrProtocolViolation) {
		t.Fatalf("expected closed by protocol violation, got %v", err)
	}
	select {
	case <-Done(s):
	case <-ctx.Done():
		t.Fatalf("channel still open")
	}
}

func TestDrainingRejectsChannels(t *testing.T) {
	hub := NewHub(newPeerReceiver("b"), Options{}, func() bool { return true })
	rec := httptest.NewRecorder()
	hub.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestInProcess(t *testing.T) {
	remote := newPeerReceiver("b")
	local := newPeerReceiver("a")
	n := NewInProcess(remote)
	s, err := n.Connect(context.Background(), local)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := n.Connect(context.Background(), local); !errors.Is(err, bridge.ErrAlreadyBound) {
		t.Fatalf("expected already bound, got %v", err)
	}
	if got := describe(t, s); got != "b" {
		t.Fatalf("describe answered by %q", got)
	}
	back, ok := remote.peer(s.ID())
	if !ok {
		t.Fatalf("remote has no peer for the local channel")
	}
	if got := describe(t, back); got != "a" {
		t.Fatalf("reverse describe answered by %q", got)
	}
	sub, err := s.LocalConnector().Connect(context.Background(), newPeerReceiver("c"))
	if err != nil || sub.ID() == s.ID() {
		t.Fatalf("sub-channel: %v", err)
	}
	_ = sub.Disconnect()

	_ = s.Disconnect()
	_ = s.Disconnect()
	if _, err := s.Send(context.Background(), bridge.Request{Kind: bridge.KindDescribeStage}, ""); !errors.Is(err, bridge.ErrClosed) {
		t.Fatalf("send after disconnect: %v", err)
	}
	if local.peerCount() != 0 || remote.peerCount() != 0 {
		t.Fatalf("peers not removed: %d %d", local.peerCount(), remote.peerCount())
	}
	if _, err := n.Connect(context.Background(), local); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
}

func TestSelector(t *testing.T) {
	sel, err := NewSelector(KindInProcess, Options{})
	if err != nil {
		t.Fatalf("selector: %v", err)
	}
	sel.RegisterLocal("self", newPeerReceiver("self"))
	for _, addr := range []string{"self", "inproc://self"} {
		n, err := sel.Negotiator(addr)
		if err != nil {
			t.Fatalf("%s: %v", addr, err)
		}
		if _, ok := n.(*InProcess); !ok {
			t.Fatalf("%s: got %T", addr, n)
		}
	}
	n, err := sel.Negotiator("http://localhost:8080/api/bridge/connect")
	if err != nil {
		t.Fatalf("http: %v", err)
	}
	if ws, ok := n.(*WebSocket); !ok || ws.url != "ws://localhost:8080/api/bridge/connect" {
		t.Fatalf("http address mapped to %+v", n)
	}
	if _, err := sel.Negotiator("inproc://other"); err == nil {
		t.Fatalf("expected unknown in-process stage")
	}
	if _, err := sel.Negotiator("ftp://x"); err == nil {
		t.Fatalf("expected unsupported scheme")
	}
	if _, err := NewSelector("carrier-pigeon", Options{}); err == nil {
		t.Fatalf("expected unknown connector")
	}
}

func TestRemoteID(t *testing.T) {
	remote := newPeerReceiver("b")
	s, err := NewInProcess(remote).Connect(context.Background(), newPeerReceiver("a"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = s.Disconnect() }()
	back, _ := remote.peer(s.ID())
	if RemoteID(s) != back.ID() || RemoteID(back) != s.ID() {
		t.Fatalf("remote ids do not pair: %q %q", RemoteID(s), back.ID())
	}
}
