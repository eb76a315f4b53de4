package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/gaspardpetit/stagebridge/core/logx"
	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
	"github.com/gaspardpetit/stagebridge/sdk/base/metrics"
)

// InProcess pairs a local receiver with a receiver living in the same
// process. Requests are copied through their JSON form so both sides see
// exactly what a stream connector would deliver.
type InProcess struct {
	remote bridge.Receiver
	b      binding
}

func NewInProcess(remote bridge.Receiver) *InProcess {
	return &InProcess{remote: remote}
}

func (n *InProcess) Connect(ctx context.Context, local bridge.Receiver) (bridge.Sender, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := n.b.acquire(); err != nil {
		return nil, err
	}
	p := &pipe{done: make(chan struct{}), release: n.b.release}
	p.out = &pipeSender{pipe: p, id: uuid.NewString(), to: n.remote, toPeers: local}
	p.in = &pipeSender{pipe: p, id: uuid.NewString(), to: local, toPeers: n.remote}
	p.out.peer, p.in.peer = p.in.id, p.out.id
	if ps, ok := local.(bridge.Peers); ok {
		ps.AddPeer(p.in.id, p.out)
	}
	if ps, ok := n.remote.(bridge.Peers); ok {
		ps.AddPeer(p.out.id, p.in)
	}
	metrics.ChannelOpened()
	logx.Log.Info().Str("channel", p.out.id).Str("peer", p.in.id).Msg("in-process channel bound")
	return p.out, nil
}

// pipe is the shared state of the two directions of an in-process channel.
type pipe struct {
	out, in *pipeSender
	once    sync.Once
	done    chan struct{}
	release func()
}

func (p *pipe) close() {
	p.once.Do(func() {
		close(p.done)
		for _, s := range []*pipeSender{p.out, p.in} {
			if ps, ok := s.toPeers.(bridge.Peers); ok {
				ps.RemovePeer(s.peer)
			}
		}
		metrics.ChannelClosed()
		p.release()
		logx.Log.Info().Str("channel", p.out.id).Msg("in-process channel closed")
	})
}

type pipeSender struct {
	pipe *pipe
	id   string
	peer string
	to   bridge.Receiver
	// toPeers is the receiver on this sender's own side.
	toPeers bridge.Receiver
}

func (s *pipeSender) ID() string { return s.id }

func (s *pipeSender) Remote() string { return s.peer }

func (s *pipeSender) Done() <-chan struct{} { return s.pipe.done }

func (s *pipeSender) Send(ctx context.Context, req bridge.Request, target string) (bridge.Response, error) {
	select {
	case <-s.pipe.done:
		return bridge.Response{}, bridge.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return bridge.Response{}, fmt.Errorf("%w: %w", bridge.ErrTransport, err)
	}
	req.Sender = s.id
	if target != "" {
		req.Target = target
	}
	var in bridge.Request
	if err := roundTrip(req, &in); err != nil {
		return bridge.Response{}, err
	}
	resp := s.to.Receive(ctx, in)
	var out bridge.Response
	if err := roundTrip(resp, &out); err != nil {
		return bridge.Response{}, err
	}
	return out, nil
}

func roundTrip(v, dst any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", bridge.ErrProtocolViolation, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("%w: %v", bridge.ErrProtocolViolation, err)
	}
	return nil
}

func (s *pipeSender) Disconnect() error {
	s.pipe.close()
	return nil
}

// LocalConnector opens an independent channel to the same receiver.
func (s *pipeSender) LocalConnector() bridge.Negotiator {
	return NewInProcess(s.to)
}
