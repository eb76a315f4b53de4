// Package router dispatches inbound bridge requests to the code cache, the
// actor directory and the message forwarder.
package router

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gaspardpetit/stagebridge/core/logx"
	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
	"github.com/gaspardpetit/stagebridge/sdk/base/codecache"
	"github.com/gaspardpetit/stagebridge/sdk/base/directory"
	"github.com/gaspardpetit/stagebridge/sdk/base/forwarder"
	"github.com/gaspardpetit/stagebridge/sdk/base/metrics"
)

// CodecVersion identifies the payload encoding in the capability map.
const CodecVersion = "json/1"

// Options configures a Router.
type Options struct {
	Codec     *bridge.Codec
	Cache     *codecache.Cache
	Directory *directory.Directory
	Forwarder *forwarder.Forwarder
	Testers   *directory.Testers

	AllowRemoteCreate bool
	// Capabilities is merged into every StageDescription.
	Capabilities map[string]string
}

// Router is the bridge's Receiver. Receive holds no lock of its own, so
// concurrent requests only contend inside the components they reach.
type Router struct {
	codec   *bridge.Codec
	cache   *codecache.Cache
	dir     *directory.Directory
	fwd     *forwarder.Forwarder
	testers *directory.Testers

	allowCreate bool
	caps        map[string]string
}

func New(opts Options) *Router {
	if opts.Codec == nil {
		opts.Codec = bridge.NewCodec(nil)
	}
	if opts.Cache == nil {
		opts.Cache = codecache.New(nil)
	}
	if opts.Testers == nil {
		opts.Testers = directory.NewTesters()
	}
	caps := maps.Clone(opts.Capabilities)
	if caps == nil {
		caps = map[string]string{}
	}
	caps[bridge.CapProtocol] = bridge.ProtocolVersion
	caps[bridge.CapCodec] = CodecVersion
	caps[bridge.CapRemoteCreate] = strconv.FormatBool(opts.AllowRemoteCreate)
	return &Router{
		codec:       opts.Codec,
		cache:       opts.Cache,
		dir:         opts.Directory,
		fwd:         opts.Forwarder,
		testers:     opts.Testers,
		allowCreate: opts.AllowRemoteCreate,
		caps:        caps,
	}
}

// Capabilities returns a copy of the advertised capability map.
func (r *Router) Capabilities() map[string]string { return maps.Clone(r.caps) }

// Receive answers req with exactly one Response.
func (r *Router) Receive(ctx context.Context, req bridge.Request) bridge.Response {
	start := time.Now()
	resp := r.dispatch(ctx, req)
	code := ""
	if resp.Error != nil {
		code = resp.Error.Code
		logx.Log.Warn().Str("kind", string(req.Kind)).Str("channel", req.Sender).Str("code", code).Msg(resp.Error.Message)
	}
	metrics.RecordRequest(string(req.Kind), code, time.Since(start))
	return resp
}

func (r *Router) dispatch(ctx context.Context, req bridge.Request) bridge.Response {
	if err := req.Validate(); err != nil {
		return bridge.Failure(req.Kind, err)
	}
	switch req.Kind {
	case bridge.KindDescribeStage:
		d := r.dir.Describe(r.caps)
		return bridge.Response{Kind: req.Kind, DescribeStage: &d}

	case bridge.KindGetCodeEntries:
		missing, err := r.cache.Missing(ctx, req.GetCodeEntries.Candidates)
		if err != nil {
			return bridge.Failure(req.Kind, err)
		}
		return bridge.Response{Kind: req.Kind, GetCodeEntries: &bridge.GetCodeEntriesResponse{Missing: missing}}

	case bridge.KindSendCodeEntries:
		n, err := r.cache.Put(ctx, req.SendCodeEntries.Entries)
		if err != nil {
			return bridge.Failure(req.Kind, err)
		}
		return bridge.Response{Kind: req.Kind, SendCodeEntries: &bridge.SendCodeEntriesResponse{Stored: n}}

	case bridge.KindCreateActor:
		if !r.allowCreate {
			return bridge.Failure(req.Kind, bridge.ErrRemoteCreateDisabled)
		}
		c := req.CreateActor
		id, err := r.dir.Create(ctx, c.RequestedID, c.CodeRef, c.Role)
		if err != nil {
			return bridge.Failure(req.Kind, err)
		}
		return bridge.Response{Kind: req.Kind, CreateActor: &bridge.CreateActorResponse{ID: id}}

	case bridge.KindFind:
		return r.find(req)

	case bridge.KindSendMessage:
		return r.sendMessage(req)
	}
	return bridge.Failure(req.Kind, fmt.Errorf("%w: unhandled kind %q", bridge.ErrProtocolViolation, req.Kind))
}

func (r *Router) find(req bridge.Request) bridge.Response {
	f := req.Find
	pred, err := r.testers.Resolve(f.Tester)
	if err != nil {
		return bridge.Failure(req.Kind, err)
	}
	seq, err := r.dir.Find(f.Filter, f.Pattern, pred)
	if err != nil {
		return bridge.Failure(req.Kind, err)
	}
	ids := slices.Collect(seq)
	if ids == nil {
		ids = []string{}
	}
	return bridge.Response{Kind: req.Kind, Find: &bridge.FindResponse{IDs: ids}}
}

func (r *Router) sendMessage(req bridge.Request) bridge.Response {
	sm := req.SendMessage
	msg, err := r.codec.Decode(sm.Message)
	if err != nil {
		return bridge.Failure(req.Kind, err)
	}
	env := sm.Envelop
	if env.Sender.Channel == "" && !env.Sender.IsZero() {
		env.Sender.Channel = req.Sender
	}
	if env.Headers == nil {
		env.Headers = map[string]string{}
	}
	resp := r.fwd.SendMessage(req.Target, msg, env)
	return bridge.Response{Kind: req.Kind, SendMessage: &resp}
}

// ParseFilter maps a user supplied filter name onto a FilterType.
func ParseFilter(s string) (bridge.FilterType, error) {
	f := bridge.FilterType(strings.ToUpper(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("%w: unknown filter %q", bridge.ErrProtocolViolation, s)
	}
	return f, nil
}
