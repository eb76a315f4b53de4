// Package remote provides typed calls against a remote stage over a bridge
// channel.
package remote

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/gaspardpetit/stagebridge/core/logx"
	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
)

// Client wraps a Sender. It is safe for concurrent use.
type Client struct {
	sender bridge.Sender
	codec  *bridge.Codec
}

func New(sender bridge.Sender, codec *bridge.Codec) *Client {
	if codec == nil {
		codec = bridge.NewCodec(nil)
	}
	return &Client{sender: sender, codec: codec}
}

// Sender returns the underlying channel.
func (c *Client) Sender() bridge.Sender { return c.sender }

// call sends req and checks that the answer has the matching shape. A
// malformed answer or a reported protocol violation tears the channel down.
func (c *Client) call(ctx context.Context, req bridge.Request, target string) (bridge.Response, error) {
	resp, err := c.sender.Send(ctx, req, target)
	if err != nil {
		return bridge.Response{}, err
	}
	if err := resp.CheckShape(req.Kind); err != nil {
		logx.Log.Error().Err(err).Str("channel", c.sender.ID()).Str("kind", string(req.Kind)).Msg("disconnecting")
		_ = c.sender.Disconnect()
		return bridge.Response{}, err
	}
	if err := resp.Err(); err != nil {
		if errors.Is(err, bridge.ErrProtocolViolation) {
			logx.Log.Error().Err(err).Str("channel", c.sender.ID()).Str("kind", string(req.Kind)).Msg("disconnecting")
			_ = c.sender.Disconnect()
		}
		return bridge.Response{}, err
	}
	return resp, nil
}

func (c *Client) DescribeStage(ctx context.Context) (bridge.StageDescription, error) {
	resp, err := c.call(ctx, bridge.Request{Kind: bridge.KindDescribeStage}, "")
	if err != nil {
		return bridge.StageDescription{}, err
	}
	return *resp.DescribeStage, nil
}

// Negotiate describes the stage and fails unless it speaks our protocol
// version.
func (c *Client) Negotiate(ctx context.Context) (bridge.StageDescription, error) {
	d, err := c.DescribeStage(ctx)
	if err != nil {
		return d, err
	}
	if v := d.Capabilities[bridge.CapProtocol]; v != bridge.ProtocolVersion {
		_ = c.sender.Disconnect()
		return d, fmt.Errorf("%w: remote speaks bridge protocol %q, want %q", bridge.ErrProtocolViolation, v, bridge.ProtocolVersion)
	}
	return d, nil
}

// GetCodeEntries returns the names whose hashes the remote stage lacks.
func (c *Client) GetCodeEntries(ctx context.Context, candidates map[string]string) ([]string, error) {
	resp, err := c.call(ctx, bridge.Request{Kind: bridge.KindGetCodeEntries,
		GetCodeEntries: &bridge.GetCodeEntriesRequest{Candidates: candidates}}, "")
	if err != nil {
		return nil, err
	}
	return resp.GetCodeEntries.Missing, nil
}

func (c *Client) SendCodeEntries(ctx context.Context, entries []bridge.CodeEntry) (int, error) {
	resp, err := c.call(ctx, bridge.Request{Kind: bridge.KindSendCodeEntries,
		SendCodeEntries: &bridge.SendCodeEntriesRequest{Entries: entries}}, "")
	if err != nil {
		return 0, err
	}
	return resp.SendCodeEntries.Stored, nil
}

// Ship makes entries resident on the remote stage, uploading only those it
// reports missing. It returns the names that were uploaded.
func (c *Client) Ship(ctx context.Context, entries ...bridge.CodeEntry) ([]string, error) {
	byName := make(map[string]bridge.CodeEntry, len(entries))
	candidates := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.Hash == "" {
			e.Hash = bridge.HashCode(e.Code)
		}
		byName[e.Name] = e
		candidates[e.Name] = e.Hash
	}
	missing, err := c.GetCodeEntries(ctx, candidates)
	if err != nil {
		return nil, err
	}
	if len(missing) == 0 {
		return missing, nil
	}
	bundle := make([]bridge.CodeEntry, 0, len(missing))
	for _, name := range missing {
		e, ok := byName[name]
		if !ok {
			_ = c.sender.Disconnect()
			return nil, fmt.Errorf("%w: remote asked for unknown entry %q", bridge.ErrUnexpectedResponse, name)
		}
		bundle = append(bundle, e)
	}
	if _, err := c.SendCodeEntries(ctx, bundle); err != nil {
		return nil, err
	}
	logx.Log.Debug().Strs("names", missing).Str("channel", c.sender.ID()).Msg("code shipped")
	return missing, nil
}

// CreateActor creates an actor from resident code. An empty id lets the
// remote stage pick one.
func (c *Client) CreateActor(ctx context.Context, id, codeRef string, role map[string]string) (string, error) {
	resp, err := c.call(ctx, bridge.Request{Kind: bridge.KindCreateActor,
		CreateActor: &bridge.CreateActorRequest{RequestedID: id, CodeRef: codeRef, Role: maps.Clone(role)}}, "")
	if err != nil {
		return "", err
	}
	return resp.CreateActor.ID, nil
}

func (c *Client) Find(ctx context.Context, filter bridge.FilterType, pattern string, tester *bridge.Tester) ([]string, error) {
	resp, err := c.call(ctx, bridge.Request{Kind: bridge.KindFind,
		Find: &bridge.FindRequest{Filter: filter, Pattern: pattern, Tester: tester}}, "")
	if err != nil {
		return nil, err
	}
	return slices.Clone(resp.Find.IDs), nil
}

// SendMessage encodes msg and forwards it to actorID. Delivery failures come
// back as a Bounce in the response, not as an error.
func (c *Client) SendMessage(ctx context.Context, actorID string, msg any, env bridge.Envelop) (bridge.SendMessageResponse, error) {
	p, err := c.codec.Encode(msg)
	if err != nil {
		return bridge.SendMessageResponse{}, err
	}
	resp, err := c.call(ctx, bridge.Request{Kind: bridge.KindSendMessage,
		SendMessage: &bridge.SendMessageRequest{Message: p, Envelop: env}}, actorID)
	if err != nil {
		return bridge.SendMessageResponse{}, err
	}
	return *resp.SendMessage, nil
}

// IsFatal reports whether err leaves the channel unusable.
func IsFatal(err error) bool {
	return errors.Is(err, bridge.ErrTransport) || errors.Is(err, bridge.ErrProtocolViolation)
}
