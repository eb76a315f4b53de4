package bridge

import "context"

// Receiver handles requests arriving on a channel. Receive must be safe for
// concurrent use and returns exactly one Response per Request.
type Receiver interface {
	Receive(ctx context.Context, req Request) Response
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, req Request) Response

func (f ReceiverFunc) Receive(ctx context.Context, req Request) Response { return f(ctx, req) }

// Sender is the outbound half of a channel.
type Sender interface {
	// ID is the sender identifier assigned at connect time. It is stable for
	// the lifetime of the channel.
	ID() string
	// Send transmits req to target and waits for its Response. Transport
	// problems are reported as ErrTransport; no retry is attempted.
	Send(ctx context.Context, req Request, target string) (Response, error)
	// Disconnect releases the channel. It is idempotent.
	Disconnect() error
	// LocalConnector derives a negotiator for an independent sub-channel
	// multiplexed over the same remote endpoint.
	LocalConnector() Negotiator
}

// Negotiator establishes a channel. A negotiator binds at most one receiver
// at a time; a second Connect fails with ErrAlreadyBound until the returned
// sender is disconnected.
type Negotiator interface {
	Connect(ctx context.Context, receiver Receiver) (Sender, error)
}

// Peers is implemented by receivers that route replies back over channels.
// Connectors register, under the remote side's sender identifier, the local
// Sender that reaches it.
type Peers interface {
	AddPeer(channel string, s Sender)
	RemovePeer(channel string)
}
