package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ProtocolVersion is advertised under the CapProtocol capability.
const ProtocolVersion = "1"

// Well known capability keys.
const (
	CapProtocol     = "bridge.protocol"
	CapCodec        = "bridge.codec"
	CapRemoteCreate = "bridge.remote_create"
	CapStage        = "stage.name"
)

// Kind tags a Request and its Response.
type Kind string

const (
	KindCreateActor     Kind = "create_actor"
	KindFind            Kind = "find"
	KindGetCodeEntries  Kind = "get_code_entries"
	KindSendCodeEntries Kind = "send_code_entries"
	KindSendMessage     Kind = "send_message"
	KindDescribeStage   Kind = "describe_stage"
)

// Kinds lists every request kind.
var Kinds = []Kind{KindCreateActor, KindFind, KindGetCodeEntries, KindSendCodeEntries, KindSendMessage, KindDescribeStage}

// Ref addresses an actor. An empty Channel means the actor lives on the stage
// holding the ref; otherwise Channel names the remote channel that reaches it.
type Ref struct {
	Channel string `json:"channel,omitempty"`
	ID      string `json:"id"`
}

// IsZero reports whether r addresses nothing.
func (r Ref) IsZero() bool { return r.ID == "" }

// IsLocal reports whether r designates an actor on the holding stage.
func (r Ref) IsLocal() bool { return r.Channel == "" }

func (r Ref) String() string {
	if r.Channel == "" {
		return r.ID
	}
	return r.Channel + "/" + r.ID
}

// Envelop is the delivery context attached to every forwarded message.
type Envelop struct {
	Sender  Ref               `json:"sender"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Bounce wraps an undeliverable message and is returned toward the original
// sender instead of the intended recipient.
type Bounce struct {
	OriginalMessage Payload           `json:"originalMessage"`
	OriginalHeaders map[string]string `json:"originalHeaders"`
	Recipient       string            `json:"recipient,omitempty"`
	Sender          Ref               `json:"sender"`
	Reason          string            `json:"reason,omitempty"`
}

// Bounce reasons.
const (
	ReasonUnknownActor  = "unknown_actor"
	ReasonDismissed     = "dismissed"
	ReasonQuotaExceeded = "quota_exceeded"
	ReasonUnreachable   = "unreachable"
)

// CodeEntry is a named, content hashed unit of behavior code. Code is only
// populated when the entry is shipped.
type CodeEntry struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
	Code []byte `json:"code,omitempty"`
}

// HashCode returns the content hash used to address code.
func HashCode(code []byte) string {
	sum := sha256.Sum256(code)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// NewCodeEntry builds an entry for code, computing its hash.
func NewCodeEntry(name string, code []byte) CodeEntry {
	return CodeEntry{Name: name, Hash: HashCode(code), Code: code}
}

// StageDescription is a snapshot of a stage.
type StageDescription struct {
	Actors       []string          `json:"actors"`
	Capabilities map[string]string `json:"capabilities"`
}

// FilterType selects how Find combines its pattern and tester.
type FilterType string

const (
	FilterAll   FilterType = "ALL"
	FilterAny   FilterType = "ANY"
	FilterExact FilterType = "EXACT"
)

// Valid reports whether f is a known filter type.
func (f FilterType) Valid() bool {
	return f == FilterAll || f == FilterAny || f == FilterExact
}

// Tester names a registered predicate over actor handles.
type Tester struct {
	Name string `json:"name"`
	Arg  string `json:"arg,omitempty"`
}

// FindRequest matches a subset of known actors.
type FindRequest struct {
	Filter  FilterType `json:"filter"`
	Pattern string     `json:"pattern"`
	Tester  *Tester    `json:"tester,omitempty"`
}

// CreateActorRequest asks a stage to create an actor from resident code.
type CreateActorRequest struct {
	RequestedID string            `json:"requested_id,omitempty"`
	CodeRef     string            `json:"code_ref"`
	Role        map[string]string `json:"role,omitempty"`
}

// GetCodeEntriesRequest presents name to hash candidates.
type GetCodeEntriesRequest struct {
	Candidates map[string]string `json:"candidates"`
}

// SendCodeEntriesRequest uploads a bundle of code entries.
type SendCodeEntriesRequest struct {
	Entries []CodeEntry `json:"entries"`
}

// SendMessageRequest forwards a message to Target.
type SendMessageRequest struct {
	Message Payload `json:"message"`
	Envelop Envelop `json:"envelop"`
}

// Request is a tagged union: Kind selects which body is set.
type Request struct {
	Kind   Kind   `json:"kind"`
	Sender string `json:"sender,omitempty"`
	Target string `json:"target,omitempty"`

	CreateActor     *CreateActorRequest     `json:"create_actor,omitempty"`
	Find            *FindRequest            `json:"find,omitempty"`
	GetCodeEntries  *GetCodeEntriesRequest  `json:"get_code_entries,omitempty"`
	SendCodeEntries *SendCodeEntriesRequest `json:"send_code_entries,omitempty"`
	SendMessage     *SendMessageRequest     `json:"send_message,omitempty"`
}

// Validate checks that exactly the body selected by Kind is present.
func (r Request) Validate() error {
	set := 0
	for _, b := range []bool{r.CreateActor != nil, r.Find != nil, r.GetCodeEntries != nil, r.SendCodeEntries != nil, r.SendMessage != nil} {
		if b {
			set++
		}
	}
	var ok bool
	switch r.Kind {
	case KindCreateActor:
		ok = r.CreateActor != nil && set == 1
	case KindFind:
		ok = r.Find != nil && set == 1 && r.Find.Filter.Valid()
	case KindGetCodeEntries:
		ok = r.GetCodeEntries != nil && set == 1
	case KindSendCodeEntries:
		ok = r.SendCodeEntries != nil && set == 1
	case KindSendMessage:
		ok = r.SendMessage != nil && set == 1 && r.Target != ""
	case KindDescribeStage:
		ok = set == 0
	default:
		return fmt.Errorf("%w: unknown request kind %q", ErrProtocolViolation, r.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: malformed %s request", ErrProtocolViolation, r.Kind)
	}
	return nil
}

// CreateActorResponse carries the assigned id.
type CreateActorResponse struct {
	ID string `json:"id"`
}

// FindResponse lists matched ids in order.
type FindResponse struct {
	IDs []string `json:"ids"`
}

// GetCodeEntriesResponse lists the names the caller must upload.
type GetCodeEntriesResponse struct {
	Missing []string `json:"missing"`
}

// SendCodeEntriesResponse acknowledges an upload.
type SendCodeEntriesResponse struct {
	Stored int `json:"stored"`
}

// SendMessageResponse confirms mailbox acceptance or returns a bounce.
type SendMessageResponse struct {
	Accepted bool    `json:"accepted"`
	Bounce   *Bounce `json:"bounce,omitempty"`
}

// ErrorInfo carries a failure raised by the remote stage.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response answers exactly one Request of the same Kind.
type Response struct {
	Kind  Kind       `json:"kind"`
	Error *ErrorInfo `json:"error,omitempty"`

	CreateActor     *CreateActorResponse     `json:"create_actor,omitempty"`
	Find            *FindResponse            `json:"find,omitempty"`
	GetCodeEntries  *GetCodeEntriesResponse  `json:"get_code_entries,omitempty"`
	SendCodeEntries *SendCodeEntriesResponse `json:"send_code_entries,omitempty"`
	SendMessage     *SendMessageResponse     `json:"send_message,omitempty"`
	DescribeStage   *StageDescription        `json:"describe_stage,omitempty"`
}

// Failure builds an error response of kind k from err.
func Failure(k Kind, err error) Response {
	return Response{Kind: k, Error: InfoFromError(err)}
}

// Err returns the remote error carried by r, if any.
func (r Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return ErrorFromInfo(*r.Error)
}

// CheckShape verifies that r answers a request of kind k.
func (r Response) CheckShape(k Kind) error {
	if r.Kind != k {
		return fmt.Errorf("%w: got %q response to %q request", ErrUnexpectedResponse, r.Kind, k)
	}
	if r.Error != nil {
		return nil
	}
	var ok bool
	switch k {
	case KindCreateActor:
		ok = r.CreateActor != nil
	case KindFind:
		ok = r.Find != nil
	case KindGetCodeEntries:
		ok = r.GetCodeEntries != nil
	case KindSendCodeEntries:
		ok = r.SendCodeEntries != nil
	case KindSendMessage:
		ok = r.SendMessage != nil
	case KindDescribeStage:
		ok = r.DescribeStage != nil
	}
	if !ok {
		return fmt.Errorf("%w: %q response without body", ErrUnexpectedResponse, k)
	}
	return nil
}
