package bridge

// Frame types exchanged by stream connectors.
const (
	FrameHello    = "hello"
	FrameWelcome  = "welcome"
	FrameOpen     = "open"
	FrameOpened   = "opened"
	FrameClose    = "close"
	FrameRequest  = "request"
	FrameResponse = "response"
	FrameFailure  = "failure"
)

// Frame is the unit written on a stream connection. Channel names the
// receiving side's channel identifier, Sender the emitting side's.
type Frame struct {
	Type     string    `json:"type"`
	ID       string    `json:"id,omitempty"`
	Channel  string    `json:"channel,omitempty"`
	Sender   string    `json:"sender,omitempty"`
	Request  *Request  `json:"request,omitempty"`
	Response *Response `json:"response,omitempty"`
	Error    string    `json:"error,omitempty"`
}
