package bridge

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransport reports an I/O failure on the underlying channel.
	ErrTransport = errors.New("transport failure")
	// ErrProtocolViolation reports an out of contract exchange. It is fatal to the channel.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrCodeResolution reports that code could not be resolved or materialized.
	ErrCodeResolution = errors.New("code resolution failure")
	// ErrCreateFailure reports that an actor could not be created.
	ErrCreateFailure = errors.New("create failure")
	// ErrLookup reports that an actor could not be reached.
	ErrLookup = errors.New("lookup failure")

	ErrAlreadyBound       = fmt.Errorf("%w: negotiator already bound", ErrProtocolViolation)
	ErrHashMismatch       = fmt.Errorf("%w: hash already bound to different content", ErrProtocolViolation)
	ErrTypeNotAllowed     = fmt.Errorf("%w: payload type not allowed", ErrProtocolViolation)
	ErrUnexpectedResponse = fmt.Errorf("%w: unexpected response", ErrProtocolViolation)

	ErrDuplicateID          = fmt.Errorf("%w: duplicate id", ErrCreateFailure)
	ErrRemoteCreateDisabled = fmt.Errorf("%w: remote creation disabled", ErrCreateFailure)

	ErrUnknownActor  = fmt.Errorf("%w: unknown actor", ErrLookup)
	ErrDismissed     = fmt.Errorf("%w: actor dismissed", ErrLookup)
	ErrQuotaExceeded = fmt.Errorf("%w: quota exceeded", ErrLookup)

	// ErrClosed reports use of a disconnected sender.
	ErrClosed = fmt.Errorf("%w: channel closed", ErrTransport)
)

// Error codes carried in ErrorInfo.
const (
	CodeProtocolViolation = "protocol_violation"
	CodeCodeResolution    = "code_resolution"
	CodeCreateFailure     = "create_failure"
	CodeLookup            = "lookup_failure"
	CodeInternal          = "internal"
)

// codes is ordered from most to least specific.
var codes = []struct {
	code string
	err  error
}{
	{CodeProtocolViolation, ErrProtocolViolation},
	{CodeCodeResolution, ErrCodeResolution},
	{CodeCreateFailure, ErrCreateFailure},
	{CodeLookup, ErrLookup},
}

// CodeOf classifies err into an error code.
func CodeOf(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// InfoFromError converts err for transmission. A nil err yields nil.
func InfoFromError(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Code: CodeOf(err), Message: err.Error()}
}

// specific sentinels are matched by message prefix before falling back to codes.
var specific = []error{
	ErrAlreadyBound, ErrHashMismatch, ErrTypeNotAllowed, ErrUnexpectedResponse,
	ErrDuplicateID, ErrRemoteCreateDisabled,
	ErrUnknownActor, ErrDismissed, ErrQuotaExceeded,
}

// ErrorFromInfo rebuilds an error matching the sentinel named by info so
// callers can use errors.Is on remote failures.
func ErrorFromInfo(info ErrorInfo) error {
	for _, s := range specific {
		if CodeOf(s) == info.Code && strings.HasPrefix(info.Message, s.Error()) {
			return remoteErr(s, info.Message)
		}
	}
	for _, c := range codes {
		if c.code == info.Code {
			return remoteErr(c.err, info.Message)
		}
	}
	return fmt.Errorf("remote: %s", info.Message)
}

func remoteErr(sentinel error, msg string) error {
	rest := strings.TrimPrefix(strings.TrimPrefix(msg, sentinel.Error()), ": ")
	if rest == "" {
		return fmt.Errorf("remote: %w", sentinel)
	}
	return fmt.Errorf("remote: %w: %s", sentinel, rest)
}
