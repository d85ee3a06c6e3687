package sdk

import (
	"errors"
	"fmt"
)

// Kind categorizes transport failures so callers can decide on recovery
// without string matching.
type Kind string

const (
	KindConnect   Kind = "connect"
	KindTransport Kind = "transport"
	KindTimeout   Kind = "timeout"
	KindDecode    Kind = "decode"
	// KindRemote marks a request the SDK answered with a failure status.
	KindRemote Kind = "remote"
)

var (
	ErrNotConnected   = errors.New("sdk session is not connected")
	ErrCommandTimeout = errors.New("command timed out")
	ErrBusy           = errors.New("command channel already has a request in flight")
	ErrClosed         = errors.New("sdk client closed")
)

// Error is a categorized transport failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s %s failure", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the failure category of err, or "" when err is not an sdk error.
func KindOf(err error) Kind {
	var sdkErr *Error
	if errors.As(err, &sdkErr) {
		return sdkErr.Kind
	}
	return ""
}
