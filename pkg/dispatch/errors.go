package dispatch

import (
	"errors"
	"fmt"

	"wcfbridge/pkg/sdk"
)

// KindInvalid marks a payload rejected before it reached the SDK.
const KindInvalid sdk.Kind = "invalid"

var (
	ErrQueueTimeout = errors.New("timed out waiting for the command slot")
	ErrUnknownKind  = errors.New("unknown command kind")
)

// Failure is the failed outcome of one dispatched command.
type Failure struct {
	Kind    sdk.Kind
	Command CommandKind
	ID      string
	Err     error
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if f.ID == "" {
		return fmt.Sprintf("%s: %s: %v", f.Command, f.Kind, f.Err)
	}
	return fmt.Sprintf("%s [%s]: %s: %v", f.Command, f.ID, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// KindOf returns the failure category of err.
func KindOf(err error) sdk.Kind {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	return sdk.KindOf(err)
}

func fail(kind sdk.Kind, command CommandKind, id string, err error) *Failure {
	return &Failure{Kind: kind, Command: command, ID: id, Err: err}
}

// RemoteError carries a non-zero SDK status.
type RemoteError struct {
	Status int32
}

func (e RemoteError) Error() string {
	return fmt.Sprintf("sdk returned status %d", e.Status)
}
