package signers

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by the Orchestrator matches exactly
// one of them with errors.Is.
var (
	ErrConfiguration          = errors.New("configuration error")
	ErrSignatureSpaceExceeded = errors.New("signature space exceeded")
	ErrCMSBuild               = errors.New("CMS build failure")
	ErrTimestamp              = errors.New("timestamp failure")
	ErrIO                     = errors.New("I/O failure")
	ErrChainSort              = errors.New("chain sort failure")
)

// ErrIllegalTransition is the cause recorded when an operation is driven
// out of order.
var ErrIllegalTransition = errors.New("illegal state transition")

// Error is a failed signing operation.
type Error struct {
	// Kind is one of the package sentinels.
	Kind error
	// Op names the step that failed.
	Op string
	// State is the state the operation was in when it failed.
	State State
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v (state %s)", e.Op, e.Kind, e.State)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, state State, err error) *Error {
	return &Error{Kind: kind, Op: op, State: state, Err: err}
}
