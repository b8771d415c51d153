package sip

import "github.com/ghettovoice/sipstack/internal/errorutil"

// Error represents a SIP error.
// See [errorutil.Error].
type Error = errorutil.Error

// Common errors.
const (
	ErrInvalidArgument = errorutil.ErrInvalidArgument
	// ErrInvalidState is returned when an operation is called in a state that does not allow it,
	// for example when a transaction is started twice.
	ErrInvalidState = errorutil.ErrInvalidState
	// ErrDisposed is returned when an operation is called on a disposed object.
	ErrDisposed Error = "object disposed"
)

// Transaction errors.
const (
	ErrTransactionNotFound    Error = "transaction not found"
	ErrTransactionExists      Error = "transaction already exists"
	ErrTransactionTimedOut    Error = "transaction timed out"
	ErrTransactionTerminated  Error = "transaction terminated"
	ErrTransactionLayerClosed Error = "transaction layer closed"
)

// Transport errors.
const (
	// ErrTransportFailure is reported when a message could not be sent.
	ErrTransportFailure Error = "transport failure"
	// ErrNoHops is returned when no target hops could be resolved for a request.
	ErrNoHops Error = "no target hops resolved"
)

// Message errors.
const (
	ErrMessageMalformed  Error = "malformed message"
	ErrMethodNotAllowed  Error = "request method not allowed"
	ErrMessageNotMatched Error = "message not matched"
)

// Dialog errors.
const (
	ErrDialogNotFound Error = "dialog not found"
	ErrNotAuthorized  Error = "not authorized"
)

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

// NewInvalidStateError creates a new error with [ErrInvalidState] or
// wraps provided error with [ErrInvalidState].
func NewInvalidStateError(args ...any) error {
	return errorutil.NewInvalidStateError(args...) //errtrace:skip
}

func newMalformedError(args ...any) error {
	return errorutil.NewWrapperError(ErrMessageMalformed, args...) //errtrace:skip
}

func newTransportError(args ...any) error {
	return errorutil.NewWrapperError(ErrTransportFailure, args...) //errtrace:skip
}
