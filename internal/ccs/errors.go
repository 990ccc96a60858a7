package ccs

import (
	"errors"
	"fmt"
)

var (
	ErrConnection        = errors.New("ccs: connection failed")
	ErrDecode            = errors.New("ccs: decode failed")
	ErrUnknownAction     = errors.New("ccs: unknown action")
	ErrNotConnected      = errors.New("ccs: not connected")
	ErrSessionClosed     = errors.New("ccs: session closed")
	ErrAlreadyConnected  = errors.New("ccs: already connected")
	ErrIDSpaceExhausted  = errors.New("ccs: message id space exhausted")
	ErrTooManyPending    = errors.New("ccs: too many pending messages")
	ErrActionExists      = errors.New("ccs: action already registered")
	ErrInvalidAction     = errors.New("ccs: invalid action")
	ErrHandlerNil        = errors.New("ccs: handler is nil")
	ErrRecipientRequired = errors.New("ccs: recipient required")
	ErrTransportNil      = errors.New("ccs: transport is nil")
	ErrHandlerPanic      = errors.New("ccs: handler panicked")
	ErrInvalidMessageID  = errors.New("ccs: invalid message id")
	ErrMessageIDInUse    = errors.New("ccs: message id already pending")
)

// ConnectionError reports a failed connect or login.
type ConnectionError struct {
	User string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("ccs: connection failed for %s: %v", e.User, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// DecodeError reports an inbound payload that could not be turned into a
// message or receipt. Such payloads are dropped without a receipt.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ccs: decode failed: %s: %v", e.Reason, e.Err)
	}
	return "ccs: decode failed: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// UnknownActionError is returned by Router.Dispatch for an unregistered action.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("ccs: unknown action %q", e.Action)
}

func (e *UnknownActionError) Is(target error) bool { return target == ErrUnknownAction }

// HandlerError wraps a failure raised while a handler processed a message.
type HandlerError struct {
	Action    string
	MessageID string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("ccs: handler %q failed for message %s: %v", e.Action, e.MessageID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
