// Package transport defines the boundary between the session engine and the
// byte-level connection to the broker.
//
// A transport moves opaque payloads. It knows nothing about envelopes,
// message ids, or acknowledgments; it only connects, sends, and reports
// inbound payloads and connection lifecycle changes to one Observer.
//
// Implementations:
// - stream: TLS/TCP framed stream with login handshake and reconnect
// - natsbus: NATS relay subjects
// - memory: in-process transport for tests
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotConnected     = errors.New("transport: not connected")
	ErrAlreadyConnected = errors.New("transport: already connected")
	ErrClosed           = errors.New("transport: closed")
	ErrObserverNil      = errors.New("transport: observer is nil")
)

// Credentials authenticate the client against the broker.
type Credentials struct {
	Username string
	Password string
}

// Redacted returns a printable form without the secret.
func (c Credentials) Redacted() string {
	if c.Password == "" {
		return c.Username
	}
	return c.Username + ":***"
}

// LifecycleKind names one connection lifecycle change.
type LifecycleKind int

const (
	LifecycleReconnecting LifecycleKind = iota + 1
	LifecycleReconnected
	LifecycleReconnectFailed
	LifecycleClosedOnError
	LifecycleClosed
)

func (k LifecycleKind) String() string {
	switch k {
	case LifecycleReconnecting:
		return "reconnecting"
	case LifecycleReconnected:
		return "reconnected"
	case LifecycleReconnectFailed:
		return "reconnect_failed"
	case LifecycleClosedOnError:
		return "closed_on_error"
	case LifecycleClosed:
		return "closed"
	default:
		return fmt.Sprintf("lifecycle(%d)", int(k))
	}
}

// LifecycleEvent reports a connection state change.
type LifecycleEvent struct {
	Kind    LifecycleKind
	Attempt int
	// Delay is set on reconnecting events: the wait before the next dial.
	Delay time.Duration
	Err   error
}

// Observer receives everything a transport delivers. Calls arrive on a
// transport-owned goroutine and may be concurrent with Send.
type Observer interface {
	HandlePayload(payload []byte)
	HandleLifecycle(ev LifecycleEvent)
}

// Transport is the connection to the broker.
type Transport interface {
	// Connect dials and authenticates, then starts delivering to obs. It
	// blocks until the connection is authenticated or has failed.
	Connect(ctx context.Context, creds Credentials, obs Observer) error
	// Send writes one opaque payload. Safe for concurrent use.
	Send(ctx context.Context, payload []byte) error
	// Close stops delivery and releases the connection.
	Close() error
}
