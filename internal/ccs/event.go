package ccs

import (
	"fmt"
	"time"

	"github.com/danmuck/ccsctl/internal/transport"
)

// State is the session's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
	StateActive
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EventKind names a session event.
type EventKind int

const (
	EventStateChanged EventKind = iota + 1
	EventReconnecting
	EventReconnected
	EventReconnectFailed
	EventClosedOnError
	EventClosed
	EventPendingDropped
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventReconnecting:
		return "reconnecting"
	case EventReconnected:
		return "reconnected"
	case EventReconnectFailed:
		return "reconnect_failed"
	case EventClosedOnError:
		return "closed_on_error"
	case EventClosed:
		return "closed"
	case EventPendingDropped:
		return "pending_dropped"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is delivered to subscribers. State is the state after the event;
// Previous is only set on state changes. Dropped lists the downstream
// messages whose receipts can no longer arrive, on EventPendingDropped.
type Event struct {
	Kind     EventKind
	State    State
	Previous State
	Attempt  int
	Delay    time.Duration
	Err      error
	Dropped  []PendingMessage
}

func eventKindFor(k transport.LifecycleKind) (EventKind, bool) {
	switch k {
	case transport.LifecycleReconnecting:
		return EventReconnecting, true
	case transport.LifecycleReconnected:
		return EventReconnected, true
	case transport.LifecycleReconnectFailed:
		return EventReconnectFailed, true
	case transport.LifecycleClosedOnError:
		return EventClosedOnError, true
	case transport.LifecycleClosed:
		return EventClosed, true
	default:
		return 0, false
	}
}

// dropsConnection reports whether the broker connection that pending ids
// were sent on is gone.
func dropsConnection(k transport.LifecycleKind) bool {
	return k == transport.LifecycleClosedOnError || k == transport.LifecycleClosed
}

// stateFor is the session state a lifecycle change moves to.
func stateFor(k transport.LifecycleKind) State {
	switch k {
	case transport.LifecycleReconnected:
		return StateActive
	case transport.LifecycleClosed:
		return StateDisconnected
	default:
		return StateReconnecting
	}
}
