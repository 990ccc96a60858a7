// Package memory is an in-process transport. Tests drive it directly:
// Deliver injects inbound payloads, Emit injects lifecycle changes, and Sent
// returns everything the session wrote.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/ccsctl/internal/transport"
)

var ErrInjectedSendFailure = errors.New("memory: injected send failure")

type Transport struct {
	mu        sync.Mutex
	obs       transport.Observer
	creds     transport.Credentials
	connected bool
	closed    bool
	sent      [][]byte

	// ConnectErr, when set, is returned by the next Connect.
	ConnectErr error
	// FailSend decides per payload whether Send fails.
	FailSend func(payload []byte) error
	// Backlog is delivered inside the next successful Connect, before it
	// returns, the way a broker flushes queued upstream messages on login.
	Backlog [][]byte
}

func New() *Transport {
	return &Transport{}
}

func (m *Transport) Connect(ctx context.Context, creds transport.Credentials, obs transport.Observer) error {
	if obs == nil {
		return transport.ErrObserverNil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return transport.ErrClosed
	}
	if m.connected {
		m.mu.Unlock()
		return transport.ErrAlreadyConnected
	}
	if m.ConnectErr != nil {
		err := m.ConnectErr
		m.ConnectErr = nil
		m.mu.Unlock()
		return err
	}
	m.obs = obs
	m.creds = creds
	m.connected = true
	backlog := m.Backlog
	m.Backlog = nil
	m.mu.Unlock()

	for _, payload := range backlog {
		obs.HandlePayload(payload)
	}
	return nil
}

func (m *Transport) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return transport.ErrNotConnected
	}
	fail := m.FailSend
	m.mu.Unlock()
	if fail != nil {
		if err := fail(payload); err != nil {
			return err
		}
	}

	cp := append([]byte(nil), payload...)
	m.mu.Lock()
	m.sent = append(m.sent, cp)
	m.mu.Unlock()
	return nil
}

func (m *Transport) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.connected = false
	obs := m.obs
	m.mu.Unlock()
	if obs != nil {
		obs.HandleLifecycle(transport.LifecycleEvent{Kind: transport.LifecycleClosed})
	}
	return nil
}

// Credentials returns what the last successful Connect received.
func (m *Transport) Credentials() transport.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

// Sent returns a copy of every payload accepted by Send, in order.
func (m *Transport) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// Deliver hands an inbound payload to the observer synchronously.
func (m *Transport) Deliver(payload []byte) {
	m.mu.Lock()
	obs := m.obs
	m.mu.Unlock()
	if obs != nil {
		obs.HandlePayload(payload)
	}
}

// Emit reports a lifecycle change to the observer synchronously. Closed and
// ClosedOnError events mark the transport disconnected; Reconnected marks it
// connected again.
func (m *Transport) Emit(ev transport.LifecycleEvent) {
	m.mu.Lock()
	switch ev.Kind {
	case transport.LifecycleClosedOnError, transport.LifecycleClosed:
		m.connected = false
	case transport.LifecycleReconnected:
		if !m.closed {
			m.connected = true
		}
	}
	obs := m.obs
	m.mu.Unlock()
	if obs != nil {
		obs.HandleLifecycle(ev)
	}
}
