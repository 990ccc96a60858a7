// Package brokertest runs a loopback broker speaking the stream transport
// protocol, for tests.
package brokertest

import (
	"bufio"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/ccsctl/internal/protocol/frame"
	"github.com/danmuck/ccsctl/internal/transport/stream"
)

// Options tunes the fake broker.
type Options struct {
	// TLS wraps accepted connections when set.
	TLS *tls.Config
	// Password, when set, is the only accepted login password.
	Password string
}

type Broker struct {
	t    testing.TB
	opts Options
	ln   net.Listener

	mu      sync.Mutex
	current net.Conn
	conns   []net.Conn

	writeMu sync.Mutex
	seq     atomic.Uint64
	reject  atomic.Bool

	logins   chan stream.Login
	received chan []byte
	wg       sync.WaitGroup
}

// Start listens on a loopback port and serves until the test ends.
func Start(t testing.TB, opts Options) *Broker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("brokertest listen: %v", err)
	}
	if opts.TLS != nil {
		ln = tls.NewListener(ln, opts.TLS)
	}
	b := &Broker{
		t:        t,
		opts:     opts,
		ln:       ln,
		logins:   make(chan stream.Login, 16),
		received: make(chan []byte, 256),
	}
	b.wg.Add(1)
	go b.acceptLoop()
	t.Cleanup(b.Close)
	return b
}

func (b *Broker) Addr() string {
	return b.ln.Addr().String()
}

// Logins yields every login the broker has accepted or rejected.
func (b *Broker) Logins() <-chan stream.Login {
	return b.logins
}

// Received yields every payload frame sent by clients.
func (b *Broker) Received() <-chan []byte {
	return b.received
}

// RejectLogins makes later logins fail.
func (b *Broker) RejectLogins(v bool) {
	b.reject.Store(v)
}

// Push delivers one payload frame to the most recent client connection.
func (b *Broker) Push(payload []byte) error {
	b.mu.Lock()
	conn := b.current
	b.mu.Unlock()
	if conn == nil {
		return errors.New("brokertest: no client connected")
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return frame.WriteFrame(conn, frame.Frame{
		Header:  frame.Header{Kind: frame.KindPayload, Seq: b.seq.Add(1)},
		Payload: payload,
	}, frame.DefaultLimits())
}

// DropConnections closes every client connection without stopping the listener.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.current = nil
	b.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

// NextReceived waits for one client payload.
func (b *Broker) NextReceived(timeout time.Duration) ([]byte, bool) {
	select {
	case p := <-b.received:
		return p, true
	case <-time.After(timeout):
		return nil, false
	}
}

// NextLogin waits for one login attempt.
func (b *Broker) NextLogin(timeout time.Duration) (stream.Login, bool) {
	select {
	case l := <-b.logins:
		return l, true
	case <-time.After(timeout):
		return stream.Login{}, false
	}
}

func (b *Broker) Close() {
	_ = b.ln.Close()
	b.DropConnections()
	b.wg.Wait()
}

func (b *Broker) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.serve(conn)
		}()
	}
}

func (b *Broker) serve(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	login, err := stream.ReadLogin(reader)
	if err != nil {
		return
	}
	select {
	case b.logins <- login:
	default:
	}

	ack := stream.LoginAck{
		Status:      stream.LoginAccepted,
		Message:     "logged in",
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	if b.reject.Load() || (b.opts.Password != "" && login.Password != b.opts.Password) {
		ack.Status = stream.LoginRejected
		ack.Code = 401
		ack.Message = "authentication failed"
	}
	if err := stream.WriteLoginAck(conn, ack); err != nil || ack.Status != stream.LoginAccepted {
		return
	}

	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.current = conn
	b.mu.Unlock()

	for {
		fr, err := frame.ReadFrame(reader, frame.DefaultLimits())
		if err != nil {
			return
		}
		switch fr.Header.Kind {
		case frame.KindPayload:
			b.received <- fr.Payload
		case frame.KindPing:
			b.writeMu.Lock()
			_ = frame.WriteFrame(conn, frame.Frame{Header: frame.Header{Kind: frame.KindPong, Seq: b.seq.Add(1)}}, frame.DefaultLimits())
			b.writeMu.Unlock()
		}
	}
}
