package stream_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/ccsctl/internal/testutil/brokertest"
	"github.com/danmuck/ccsctl/internal/testutil/testlog"
	"github.com/danmuck/ccsctl/internal/testutil/tlstest"
	"github.com/danmuck/ccsctl/internal/transport"
	"github.com/danmuck/ccsctl/internal/transport/stream"
)

type recorder struct {
	mu       sync.Mutex
	payloads chan []byte
	events   chan transport.LifecycleEvent
}

func newRecorder() *recorder {
	return &recorder{
		payloads: make(chan []byte, 64),
		events:   make(chan transport.LifecycleEvent, 64),
	}
}

func (r *recorder) HandlePayload(payload []byte) {
	r.payloads <- payload
}

func (r *recorder) HandleLifecycle(ev transport.LifecycleEvent) {
	r.events <- ev
}

func (r *recorder) waitFor(t *testing.T, kind transport.LifecycleKind) transport.LifecycleEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-r.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for lifecycle %s", kind)
		}
	}
}

func fastConfig(addr string) stream.Config {
	cfg := stream.DefaultConfig()
	cfg.Address = addr
	cfg.ConnectTimeout = time.Second
	cfg.HandshakeTimeout = time.Second
	cfg.WriteTimeout = time.Second
	cfg.Backoff = transport.BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 1.5, MaxDelay: 50 * time.Millisecond}
	return cfg
}

var creds = transport.Credentials{Username: "1234@gcm.googleapis.com", Password: "api-key"}

func TestConnectSendReceive(t *testing.T) {
	testlog.Start(t)
	broker := brokertest.Start(t, brokertest.Options{Password: "api-key"})
	tr, err := stream.New(fastConfig(broker.Addr()))
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	defer tr.Close()

	rec := newRecorder()
	if err := tr.Connect(context.Background(), creds, rec); err != nil {
		t.Fatalf("connect: %v", err)
	}
	login, ok := broker.NextLogin(time.Second)
	if !ok || login.Username != creds.Username {
		t.Fatalf("unexpected login: ok=%v login=%+v", ok, login)
	}

	if err := tr.Send(context.Background(), []byte(`{"to":"dev1"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, ok := broker.NextReceived(time.Second)
	if !ok || !bytes.Equal(got, []byte(`{"to":"dev1"}`)) {
		t.Fatalf("broker did not receive payload: ok=%v got=%q", ok, got)
	}

	if err := broker.Push([]byte(`{"from":"dev1"}`)); err != nil {
		t.Fatalf("push: %v", err)
	}
	select {
	case p := <-rec.payloads:
		if string(p) != `{"from":"dev1"}` {
			t.Fatalf("unexpected inbound payload %q", p)
		}
	case <-time.After(time.Second):
		t.Fatalf("no inbound payload")
	}

	if err := tr.Connect(context.Background(), creds, rec); !errors.Is(err, transport.ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestConnectRejectedLogin(t *testing.T) {
	testlog.Start(t)
	broker := brokertest.Start(t, brokertest.Options{Password: "other"})
	tr, err := stream.New(fastConfig(broker.Addr()))
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	defer tr.Close()
	err = tr.Connect(context.Background(), creds, newRecorder())
	if !errors.Is(err, stream.ErrLoginRejected) {
		t.Fatalf("expected ErrLoginRejected, got %v", err)
	}
	if err := tr.Send(context.Background(), []byte("x")); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	testlog.Start(t)
	broker := brokertest.Start(t, brokertest.Options{})
	tr, err := stream.New(fastConfig(broker.Addr()))
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	defer tr.Close()

	rec := newRecorder()
	if err := tr.Connect(context.Background(), creds, rec); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, ok := broker.NextLogin(time.Second); !ok {
		t.Fatalf("no initial login")
	}

	broker.DropConnections()
	rec.waitFor(t, transport.LifecycleClosedOnError)
	ev := rec.waitFor(t, transport.LifecycleReconnecting)
	if ev.Attempt != 1 {
		t.Fatalf("expected first reconnect attempt, got %d", ev.Attempt)
	}
	rec.waitFor(t, transport.LifecycleReconnected)
	if _, ok := broker.NextLogin(time.Second); !ok {
		t.Fatalf("no login after reconnect")
	}

	if err := tr.Send(context.Background(), []byte("after")); err != nil {
		t.Fatalf("send after reconnect: %v", err)
	}
	if got, ok := broker.NextReceived(time.Second); !ok || string(got) != "after" {
		t.Fatalf("unexpected payload after reconnect: ok=%v got=%q", ok, got)
	}
}

func TestNoReconnectEmitsClosed(t *testing.T) {
	testlog.Start(t)
	broker := brokertest.Start(t, brokertest.Options{})
	cfg := fastConfig(broker.Addr())
	cfg.Reconnect = false
	tr, err := stream.New(cfg)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	defer tr.Close()

	rec := newRecorder()
	if err := tr.Connect(context.Background(), creds, rec); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, ok := broker.NextLogin(time.Second); !ok {
		t.Fatalf("no login")
	}
	broker.DropConnections()
	rec.waitFor(t, transport.LifecycleClosedOnError)
	rec.waitFor(t, transport.LifecycleClosed)
	if err := tr.Send(context.Background(), []byte("x")); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestReconnectExhausted(t *testing.T) {
	testlog.Start(t)
	broker := brokertest.Start(t, brokertest.Options{})
	cfg := fastConfig(broker.Addr())
	cfg.MaxReconnectAttempts = 2
	tr, err := stream.New(cfg)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	defer tr.Close()

	rec := newRecorder()
	if err := tr.Connect(context.Background(), creds, rec); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, ok := broker.NextLogin(time.Second); !ok {
		t.Fatalf("no login")
	}
	broker.RejectLogins(true)
	broker.DropConnections()

	failed := rec.waitFor(t, transport.LifecycleReconnectFailed)
	if !errors.Is(failed.Err, stream.ErrLoginRejected) {
		t.Fatalf("expected rejected login on reconnect, got %v", failed.Err)
	}
	closed := rec.waitFor(t, transport.LifecycleClosed)
	if closed.Err == nil {
		t.Fatalf("expected closed event to carry the failure")
	}
}

func TestCloseStopsTransport(t *testing.T) {
	testlog.Start(t)
	broker := brokertest.Start(t, brokertest.Options{})
	tr, err := stream.New(fastConfig(broker.Addr()))
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	rec := newRecorder()
	if err := tr.Connect(context.Background(), creds, rec); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	rec.waitFor(t, transport.LifecycleClosed)
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := tr.Connect(context.Background(), creds, rec); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestTLSConnect(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "ccs-test-ca")
	broker := brokertest.Start(t, brokertest.Options{TLS: ca.ServerTLS(t, "localhost")})

	cfg := fastConfig(broker.Addr())
	cfg.SecurityMode = stream.SecurityModeProduction
	cfg.TLS = stream.TLSConfig{Enabled: true, CAFile: ca.CAFile(), ServerName: "localhost"}
	tr, err := stream.New(cfg)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	defer tr.Close()
	if err := tr.Connect(context.Background(), creds, newRecorder()); err != nil {
		t.Fatalf("tls connect: %v", err)
	}
	if err := tr.Send(context.Background(), []byte("secure")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got, ok := broker.NextReceived(time.Second); !ok || string(got) != "secure" {
		t.Fatalf("unexpected payload: ok=%v got=%q", ok, got)
	}
}

func TestValidateProductionRequiresTLS(t *testing.T) {
	testlog.Start(t)
	cfg := stream.DefaultConfig()
	cfg.Address = "gcm.googleapis.com:5235"
	cfg.SecurityMode = stream.SecurityModeProduction
	if err := cfg.Validate(); !errors.Is(err, stream.ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	cfg.TLS.Enabled = true
	if err := cfg.Validate(); !errors.Is(err, stream.ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}
	cfg.TLS.UseSystemRoots = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	cfg.TLS.InsecureSkipVerify = true
	if err := cfg.Validate(); !errors.Is(err, stream.ErrTLSInsecureSkipNotAllow) {
		t.Fatalf("expected ErrTLSInsecureSkipNotAllow, got %v", err)
	}
	cfg.TLS.InsecureSkipVerify = false
	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.Validate(); !errors.Is(err, stream.ErrTLSKeyPairIncomplete) {
		t.Fatalf("expected ErrTLSKeyPairIncomplete, got %v", err)
	}
}

func TestValidateAddressAndMode(t *testing.T) {
	testlog.Start(t)
	cfg := stream.DefaultConfig()
	if err := cfg.Validate(); !errors.Is(err, stream.ErrAddressRequired) {
		t.Fatalf("expected ErrAddressRequired, got %v", err)
	}
	cfg.Address = "127.0.0.1:5235"
	cfg.SecurityMode = "paranoid"
	if err := cfg.Validate(); !errors.Is(err, stream.ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
}
