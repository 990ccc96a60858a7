package natsbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/ccsctl/internal/testutil/testlog"
	"github.com/danmuck/ccsctl/internal/transport"
)

type nopObserver struct{}

func (nopObserver) HandlePayload([]byte)                     {}
func (nopObserver) HandleLifecycle(transport.LifecycleEvent) {}

func TestConfigDefaultsAndValidation(t *testing.T) {
	testlog.Start(t)
	cfg := Config{}.WithDefaults()
	if cfg.DownstreamSubject != DefaultDownstreamSubject || cfg.UpstreamSubject != DefaultUpstreamSubject {
		t.Fatalf("unexpected subjects: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	cfg.UpstreamSubject = cfg.DownstreamSubject
	if err := cfg.Validate(); !errors.Is(err, ErrSubjectsEqual) {
		t.Fatalf("expected ErrSubjectsEqual, got %v", err)
	}
	if err := (Config{URL: "nats://x", DownstreamSubject: " ", UpstreamSubject: "up"}).Validate(); !errors.Is(err, ErrSubjectRequired) {
		t.Fatalf("expected ErrSubjectRequired, got %v", err)
	}
	if err := (Config{DownstreamSubject: "a", UpstreamSubject: "b"}).Validate(); !errors.Is(err, ErrURLRequired) {
		t.Fatalf("expected ErrURLRequired, got %v", err)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	testlog.Start(t)
	tr, err := New(Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := tr.Send(context.Background(), []byte("x")); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := tr.Connect(context.Background(), transport.Credentials{}, nil); !errors.Is(err, transport.ErrObserverNil) {
		t.Fatalf("expected ErrObserverNil, got %v", err)
	}
}

func TestConnectUnreachableServer(t *testing.T) {
	testlog.Start(t)
	tr, err := New(Config{URL: "nats://127.0.0.1:1", ConnectTimeout: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := tr.Connect(context.Background(), transport.Credentials{Username: "u", Password: "p"}, nopObserver{}); err == nil {
		t.Fatalf("expected connect failure")
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tr.Connect(context.Background(), transport.Credentials{}, nopObserver{}); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
