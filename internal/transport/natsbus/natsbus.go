// Package natsbus relays CCS payloads over NATS. Downstream payloads are
// published to one subject; upstream payloads arrive on another, published
// by a gateway that holds the actual broker connection.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/ccsctl/internal/transport"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	DefaultDownstreamSubject = "ccs.downstream"
	DefaultUpstreamSubject   = "ccs.upstream"
)

var (
	ErrURLRequired     = errors.New("natsbus: url required")
	ErrSubjectRequired = errors.New("natsbus: subject required")
	ErrSubjectsEqual   = errors.New("natsbus: downstream and upstream subjects must differ")
)

type Config struct {
	URL               string
	Name              string
	DownstreamSubject string
	UpstreamSubject   string
	ConnectTimeout    time.Duration
	// MaxReconnects of zero keeps the nats default; negative retries forever.
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:               nats.DefaultURL,
		Name:              "ccsctl",
		DownstreamSubject: DefaultDownstreamSubject,
		UpstreamSubject:   DefaultUpstreamSubject,
		ConnectTimeout:    10 * time.Second,
		ReconnectWait:     2 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.URL) == "" {
		c.URL = def.URL
	}
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.DownstreamSubject == "" {
		c.DownstreamSubject = def.DownstreamSubject
	}
	if c.UpstreamSubject == "" {
		c.UpstreamSubject = def.UpstreamSubject
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = def.ReconnectWait
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return ErrURLRequired
	}
	if strings.TrimSpace(c.DownstreamSubject) == "" || strings.TrimSpace(c.UpstreamSubject) == "" {
		return ErrSubjectRequired
	}
	if c.DownstreamSubject == c.UpstreamSubject {
		return fmt.Errorf("%w: %s", ErrSubjectsEqual, c.DownstreamSubject)
	}
	return nil
}

// Transport implements transport.Transport on a NATS connection.
type Transport struct {
	cfg Config

	mu     sync.Mutex
	nc     *nats.Conn
	sub    *nats.Subscription
	obs    transport.Observer
	closed bool

	attempt int
}

func New(cfg Config) (*Transport, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Transport{cfg: cfg}, nil
}

func (t *Transport) Connect(ctx context.Context, creds transport.Credentials, obs transport.Observer) error {
	if obs == nil {
		return transport.ErrObserverNil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	if t.nc != nil && !t.nc.IsClosed() {
		t.mu.Unlock()
		return transport.ErrAlreadyConnected
	}
	t.obs = obs
	t.mu.Unlock()

	nc, err := nats.Connect(t.cfg.URL, t.options(creds)...)
	if err != nil {
		return fmt.Errorf("natsbus: connect %s: %w", t.cfg.URL, err)
	}
	sub, err := nc.Subscribe(t.cfg.UpstreamSubject, func(msg *nats.Msg) {
		obs.HandlePayload(msg.Data)
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("natsbus: subscribe %s: %w", t.cfg.UpstreamSubject, err)
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		nc.Close()
		return fmt.Errorf("natsbus: flush: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		nc.Close()
		return transport.ErrClosed
	}
	t.nc = nc
	t.sub = sub
	log.Info().Str("url", t.cfg.URL).Str("user", creds.Username).Str("upstream", t.cfg.UpstreamSubject).Msg("natsbus.Transport.Connect subscribed")
	return nil
}

func (t *Transport) options(creds transport.Credentials) []nats.Option {
	opts := []nats.Option{
		nats.Name(t.cfg.Name),
		nats.Timeout(t.cfg.ConnectTimeout),
		nats.ReconnectWait(t.cfg.ReconnectWait),
		nats.DisconnectErrHandler(t.onDisconnect),
		nats.ReconnectHandler(t.onReconnect),
		nats.ClosedHandler(t.onClosed),
	}
	if creds.Username != "" {
		opts = append(opts, nats.UserInfo(creds.Username, creds.Password))
	}
	if t.cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(t.cfg.MaxReconnects))
	}
	return opts
}

func (t *Transport) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	nc := t.nc
	t.mu.Unlock()
	if nc == nil || !nc.IsConnected() {
		return transport.ErrNotConnected
	}
	if err := nc.Publish(t.cfg.DownstreamSubject, payload); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return transport.ErrNotConnected
		}
		return err
	}
	return nil
}

// Close drains the subscription and closes the connection. The nats closed
// callback reports the Closed lifecycle event.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	nc := t.nc
	sub := t.sub
	t.mu.Unlock()

	if nc == nil {
		return nil
	}
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	nc.Close()
	return nil
}

func (t *Transport) emit(ev transport.LifecycleEvent) {
	t.mu.Lock()
	obs := t.obs
	t.mu.Unlock()
	if obs != nil {
		obs.HandleLifecycle(ev)
	}
}

func (t *Transport) onDisconnect(_ *nats.Conn, err error) {
	t.mu.Lock()
	closing := t.closed
	t.attempt++
	attempt := t.attempt
	t.mu.Unlock()
	if closing {
		return
	}
	log.Warn().Err(err).Str("url", t.cfg.URL).Msg("natsbus.Transport disconnected")
	t.emit(transport.LifecycleEvent{Kind: transport.LifecycleClosedOnError, Err: err})
	t.emit(transport.LifecycleEvent{Kind: transport.LifecycleReconnecting, Attempt: attempt, Delay: t.cfg.ReconnectWait})
}

func (t *Transport) onReconnect(nc *nats.Conn) {
	t.mu.Lock()
	t.attempt = 0
	t.mu.Unlock()
	log.Info().Str("url", nc.ConnectedUrlRedacted()).Msg("natsbus.Transport reconnected")
	t.emit(transport.LifecycleEvent{Kind: transport.LifecycleReconnected})
}

func (t *Transport) onClosed(nc *nats.Conn) {
	ev := transport.LifecycleEvent{Kind: transport.LifecycleClosed}
	if err := nc.LastError(); err != nil {
		ev.Err = err
	}
	t.emit(ev)
}
