// Package stream is a broker transport over a single TCP (optionally TLS)
// connection.
//
// Session start is a JSON-line login exchange; after an accepted login every
// payload travels in a binary frame (see internal/protocol/frame). A dropped
// connection is re-established with exponential backoff unless reconnect is
// disabled or the broker rejects the credentials.
package stream

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/ccsctl/internal/protocol/frame"
	"github.com/danmuck/ccsctl/internal/transport"
	"github.com/rs/zerolog/log"
	"gopkg.in/tomb.v2"
)

var (
	ErrLoginRejected      = errors.New("stream: login rejected")
	ErrReconnectExhausted = errors.New("stream: reconnect attempts exhausted")
)

// Transport implements transport.Transport over one stream connection.
type Transport struct {
	cfg Config
	rng *rand.Rand

	mu     sync.Mutex
	conn   net.Conn
	creds  transport.Credentials
	obs    transport.Observer
	t      *tomb.Tomb
	closed bool

	writeMu sync.Mutex
	seq     atomic.Uint64
}

func New(cfg Config) (*Transport, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Transport{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Connect dials, logs in, and starts the read loop.
func (s *Transport) Connect(ctx context.Context, creds transport.Credentials, obs transport.Observer) error {
	if obs == nil {
		return transport.ErrObserverNil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrClosed
	}
	if s.t != nil && s.t.Alive() {
		s.mu.Unlock()
		return transport.ErrAlreadyConnected
	}
	s.mu.Unlock()

	conn, reader, err := s.establish(ctx, creds)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = conn.Close()
		return transport.ErrClosed
	}
	s.conn = conn
	s.creds = creds
	s.obs = obs
	s.t = &tomb.Tomb{}
	t := s.t
	t.Go(func() error {
		return s.run(t, conn, reader)
	})
	if s.cfg.PingInterval > 0 {
		t.Go(func() error {
			return s.pingLoop(t)
		})
	}
	log.Info().Str("addr", s.cfg.Address).Str("user", creds.Username).Msg("stream.Transport.Connect logged in")
	return nil
}

// Send writes one payload frame on the live connection.
func (s *Transport) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return transport.ErrNotConnected
	}
	return s.writeFrame(ctx, conn, frame.KindPayload, payload)
}

// Close stops the read loop and closes the connection. Safe to call twice.
func (s *Transport) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	t := s.t
	obs := s.obs
	s.mu.Unlock()

	var err error
	if t != nil {
		t.Kill(nil)
	}
	if conn != nil {
		err = conn.Close()
	}
	if t != nil {
		_ = t.Wait()
	}
	if obs != nil {
		obs.HandleLifecycle(transport.LifecycleEvent{Kind: transport.LifecycleClosed})
	}
	return err
}

// run owns the connection until the transport is closed or gives up.
func (s *Transport) run(t *tomb.Tomb, conn net.Conn, reader *bufio.Reader) error {
	defer t.Kill(nil)
	for {
		err := s.readLoop(t, conn, reader)
		if !t.Alive() {
			return nil
		}
		s.dropConn(conn)
		log.Warn().Err(err).Str("addr", s.cfg.Address).Msg("stream.Transport.run connection lost")
		s.obs.HandleLifecycle(transport.LifecycleEvent{Kind: transport.LifecycleClosedOnError, Err: err})
		if !s.cfg.Reconnect {
			s.obs.HandleLifecycle(transport.LifecycleEvent{Kind: transport.LifecycleClosed, Err: err})
			return nil
		}

		conn, reader, err = s.reconnect(t)
		if err != nil {
			if !t.Alive() {
				return nil
			}
			s.obs.HandleLifecycle(transport.LifecycleEvent{Kind: transport.LifecycleClosed, Err: err})
			return nil
		}
		s.obs.HandleLifecycle(transport.LifecycleEvent{Kind: transport.LifecycleReconnected})
	}
}

func (s *Transport) readLoop(t *tomb.Tomb, conn net.Conn, reader *bufio.Reader) error {
	for {
		if s.cfg.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(3 * s.cfg.PingInterval))
		}
		fr, err := frame.ReadFrame(reader, s.cfg.Limits)
		if err != nil {
			return err
		}
		if !t.Alive() {
			return nil
		}
		switch fr.Header.Kind {
		case frame.KindPayload:
			log.Debug().Uint64("seq", fr.Header.Seq).Bytes("payload", fr.Payload).Msg("stream.Transport received")
			s.obs.HandlePayload(fr.Payload)
		case frame.KindPing:
			if err := s.writeFrame(context.Background(), conn, frame.KindPong, nil); err != nil {
				return err
			}
		case frame.KindPong:
		}
	}
}

func (s *Transport) reconnect(t *tomb.Tomb) (net.Conn, *bufio.Reader, error) {
	s.mu.Lock()
	creds := s.creds
	s.mu.Unlock()

	for attempt := 1; ; attempt++ {
		if s.cfg.MaxReconnectAttempts > 0 && attempt > s.cfg.MaxReconnectAttempts {
			return nil, nil, fmt.Errorf("%w: attempts=%d", ErrReconnectExhausted, attempt-1)
		}
		delay := transport.NextBackoffDelay(s.cfg.Backoff, attempt, s.rng)
		s.obs.HandleLifecycle(transport.LifecycleEvent{
			Kind:    transport.LifecycleReconnecting,
			Attempt: attempt,
			Delay:   delay,
		})
		timer := time.NewTimer(delay)
		select {
		case <-t.Dying():
			timer.Stop()
			return nil, nil, tomb.ErrDying
		case <-timer.C:
		}

		conn, reader, err := s.establish(t.Context(nil), creds)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Str("addr", s.cfg.Address).Msg("stream.Transport.reconnect failed")
			s.obs.HandleLifecycle(transport.LifecycleEvent{
				Kind:    transport.LifecycleReconnectFailed,
				Attempt: attempt,
				Err:     err,
			})
			if errors.Is(err, ErrLoginRejected) || !t.Alive() {
				return nil, nil, err
			}
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return nil, nil, transport.ErrClosed
		}
		s.conn = conn
		s.mu.Unlock()
		log.Info().Int("attempt", attempt).Str("addr", s.cfg.Address).Msg("stream.Transport.reconnect succeeded")
		return conn, reader, nil
	}
}

func (s *Transport) pingLoop(t *tomb.Tomb) error {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.Dying():
			return nil
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := s.writeFrame(context.Background(), conn, frame.KindPing, nil); err != nil {
				log.Debug().Err(err).Msg("stream.Transport.pingLoop write failed")
			}
		}
	}
}

func (s *Transport) dropConn(conn net.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Transport) writeFrame(ctx context.Context, conn net.Conn, kind frame.Kind, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return frame.WriteFrame(conn, frame.Frame{
		Header:  frame.Header{Kind: kind, Seq: s.seq.Add(1)},
		Payload: payload,
	}, s.cfg.Limits)
}

// establish dials and completes the login handshake.
func (s *Transport) establish(ctx context.Context, creds transport.Credentials) (net.Conn, *bufio.Reader, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	reader, err := s.login(conn, creds)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, reader, nil
}

func (s *Transport) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", s.cfg.Address)
	if err != nil {
		return nil, err
	}
	if !s.cfg.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := s.clientTLSConfig()
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (s *Transport) login(conn net.Conn, creds transport.Credentials) (*bufio.Reader, error) {
	_ = conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	if err := WriteLogin(conn, Login{Username: creds.Username, Password: creds.Password}); err != nil {
		return nil, err
	}
	ack, err := ReadLoginAck(reader)
	if err != nil {
		return nil, err
	}
	if ack.Status != LoginAccepted {
		return nil, fmt.Errorf("%w: code=%d message=%q", ErrLoginRejected, ack.Code, ack.Message)
	}
	_ = conn.SetDeadline(time.Time{})
	return reader, nil
}

func (s *Transport) clientTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.cfg.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(s.cfg.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(s.cfg.Address)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(s.cfg.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("stream: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}

	if s.cfg.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
