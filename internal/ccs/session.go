package ccs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/ccsctl/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// DefaultServer is the production CCS endpoint.
	DefaultServer = "gcm.googleapis.com:5235"
	ccsDomain     = "gcm.googleapis.com"

	// DefaultMaxPending matches the broker's per-connection limit on
	// unacknowledged downstream messages.
	DefaultMaxPending  = 100
	defaultEventBuffer = 32
)

// CredentialsFor returns the CCS login for a project and its API key.
func CredentialsFor(projectID, apiKey string) transport.Credentials {
	return transport.Credentials{
		Username: projectID + "@" + ccsDomain,
		Password: apiKey,
	}
}

// Config wires a Session. Zero values pick the defaults.
type Config struct {
	Credentials transport.Credentials
	Codec       Codec
	Router      *Router
	Receipts    ReceiptHandler
	Metrics     *Metrics

	IDSource   IDSource
	IDAttempts int
	// MaxPending bounds outstanding downstream ids. Negative disables the
	// bound; zero uses DefaultMaxPending.
	MaxPending int

	// BroadcastRate caps SendToMany at this many sends per second. Zero
	// leaves broadcasts unpaced.
	BroadcastRate  float64
	BroadcastBurst int

	EventBuffer int
}

// Session is one client connection to the broker.
type Session struct {
	tr       transport.Transport
	creds    transport.Credentials
	codec    Codec
	router   *Router
	receipts ReceiptHandler
	metrics  *Metrics
	ids      *IDGenerator
	pending  *PendingTracker
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State

	// inboundMu serializes inbound processing; held buffers payloads that
	// arrive before Connect reaches Active.
	inboundMu sync.Mutex
	held      [][]byte

	subMu       sync.Mutex
	subs        map[int]chan Event
	nextSub     int
	subsClosed  bool
	eventBuffer int
}

func NewSession(tr transport.Transport, cfg Config) (*Session, error) {
	if tr == nil {
		return nil, ErrTransportNil
	}
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}
	if cfg.Router == nil {
		cfg.Router = NewRouter()
	}
	maxPending := cfg.MaxPending
	switch {
	case maxPending == 0:
		maxPending = DefaultMaxPending
	case maxPending < 0:
		maxPending = 0
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	s := &Session{
		tr:          tr,
		creds:       cfg.Credentials,
		codec:       cfg.Codec,
		router:      cfg.Router,
		receipts:    cfg.Receipts,
		metrics:     cfg.Metrics,
		ids:         NewIDGenerator(cfg.IDSource, cfg.IDAttempts),
		pending:     NewPendingTracker(maxPending),
		state:       StateDisconnected,
		subs:        make(map[int]chan Event),
		eventBuffer: cfg.EventBuffer,
	}
	if cfg.BroadcastRate > 0 {
		burst := cfg.BroadcastBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.BroadcastRate), burst)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *Session) Router() *Router {
	return s.router
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials and authenticates through the transport. It blocks until
// the session is Active or the attempt failed.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateDisconnected:
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: state=%s", ErrAlreadyConnected, st)
	}
	s.state = StateConnecting
	s.mu.Unlock()
	s.publish(Event{Kind: EventStateChanged, State: StateConnecting, Previous: StateDisconnected})

	log.Info().Str("user", s.creds.Username).Msg("ccs.Session.Connect connecting")
	if err := s.tr.Connect(ctx, s.creds, sessionObserver{s: s}); err != nil {
		s.inboundMu.Lock()
		s.held = nil
		s.inboundMu.Unlock()
		s.setState(StateDisconnected)
		log.Error().Err(err).Str("user", s.creds.Username).Msg("ccs.Session.Connect failed")
		return &ConnectionError{User: s.creds.Username, Err: err}
	}

	s.inboundMu.Lock()
	defer s.inboundMu.Unlock()
	held := s.held
	s.held = nil
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	s.setState(StateAuthenticated)
	s.setState(StateActive)
	log.Info().Str("user", s.creds.Username).Int("held", len(held)).Msg("ccs.Session.Connect active")
	for _, payload := range held {
		s.processInbound(payload)
	}
	return nil
}

// Close stops inbound delivery and closes the transport. Later sends fail
// with ErrNotConnected and subscriber channels are closed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	from := s.state
	s.state = StateClosed
	s.mu.Unlock()

	s.cancel()
	err := s.tr.Close()
	s.publish(Event{Kind: EventStateChanged, State: StateClosed, Previous: from})
	dropped := s.dropPending()
	s.closeSubscribers()
	log.Info().Int("dropped", len(dropped)).Msg("ccs.Session.Close closed")
	return err
}

// Send writes an already encoded payload. Only valid while Active.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	if st := s.State(); st != StateActive {
		return fmt.Errorf("%w: state=%s", ErrNotConnected, st)
	}
	return s.write(ctx, payload)
}

// NewMessageID returns an id that is not currently outstanding. It does not
// reserve the id; SendMessage reserves atomically.
func (s *Session) NewMessageID() (string, error) {
	return s.ids.Next(s.pending.Contains)
}

// SendMessage assigns a message id when d has none, tracks it until its
// receipt arrives, and sends. The id is returned even when the send fails;
// a failed send is no longer tracked.
func (s *Session) SendMessage(ctx context.Context, d Downstream) (string, error) {
	if d.To == "" {
		return "", ErrRecipientRequired
	}
	if st := s.State(); st != StateActive {
		return "", fmt.Errorf("%w: state=%s", ErrNotConnected, st)
	}

	now := time.Now()
	if d.MessageID == "" {
		id, err := s.pending.Reserve(s.ids, d.To, now)
		if err != nil {
			return "", err
		}
		d.MessageID = id
	} else if err := s.pending.Track(PendingMessage{MessageID: d.MessageID, To: d.To, QueuedAt: now}); err != nil {
		return d.MessageID, err
	}

	payload, err := s.codec.Encode(d.Attributes())
	if err == nil {
		err = s.Send(ctx, payload)
	}
	if err != nil {
		s.pending.Release(d.MessageID)
		s.metrics.setPending(s.pending.Len())
		s.metrics.observeDownstream("failed")
		log.Warn().Err(err).Str("message_id", d.MessageID).Str("to", d.To).Msg("ccs.Session.SendMessage failed")
		return d.MessageID, err
	}
	s.metrics.setPending(s.pending.Len())
	s.metrics.observeDownstream("sent")
	return d.MessageID, nil
}

// Pending returns a snapshot of downstream messages awaiting a receipt.
func (s *Session) Pending() []PendingMessage {
	return s.pending.List()
}

// Subscribe registers for session events. Events are dropped for a
// subscriber whose buffer is full. The returned func unsubscribes.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, s.eventBuffer)
	s.subMu.Lock()
	if s.subsClosed {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

func (s *Session) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Int("subscriber", id).Stringer("event", ev.Kind).Msg("ccs.Session.publish subscriber full, event dropped")
		}
	}
}

func (s *Session) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subsClosed = true
}

// setState moves to a new state unless the session is closed. It reports
// whether the state changed.
func (s *Session) setState(to State) bool {
	s.mu.Lock()
	from := s.state
	if from == to || from == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()
	log.Debug().Stringer("from", from).Stringer("to", to).Msg("ccs.Session state")
	s.publish(Event{Kind: EventStateChanged, State: to, Previous: from})
	return true
}

// dropPending forgets every outstanding id and reports them to subscribers.
func (s *Session) dropPending() []PendingMessage {
	dropped := s.pending.Drain()
	s.metrics.setPending(0)
	if len(dropped) == 0 {
		return nil
	}
	log.Warn().Int("dropped", len(dropped)).Msg("ccs.Session.dropPending receipts lost with connection")
	s.publish(Event{Kind: EventPendingDropped, State: s.State(), Dropped: dropped})
	return dropped
}

func (s *Session) write(ctx context.Context, payload []byte) error {
	if err := s.tr.Send(ctx, payload); err != nil {
		if errors.Is(err, transport.ErrNotConnected) || errors.Is(err, transport.ErrClosed) {
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return err
	}
	log.Debug().Bytes("payload", payload).Msg("ccs.Session sent")
	return nil
}
