package ccs

import (
	"bytes"
	"context"
	"errors"

	"github.com/danmuck/ccsctl/internal/transport"
	"github.com/rs/zerolog/log"
)

// sessionObserver keeps the transport callbacks off Session's method set.
type sessionObserver struct {
	s *Session
}

func (o sessionObserver) HandlePayload(payload []byte) {
	o.s.handleInbound(payload)
}

func (o sessionObserver) HandleLifecycle(ev transport.LifecycleEvent) {
	o.s.handleLifecycle(ev)
}

func (s *Session) handleInbound(payload []byte) {
	s.inboundMu.Lock()
	defer s.inboundMu.Unlock()
	switch s.State() {
	case StateClosed:
		return
	case StateConnecting, StateAuthenticated:
		s.held = append(s.held, bytes.Clone(payload))
		return
	}
	s.processInbound(payload)
}

// processInbound decodes and dispatches one payload. Callers hold inboundMu.
func (s *Session) processInbound(payload []byte) {
	if s.State() == StateClosed {
		return
	}
	log.Debug().Bytes("payload", payload).Msg("ccs.Session.handleInbound received")

	attrs, err := s.codec.Decode(payload)
	if err != nil {
		s.dropUndecodable(err)
		return
	}

	switch mt := optionalString(attrs, keyMessageType); mt {
	case "":
		msg, err := DecodeMessage(attrs)
		if err != nil {
			s.dropUndecodable(err)
			return
		}
		s.metrics.observeInbound("data")
		s.handleData(s.ctx, msg)
	case string(ReceiptAck), string(ReceiptNack):
		r, err := DecodeReceipt(attrs)
		if err != nil {
			s.dropUndecodable(err)
			return
		}
		s.metrics.observeInbound(mt)
		s.handleReceipt(s.ctx, r)
	default:
		s.metrics.observeInbound("unrecognized")
		log.Warn().Str("message_type", mt).Msg("ccs.Session.handleInbound unrecognized message type")
	}
}

func (s *Session) dropUndecodable(err error) {
	s.metrics.observeDecodeError()
	log.Warn().Err(err).Msg("ccs.Session.handleInbound dropped undecodable payload")
}

// handleData routes msg and answers it with exactly one ack or nack.
func (s *Session) handleData(ctx context.Context, msg Message) {
	err := process(ctx, s.router, msg)
	typ := outcome(err)

	var receipt map[string]any
	if typ == ReceiptAck {
		receipt = BuildAck(msg.From, msg.MessageID)
	} else {
		action, _ := msg.Action()
		ev := log.Warn().Err(err).Str("message_id", msg.MessageID).Str("from", msg.From).Str("action", action)
		var unknown *UnknownActionError
		if errors.As(err, &unknown) {
			ev.Msg("ccs.Session.handleData unknown action, sending nack")
		} else {
			ev.Msg("ccs.Session.handleData handler failed, sending nack")
		}
		receipt = BuildNack(msg.From, msg.MessageID)
	}

	if err := s.sendReceipt(ctx, receipt); err != nil {
		log.Error().Err(err).Str("message_id", msg.MessageID).Str("type", string(typ)).Msg("ccs.Session.handleData receipt not sent")
		return
	}
	s.metrics.observeReceiptSent(typ)
}

// sendReceipt writes an ack or nack. Receipts go out in any state but
// Closed; the transport reports when it has no connection.
func (s *Session) sendReceipt(ctx context.Context, receipt map[string]any) error {
	if s.State() == StateClosed {
		return ErrNotConnected
	}
	payload, err := s.codec.Encode(receipt)
	if err != nil {
		return err
	}
	return s.write(ctx, payload)
}

func (s *Session) handleReceipt(ctx context.Context, r Receipt) {
	if _, ok := s.pending.Release(r.MessageID); !ok {
		log.Debug().Str("message_id", r.MessageID).Msg("ccs.Session.handleReceipt receipt for untracked message")
	}
	s.metrics.setPending(s.pending.Len())
	s.metrics.observeReceiptReceived(r.Type)

	if r.Type == ReceiptNack {
		log.Warn().Str("message_id", r.MessageID).Str("from", r.From).Str("error", r.Error).Str("description", r.ErrorDescription).Msg("ccs.Session.handleReceipt nack")
	} else {
		log.Debug().Str("message_id", r.MessageID).Str("from", r.From).Msg("ccs.Session.handleReceipt ack")
	}

	if s.receipts == nil {
		return
	}
	if r.Type == ReceiptNack {
		s.receipts.HandleNack(ctx, r)
	} else {
		s.receipts.HandleAck(ctx, r)
	}
}

func (s *Session) handleLifecycle(ev transport.LifecycleEvent) {
	if s.State() == StateClosed {
		return
	}
	kind, ok := eventKindFor(ev.Kind)
	if !ok {
		log.Warn().Stringer("kind", ev.Kind).Msg("ccs.Session.handleLifecycle unknown event")
		return
	}
	s.metrics.observeLifecycle(ev.Kind.String())

	logEv := log.Info()
	if ev.Err != nil {
		logEv = log.Warn().Err(ev.Err)
	}
	logEv.Stringer("event", ev.Kind).Int("attempt", ev.Attempt).Dur("delay", ev.Delay).Msg("ccs.Session.handleLifecycle")

	s.setState(stateFor(ev.Kind))
	s.publish(Event{
		Kind:    kind,
		State:   s.State(),
		Attempt: ev.Attempt,
		Delay:   ev.Delay,
		Err:     ev.Err,
	})
	if dropsConnection(ev.Kind) {
		s.dropPending()
	}
}
