package ccs

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// DeliveryOptions are the optional delivery hints shared by every recipient
// of a broadcast.
type DeliveryOptions struct {
	CollapseKey    string
	TimeToLive     *int64
	DelayWhileIdle *bool
}

// SendResult is the outcome for one broadcast recipient.
type SendResult struct {
	Recipient string
	MessageID string
	Err       error
}

// BroadcastError lists the recipients whose send failed.
type BroadcastError struct {
	Attempted int
	Failed    []SendResult
}

func (e *BroadcastError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		names = append(names, f.Recipient)
	}
	return fmt.Sprintf("ccs: broadcast failed for %d of %d recipients: %s",
		len(e.Failed), e.Attempted, strings.Join(names, ", "))
}

func (e *BroadcastError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		errs = append(errs, f.Err)
	}
	return errs
}

// SendToMany sends payload to every recipient with its own fresh message id.
// A failed recipient does not stop the rest; failures are collected into a
// *BroadcastError. Results follow the order of recipients.
func (s *Session) SendToMany(ctx context.Context, payload map[string]string, opts DeliveryOptions, recipients []string) ([]SendResult, error) {
	results := make([]SendResult, 0, len(recipients))
	var failed []SendResult
	for _, to := range recipients {
		res := SendResult{Recipient: to}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				res.Err = err
				results = append(results, res)
				failed = append(failed, res)
				continue
			}
		}
		res.MessageID, res.Err = s.SendMessage(ctx, Downstream{
			To:             to,
			Payload:        payload,
			CollapseKey:    opts.CollapseKey,
			TimeToLive:     opts.TimeToLive,
			DelayWhileIdle: opts.DelayWhileIdle,
		})
		results = append(results, res)
		if res.Err != nil {
			failed = append(failed, res)
		}
	}

	log.Debug().Int("recipients", len(recipients)).Int("failed", len(failed)).Msg("ccs.Session.SendToMany")
	if len(failed) > 0 {
		return results, &BroadcastError{Attempted: len(recipients), Failed: failed}
	}
	return results, nil
}
