package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/ccsctl/internal/ccs"
	"github.com/danmuck/ccsctl/internal/directory"
	"github.com/rs/zerolog/log"
)

// MessageHandler forwards the payload to every other recipient registered
// for the sender's account. An account with a stored notification key name
// gets one message addressed to the key instead.
type MessageHandler struct {
	Directory   directory.Store
	Sender      Sender
	Broadcaster Broadcaster
	Options     ccs.DeliveryOptions
}

func (h *MessageHandler) Process(ctx context.Context, msg ccs.Message) error {
	account := msg.Payload[AccountKey]
	if account == "" {
		return ErrAccountMissing
	}

	if h.Sender != nil {
		keyName, err := h.Directory.NotificationKeyName(ctx, account)
		switch {
		case err == nil:
			return h.sendToGroup(ctx, account, keyName, msg.Payload)
		case !errors.Is(err, directory.ErrNotificationKeyNotFound):
			return err
		}
	}

	ids, err := h.Directory.RegistrationIDsForAccount(ctx, account)
	if err != nil {
		return err
	}

	recipients := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != msg.From {
			recipients = append(recipients, id)
		}
	}
	if len(recipients) == 0 {
		log.Debug().Str("account", account).Msg("handlers.MessageHandler no other recipients")
		return nil
	}

	results, err := h.Broadcaster.SendToMany(ctx, msg.Payload, h.Options, recipients)
	if err == nil {
		return nil
	}
	var bErr *ccs.BroadcastError
	if errors.As(err, &bErr) && len(bErr.Failed) < len(results) {
		// Partial delivery is acked; only a total failure nacks.
		log.Warn().Err(err).Str("account", account).Int("failed", len(bErr.Failed)).Msg("handlers.MessageHandler partial broadcast")
		return nil
	}
	return fmt.Errorf("forward to account %s: %w", account, err)
}

func (h *MessageHandler) sendToGroup(ctx context.Context, account, keyName string, payload map[string]string) error {
	id, err := h.Sender.SendMessage(ctx, ccs.Downstream{
		To:             keyName,
		Payload:        payload,
		CollapseKey:    h.Options.CollapseKey,
		TimeToLive:     h.Options.TimeToLive,
		DelayWhileIdle: h.Options.DelayWhileIdle,
	})
	if err != nil {
		return fmt.Errorf("forward to account %s group: %w", account, err)
	}
	log.Debug().Str("account", account).Str("message_id", id).Msg("handlers.MessageHandler sent to notification key")
	return nil
}
