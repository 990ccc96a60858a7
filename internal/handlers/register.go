package handlers

import (
	"context"
	"strings"

	"github.com/danmuck/ccsctl/internal/ccs"
	"github.com/danmuck/ccsctl/internal/directory"
	"github.com/rs/zerolog/log"
)

// RegisterHandler records the sender, and its account when the payload names
// one. A notification key name in the payload is stored for the account.
// Redelivered registrations are harmless.
type RegisterHandler struct {
	Directory directory.Store
}

func (h *RegisterHandler) Process(ctx context.Context, msg ccs.Message) error {
	account := msg.Payload[AccountKey]
	if err := h.Directory.AddRegistration(ctx, msg.From, account); err != nil {
		return err
	}
	if keyName := strings.TrimSpace(msg.Payload[NotificationKeyNameKey]); keyName != "" {
		if account == "" {
			return ErrAccountMissing
		}
		if err := h.Directory.StoreNotificationKeyName(ctx, account, keyName); err != nil {
			return err
		}
	}
	log.Info().Str("from", msg.From).Str("account", account).Msg("handlers.RegisterHandler registered")
	return nil
}
