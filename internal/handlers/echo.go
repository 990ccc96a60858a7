package handlers

import (
	"context"

	"github.com/danmuck/ccsctl/internal/ccs"
	"github.com/rs/zerolog/log"
)

// EchoHandler sends the upstream payload back to its sender under a fresh
// message id.
type EchoHandler struct {
	Sender Sender
}

func (h *EchoHandler) Process(ctx context.Context, msg ccs.Message) error {
	idle := false
	id, err := h.Sender.SendMessage(ctx, ccs.Downstream{
		To:             msg.From,
		Payload:        msg.Payload,
		DelayWhileIdle: &idle,
	})
	if err != nil {
		return err
	}
	log.Debug().Str("from", msg.From).Str("message_id", msg.MessageID).Str("echo_id", id).Msg("handlers.EchoHandler echoed")
	return nil
}
