package ccs

import (
	"context"
	"errors"
	"fmt"
)

// BuildAck returns the acknowledgment envelope for an upstream message.
func BuildAck(to, messageID string) map[string]any {
	return buildReceipt(ReceiptAck, to, messageID)
}

// BuildNack returns the negative acknowledgment envelope for an upstream
// message.
func BuildNack(to, messageID string) map[string]any {
	return buildReceipt(ReceiptNack, to, messageID)
}

func buildReceipt(typ ReceiptType, to, messageID string) map[string]any {
	return map[string]any{
		keyMessageType: string(typ),
		keyTo:          to,
		keyMessageID:   messageID,
	}
}

// outcome maps a routing result to the receipt the broker should get.
func outcome(err error) ReceiptType {
	if err == nil {
		return ReceiptAck
	}
	return ReceiptNack
}

// process routes msg and converts handler failures, panics included, into a
// HandlerError. Unknown actions come back as *UnknownActionError.
func process(ctx context.Context, router *Router, msg Message) (err error) {
	action, _ := msg.Action()
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{
				Action:    action,
				MessageID: msg.MessageID,
				Err:       fmt.Errorf("%w: %v", ErrHandlerPanic, r),
			}
		}
	}()

	err = router.Dispatch(ctx, msg)
	if err == nil {
		return nil
	}
	var unknown *UnknownActionError
	if errors.As(err, &unknown) {
		return err
	}
	return &HandlerError{Action: action, MessageID: msg.MessageID, Err: err}
}
