// Package handlers holds the reference upstream action handlers: ECHO,
// REGISTER, and MESSAGE.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/ccsctl/internal/ccs"
	"github.com/danmuck/ccsctl/internal/directory"
)

// DefaultActionPrefix is the namespace the sample device app uses for its
// action tags.
const DefaultActionPrefix = "com.grokkingandroid.sampleapp.samples.gcm"

const (
	ActionEcho     = "ECHO"
	ActionRegister = "REGISTER"
	ActionMessage  = "MESSAGE"

	// AccountKey is the payload key naming the sender's account.
	AccountKey = "account"
	// NotificationKeyNameKey is the payload key carrying the device group
	// key an account's recipients share.
	NotificationKeyNameKey = "notification_key_name"
)

var ErrAccountMissing = errors.New("handlers: payload has no account")

// Sender sends one downstream message.
type Sender interface {
	SendMessage(ctx context.Context, d ccs.Downstream) (string, error)
}

// Broadcaster fans one payload out to many recipients.
type Broadcaster interface {
	SendToMany(ctx context.Context, payload map[string]string, opts ccs.DeliveryOptions, recipients []string) ([]ccs.SendResult, error)
}

// ActionTag joins prefix and name with a dot; an empty prefix yields name.
func ActionTag(prefix, name string) string {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Install registers the three reference handlers on r under prefix.
func Install(r *ccs.Router, prefix string, session interface {
	Sender
	Broadcaster
}, store directory.Store) error {
	handlers := []struct {
		name string
		h    ccs.Handler
	}{
		{ActionEcho, &EchoHandler{Sender: session}},
		{ActionRegister, &RegisterHandler{Directory: store}},
		{ActionMessage, &MessageHandler{Directory: store, Sender: session, Broadcaster: session}},
	}
	for _, entry := range handlers {
		if err := r.Register(ActionTag(prefix, entry.name), entry.h); err != nil {
			return fmt.Errorf("install %s: %w", entry.name, err)
		}
	}
	return nil
}
