package ccs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Router maps action tags to handlers. Each tag may be registered once.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register binds action to h. Registering a tag twice fails with
// ErrActionExists.
func (r *Router) Register(action string, h Handler) error {
	if h == nil {
		return ErrHandlerNil
	}
	if strings.TrimSpace(action) == "" || action != strings.TrimSpace(action) {
		return fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[action]; ok {
		return fmt.Errorf("%w: %s", ErrActionExists, action)
	}
	r.handlers[action] = h
	return nil
}

func (r *Router) Resolve(action string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[action]
	return h, ok
}

// Actions lists registered tags in sorted order.
func (r *Router) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for action := range r.handlers {
		out = append(out, action)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the handler for msg's action. A message without an action
// is accepted with no handler. The handler's error is returned unchanged.
func (r *Router) Dispatch(ctx context.Context, msg Message) error {
	action, ok := msg.Action()
	if !ok {
		log.Debug().Str("message_id", msg.MessageID).Str("from", msg.From).Msg("ccs.Router.Dispatch no action")
		return nil
	}
	h, ok := r.Resolve(action)
	if !ok {
		return &UnknownActionError{Action: action}
	}
	log.Debug().Str("message_id", msg.MessageID).Str("action", action).Msg("ccs.Router.Dispatch")
	return h.Process(ctx, msg)
}
