package ccs

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingMessage tracks one downstream message awaiting its receipt.
type PendingMessage struct {
	MessageID string
	To        string
	QueuedAt  time.Time
}

// PendingTracker holds outstanding downstream message ids. A max of zero
// leaves it unbounded.
type PendingTracker struct {
	mu    sync.RWMutex
	items map[string]PendingMessage
	max   int
}

func NewPendingTracker(max int) *PendingTracker {
	return &PendingTracker{
		items: make(map[string]PendingMessage),
		max:   max,
	}
}

// Reserve generates an id not currently outstanding and records it in one
// step, so concurrent senders never share an id.
func (p *PendingTracker) Reserve(gen *IDGenerator, to string, at time.Time) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkCapacityLocked(); err != nil {
		return "", err
	}
	id, err := gen.Next(func(id string) bool {
		_, ok := p.items[id]
		return ok
	})
	if err != nil {
		return "", err
	}
	p.items[id] = PendingMessage{MessageID: id, To: to, QueuedAt: at}
	return id, nil
}

// Track records a caller-assigned id. An id that is still outstanding is
// rejected with ErrMessageIDInUse.
func (p *PendingTracker) Track(item PendingMessage) error {
	if strings.TrimSpace(item.MessageID) == "" {
		return ErrInvalidMessageID
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.items[item.MessageID]; ok {
		return fmt.Errorf("%w: id=%s", ErrMessageIDInUse, item.MessageID)
	}
	if err := p.checkCapacityLocked(); err != nil {
		return err
	}
	p.items[item.MessageID] = item
	return nil
}

func (p *PendingTracker) checkCapacityLocked() error {
	if p.max > 0 && len(p.items) >= p.max {
		return fmt.Errorf("%w: limit=%d", ErrTooManyPending, p.max)
	}
	return nil
}

// Release forgets an id and returns what was tracked for it.
func (p *PendingTracker) Release(id string) (PendingMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[id]
	if ok {
		delete(p.items, id)
	}
	return item, ok
}

// Drain forgets every outstanding id and returns them ordered by id.
func (p *PendingTracker) Drain() []PendingMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := sortedItems(p.items)
	p.items = make(map[string]PendingMessage)
	return out
}

func (p *PendingTracker) Contains(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.items[id]
	return ok
}

func (p *PendingTracker) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

// List returns a snapshot ordered by id.
func (p *PendingTracker) List() []PendingMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedItems(p.items)
}

func sortedItems(items map[string]PendingMessage) []PendingMessage {
	out := make([]PendingMessage, 0, len(items))
	for _, item := range items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MessageID < out[j].MessageID
	})
	return out
}
