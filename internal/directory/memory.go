package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is a volatile Store.
type MemoryStore struct {
	mu         sync.RWMutex
	recipients map[string]struct{}
	accounts   map[string]map[string]struct{}
	keys       map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		recipients: make(map[string]struct{}),
		accounts:   make(map[string]map[string]struct{}),
		keys:       make(map[string]string),
	}
}

func (m *MemoryStore) AddRegistration(ctx context.Context, recipientID, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	recipientID = strings.TrimSpace(recipientID)
	accountID = strings.TrimSpace(accountID)
	if recipientID == "" {
		return ErrRecipientRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipients[recipientID] = struct{}{}
	if accountID == "" {
		return nil
	}
	members, ok := m.accounts[accountID]
	if !ok {
		members = make(map[string]struct{})
		m.accounts[accountID] = members
	}
	members[recipientID] = struct{}{}
	return nil
}

func (m *MemoryStore) AllRegistrationIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.recipients), nil
}

func (m *MemoryStore) RegistrationIDsForAccount(ctx context.Context, accountID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	members, ok := m.accounts[strings.TrimSpace(accountID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return sortedKeys(members), nil
}

func (m *MemoryStore) Accounts(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.accounts))
	for account := range m.accounts {
		out = append(out, account)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) NotificationKeyName(ctx context.Context, accountID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[strings.TrimSpace(accountID)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotificationKeyNotFound, accountID)
	}
	return key, nil
}

func (m *MemoryStore) StoreNotificationKeyName(ctx context.Context, accountID, keyName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ErrAccountRequired
	}
	if strings.TrimSpace(keyName) == "" {
		return ErrNotificationKeyRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[accountID] = keyName
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
