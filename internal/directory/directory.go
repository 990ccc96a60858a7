// Package directory records which recipients belong to which accounts.
//
// Every lookup returns a fresh, sorted slice; later writes never change a
// slice already handed out.
package directory

import (
	"context"
	"errors"
)

var (
	ErrRecipientRequired       = errors.New("directory: recipient id required")
	ErrAccountRequired         = errors.New("directory: account id required")
	ErrAccountNotFound         = errors.New("directory: account not found")
	ErrNotificationKeyNotFound = errors.New("directory: notification key not found")
	ErrNotificationKeyRequired = errors.New("directory: notification key required")
)

// Store is the registration directory. Implementations are safe for
// concurrent use.
type Store interface {
	// AddRegistration records recipientID, and its membership in accountID
	// when accountID is non-empty. Repeating a registration is a no-op.
	AddRegistration(ctx context.Context, recipientID, accountID string) error
	AllRegistrationIDs(ctx context.Context) ([]string, error)
	// RegistrationIDsForAccount fails with ErrAccountNotFound for an account
	// that was never registered.
	RegistrationIDsForAccount(ctx context.Context, accountID string) ([]string, error)
	Accounts(ctx context.Context) ([]string, error)
	NotificationKeyName(ctx context.Context, accountID string) (string, error)
	StoreNotificationKeyName(ctx context.Context, accountID, keyName string) error
	Close() error
}
