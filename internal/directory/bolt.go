package directory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecipients = []byte("recipients")
	bucketAccounts   = []byte("accounts")
	bucketKeys       = []byte("notification_keys")
)

// BoltStore is a Store persisted in a bbolt file. Accounts are nested
// buckets under "accounts" whose keys are recipient ids, so bbolt's key
// order gives sorted results for free.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the directory file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("directory: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRecipients, bucketAccounts, bucketKeys} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("directory: init %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("directory.OpenBoltStore opened")
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) AddRegistration(ctx context.Context, recipientID, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	recipientID = strings.TrimSpace(recipientID)
	accountID = strings.TrimSpace(accountID)
	if recipientID == "" {
		return ErrRecipientRequired
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRecipients).Put([]byte(recipientID), nil); err != nil {
			return err
		}
		if accountID == "" {
			return nil
		}
		members, err := tx.Bucket(bucketAccounts).CreateBucketIfNotExists([]byte(accountID))
		if err != nil {
			return err
		}
		return members.Put([]byte(recipientID), nil)
	})
}

func (b *BoltStore) AllRegistrationIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	err := b.db.View(func(tx *bolt.Tx) error {
		out = keys(tx.Bucket(bucketRecipients))
		return nil
	})
	return out, err
}

func (b *BoltStore) RegistrationIDsForAccount(ctx context.Context, accountID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	err := b.db.View(func(tx *bolt.Tx) error {
		members := tx.Bucket(bucketAccounts).Bucket([]byte(strings.TrimSpace(accountID)))
		if members == nil {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
		out = keys(members)
		return nil
	})
	return out, err
}

func (b *BoltStore) Accounts(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	err := b.db.View(func(tx *bolt.Tx) error {
		out = keys(tx.Bucket(bucketAccounts))
		return nil
	})
	return out, err
}

func (b *BoltStore) NotificationKeyName(ctx context.Context, accountID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var key string
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKeys).Get([]byte(strings.TrimSpace(accountID)))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotificationKeyNotFound, accountID)
		}
		key = string(v)
		return nil
	})
	return key, err
}

func (b *BoltStore) StoreNotificationKeyName(ctx context.Context, accountID, keyName string) error {
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
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).Put([]byte(accountID), []byte(keyName))
	})
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}

// keys copies every key of bkt; bbolt memory is only valid inside the
// transaction.
func keys(bkt *bolt.Bucket) []string {
	out := []string{}
	_ = bkt.ForEach(func(k, _ []byte) error {
		out = append(out, string(k))
		return nil
	})
	return out
}
