package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tbourn/go-chatroom-backend/internal/domain"
)

// BadgerCache keeps listings in an embedded BadgerDB using per-entry TTLs.
// It suits single-node deployments that already run the badger queue.
type BadgerCache struct {
	db *badger.DB
}

var _ ListingCache = (*BadgerCache)(nil)

// NewBadgerCache wraps db.
func NewBadgerCache(db *badger.DB) *BadgerCache {
	return &BadgerCache{db: db}
}

// Get implements ListingCache.
func (c *BadgerCache) Get(ctx context.Context, userID string) ([]domain.ChatroomSummary, bool, error) {
	var (
		list []domain.ChatroomSummary
		hit  bool
	)
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(Key(userID)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			out, err := decode(v)
			if err != nil {
				return err
			}
			list, hit = out, true
			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return list, hit, nil
}

// Put implements ListingCache.
func (c *BadgerCache) Put(ctx context.Context, userID string, list []domain.ChatroomSummary, ttl time.Duration) error {
	b, err := encode(list)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(Key(userID)), b).WithTTL(ttl))
	})
}

// Invalidate implements ListingCache.
func (c *BadgerCache) Invalidate(ctx context.Context, userID string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(Key(userID)))
	})
}
