// Package cache holds the chatroom listing cache: a per-user, TTL-bounded
// copy of the chatroom list that is refilled on read and dropped on every
// chatroom create or delete.
//
// The cache is advisory. Callers treat every error as a miss and fall back
// to the store.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tbourn/go-chatroom-backend/internal/domain"
)

// DefaultTTL bounds how long a listing may be served without a store read.
const DefaultTTL = 300 * time.Second

// ListingCache caches a user's chatroom summaries.
type ListingCache interface {
	// Get returns the cached listing and whether it was present.
	Get(ctx context.Context, userID string) ([]domain.ChatroomSummary, bool, error)
	// Put stores list for ttl.
	Put(ctx context.Context, userID string, list []domain.ChatroomSummary, ttl time.Duration) error
	// Invalidate drops the user's listing.
	Invalidate(ctx context.Context, userID string) error
}

// Key returns the cache key for a user's chatroom listing.
func Key(userID string) string {
	return "chatrooms:user:" + userID
}

func encode(list []domain.ChatroomSummary) ([]byte, error) {
	if list == nil {
		list = []domain.ChatroomSummary{}
	}
	return json.Marshal(list)
}

func decode(b []byte) ([]domain.ChatroomSummary, error) {
	var out []domain.ChatroomSummary
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Noop never stores anything. It backs CACHE_BACKEND=none.
type Noop struct{}

var _ ListingCache = Noop{}

func (Noop) Get(context.Context, string) ([]domain.ChatroomSummary, bool, error) {
	return nil, false, nil
}

func (Noop) Put(context.Context, string, []domain.ChatroomSummary, time.Duration) error {
	return nil
}

func (Noop) Invalidate(context.Context, string) error { return nil }
