package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-chatroom-backend/internal/domain"
	"github.com/tbourn/go-chatroom-backend/internal/queue"
	"github.com/tbourn/go-chatroom-backend/internal/repo"
)

// ---------- test helpers ----------

// newSvcDB opens a private in-memory database with the full schema and
// seeds one user per entry of tiers.
func newSvcDB(t *testing.T, tiers map[string]domain.Tier) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	for id, tier := range tiers {
		if err := db.Create(&domain.User{ID: id, SubscriptionTier: tier}).Error; err != nil {
			t.Fatalf("seed user %s: %v", id, err)
		}
	}
	return db
}

func mustChatroom(t *testing.T, db *gorm.DB, userID, name string) *domain.Chatroom {
	t.Helper()
	room, err := repo.CreateChatroom(context.Background(), db, userID, name)
	if err != nil {
		t.Fatalf("create chatroom: %v", err)
	}
	return room
}

func fixedClock(at time.Time) func() time.Time { return func() time.Time { return at } }

// fakeQueue records enqueued jobs; only Enqueue is exercised by services.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, job queue.Job) (queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return queue.Job{}, q.err
	}
	job.ID = uuid.NewString()
	job.EnqueuedAt = time.Now().UTC()
	q.jobs = append(q.jobs, job)
	return job, nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (*queue.Delivery, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (q *fakeQueue) Ack(context.Context, *queue.Delivery) error { return nil }

func (q *fakeQueue) Nack(context.Context, *queue.Delivery, error) (bool, error) { return false, nil }

func (q *fakeQueue) Release(context.Context, *queue.Delivery) error { return nil }

func (q *fakeQueue) DeadLetters(context.Context, int) ([]queue.DeadLetter, error) { return nil, nil }

func (q *fakeQueue) Stats(context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return queue.Stats{Pending: int64(len(q.jobs))}, nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// fakeCache is an in-memory ListingCache with switchable failures.
type fakeCache struct {
	mu          sync.Mutex
	entries     map[string][]domain.ChatroomSummary
	gets        int
	invalidated []string
	getErr      error
	putErr      error
	invErr      error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string][]domain.ChatroomSummary{}}
}

func (c *fakeCache) Get(_ context.Context, userID string) ([]domain.ChatroomSummary, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	v, ok := c.entries[userID]
	return v, ok, nil
}

func (c *fakeCache) Put(_ context.Context, userID string, list []domain.ChatroomSummary, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.putErr != nil {
		return c.putErr
	}
	c.entries[userID] = list
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, userID)
	if c.invErr != nil {
		return c.invErr
	}
	delete(c.entries, userID)
	return nil
}

func (c *fakeCache) has(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[userID]
	return ok
}

var errBoom = errors.New("boom")

// repoFuncs adapts the repo package to ChatroomRepo.
type repoFuncs struct{}

func (repoFuncs) CreateChatroom(ctx context.Context, db *gorm.DB, userID, name string) (*domain.Chatroom, error) {
	return repo.CreateChatroom(ctx, db, userID, name)
}

func (repoFuncs) ListChatrooms(ctx context.Context, db *gorm.DB, userID string) ([]domain.Chatroom, error) {
	return repo.ListChatrooms(ctx, db, userID)
}

func (repoFuncs) GetChatroom(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Chatroom, error) {
	return repo.GetChatroom(ctx, db, id, userID)
}

func (repoFuncs) DeleteChatroom(ctx context.Context, db *gorm.DB, id, userID string) error {
	return repo.DeleteChatroom(ctx, db, id, userID)
}
