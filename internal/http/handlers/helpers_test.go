package handlers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-chatroom-backend/internal/domain"
	"github.com/tbourn/go-chatroom-backend/internal/queue"
	"github.com/tbourn/go-chatroom-backend/internal/repo"
	"github.com/tbourn/go-chatroom-backend/internal/services"
)

// ---------- test DB + repo shim ----------

func newTestDB(t *testing.T, users map[string]domain.Tier) *gorm.DB {
	t.Helper()

	// Unique DSN per call to avoid cross-test contamination
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for id, tier := range users {
		if err := db.Create(&domain.User{ID: id, SubscriptionTier: tier}).Error; err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	return db
}

// Minimal shim implementing services.ChatroomRepo using the repo package (like router.go)
type testRoomRepo struct{}

func (testRoomRepo) CreateChatroom(ctx context.Context, db *gorm.DB, userID, name string) (*domain.Chatroom, error) {
	return repo.CreateChatroom(ctx, db, userID, name)
}

func (testRoomRepo) ListChatrooms(ctx context.Context, db *gorm.DB, userID string) ([]domain.Chatroom, error) {
	return repo.ListChatrooms(ctx, db, userID)
}

func (testRoomRepo) GetChatroom(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Chatroom, error) {
	return repo.GetChatroom(ctx, db, id, userID)
}

func (testRoomRepo) DeleteChatroom(ctx context.Context, db *gorm.DB, id, userID string) error {
	return repo.DeleteChatroom(ctx, db, id, userID)
}

// asUser plays the part of middleware.Authenticate.
func asUser(uid string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", "rid-test")
		if uid != "" {
			c.Set("userID", uid)
		}
		c.Next()
	}
}

// ---------- stubs ----------

type stubRoomSvc struct {
	create func(context.Context, string, string) (*domain.Chatroom, error)
	list   func(context.Context, string) (services.ChatroomListing, error)
	get    func(context.Context, string, string) (*domain.Chatroom, error)
	del    func(context.Context, string, string) error
}

func (s stubRoomSvc) Create(ctx context.Context, u, name string) (*domain.Chatroom, error) {
	if s.create != nil {
		return s.create(ctx, u, name)
	}
	return &domain.Chatroom{ID: uuid.NewString(), UserID: u, Name: name}, nil
}

func (s stubRoomSvc) List(ctx context.Context, u string) (services.ChatroomListing, error) {
	if s.list != nil {
		return s.list(ctx, u)
	}
	return services.ChatroomListing{}, nil
}

func (s stubRoomSvc) Get(ctx context.Context, u, id string) (*domain.Chatroom, error) {
	if s.get != nil {
		return s.get(ctx, u, id)
	}
	return &domain.Chatroom{ID: id, UserID: u}, nil
}

func (s stubRoomSvc) Delete(ctx context.Context, u, id string) error {
	if s.del != nil {
		return s.del(ctx, u, id)
	}
	return nil
}

type stubMsgSvc struct {
	send func(context.Context, services.SendInput) (services.SendResult, error)
	list func(context.Context, string, string, int, int) ([]domain.Message, int64, error)
}

func (s stubMsgSvc) Send(ctx context.Context, in services.SendInput) (services.SendResult, error) {
	if s.send != nil {
		return s.send(ctx, in)
	}
	return services.SendResult{}, nil
}

func (s stubMsgSvc) ListPage(ctx context.Context, u, id string, p, ps int) ([]domain.Message, int64, error) {
	if s.list != nil {
		return s.list(ctx, u, id, p, ps)
	}
	return nil, 0, nil
}

type stubQuotaSvc struct {
	status func(context.Context, string) (services.QuotaStatus, error)
}

func (s stubQuotaSvc) Status(ctx context.Context, u string) (services.QuotaStatus, error) {
	if s.status != nil {
		return s.status(ctx, u)
	}
	return services.QuotaStatus{}, nil
}

type stubSubSvc struct {
	apply func(context.Context, services.Notification) (bool, error)
}

func (s stubSubSvc) Apply(ctx context.Context, n services.Notification) (bool, error) {
	if s.apply != nil {
		return s.apply(ctx, n)
	}
	return true, nil
}

// memQueue is an in-memory queue.Queue; only Enqueue and the read-side
// operator calls are exercised by handlers.
type memQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
	dead []queue.DeadLetter
	err  error
}

func (q *memQueue) Enqueue(_ context.Context, job queue.Job) (queue.Job, error) {
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

func (q *memQueue) Dequeue(ctx context.Context) (*queue.Delivery, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (q *memQueue) Ack(context.Context, *queue.Delivery) error { return nil }

func (q *memQueue) Nack(context.Context, *queue.Delivery, error) (bool, error) { return false, nil }

func (q *memQueue) Release(context.Context, *queue.Delivery) error { return nil }

func (q *memQueue) DeadLetters(_ context.Context, limit int) ([]queue.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	return q.dead[:min(limit, len(q.dead))], nil
}

func (q *memQueue) Stats(context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return queue.Stats{Pending: int64(len(q.jobs)), Dead: int64(len(q.dead))}, nil
}

func (q *memQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
