package handlers

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-chatroom-backend/internal/domain"
	"github.com/tbourn/go-chatroom-backend/internal/queue"
	"github.com/tbourn/go-chatroom-backend/internal/services"
	"github.com/tbourn/go-chatroom-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// ChatroomService defines chatroom lifecycle operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type ChatroomService interface {
	Create(ctx context.Context, userID, name string) (*domain.Chatroom, error)
	// List returns the caller's chatrooms, newest first, possibly from cache.
	List(ctx context.Context, userID string) (services.ChatroomListing, error)
	Get(ctx context.Context, userID, chatroomID string) (*domain.Chatroom, error)
	Delete(ctx context.Context, userID, chatroomID string) error
}

// MessageService admits messages and lists chatroom history.
type MessageService interface {
	Send(ctx context.Context, in services.SendInput) (services.SendResult, error)
	ListPage(ctx context.Context, userID, chatroomID string, page, pageSize int) ([]domain.Message, int64, error)
}

// QuotaService reports a caller's daily usage.
type QuotaService interface {
	Status(ctx context.Context, userID string) (services.QuotaStatus, error)
}

// SubscriptionService applies billing notifications.
type SubscriptionService interface {
	Apply(ctx context.Context, n services.Notification) (bool, error)
}

// DeadLetterSource exposes dead-lettered jobs for operators. queue.Queue
// satisfies it.
type DeadLetterSource interface {
	DeadLetters(ctx context.Context, limit int) ([]queue.DeadLetter, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for chatrooms, messages, subscription
// status and operator routes.
type Handlers struct {
	roomSvc  ChatroomService
	msgSvc   MessageService
	quotaSvc QuotaService
	subSvc   SubscriptionService
	dead     DeadLetterSource

	// MessageStats feeds the message-list ETag; nil disables it.
	MessageStats func(ctx context.Context, chatroomID string) (int64, *time.Time, error)
}

// New constructs and returns a Handlers instance bound to the given services.
func New(roomSvc ChatroomService, msgSvc MessageService, quotaSvc QuotaService, subSvc SubscriptionService, dead DeadLetterSource) *Handlers {
	return &Handlers{roomSvc: roomSvc, msgSvc: msgSvc, quotaSvc: quotaSvc, subSvc: subSvc, dead: dead}
}

// userID returns the authenticated caller set by middleware.Authenticate.
// When it is missing the request is rejected with 401 and ok is false.
func userID(c *gin.Context) (id string, ok bool) {
	if v, exists := c.Get("userID"); exists {
		if s, isStr := v.(string); isStr && s != "" {
			return s, true
		}
	}
	fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing caller")
	return "", false
}

// chatroomParam validates the :id path parameter as a UUID.
func chatroomParam(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "chatroom id must be a UUID")
		return "", false
	}
	return id, true
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.IntInRange(c.Query("page"), defaultPage, 1, math.MaxInt32)
	pageSize = utils.IntInRange(c.Query("page_size"), defaultPageSize, 1, maxPageSize)
	return
}

// notModified sets etag and reports whether the client's copy is current,
// in which case a 304 has been written.
func notModified(c *gin.Context, etag string) bool {
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}
