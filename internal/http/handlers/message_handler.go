// Message HTTP handlers.
//
// This file exposes REST endpoints for chatroom messages:
//   - POST /chatrooms/{id}/messages   (admit a user message; reply is generated asynchronously)
//   - GET  /chatrooms/{id}/messages   (list paginated messages, oldest first)
//
// Handlers are transport-thin:
//   - bind inputs and read the validated Idempotency-Key
//   - delegate to application services (MessageService)
//   - implement conditional responses (ETag)
//
// Idempotency:
// If the client supplies an Idempotency-Key header and the same key was
// admitted for (user, chatroom) within its TTL, the originally stored user
// message is returned with `Idempotency-Replayed: true`, no quota is charged
// and nothing is enqueued.
package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chatroom-backend/internal/domain"
	"github.com/tbourn/go-chatroom-backend/internal/http/middleware"
	"github.com/tbourn/go-chatroom-backend/internal/services"
)

// StatusProcessing is reported for an admitted message whose reply is pending.
const StatusProcessing = "processing"

//
// DTOs
//

// PostMessageRequest is the JSON payload for sending a user message.
//
// Content is normalized by the service (line endings, Unicode form, excessive
// blank lines) and must be non-empty and within the configured rune limit.
type PostMessageRequest struct {
	Content string `json:"content"`
}

// PostMessageResponse acknowledges an admitted message.
type PostMessageResponse struct {
	// Message is the stored user message.
	Message *domain.Message `json:"message"`
	// Status is always "processing"; the reply appears in the listing later.
	Status string `json:"status"`
	// JobID identifies the generation job; empty on an idempotent replay.
	JobID string `json:"job_id,omitempty"`
}

// ListMessagesResponse contains a page of chatroom messages and pagination metadata.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

//
// Handlers
//

// PostMessage admits a message into the caller's chatroom and answers 202
// immediately. 429 quota_exceeded carries Retry-After until the next UTC
// midnight.
func (h *Handlers) PostMessage(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	chatroomID, okID := chatroomParam(c)
	if !okID {
		return
	}

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	idemKey, _ := middleware.GetIdempotencyKey(c)
	res, err := h.msgSvc.Send(c.Request.Context(), services.SendInput{
		UserID:         uid,
		ChatroomID:     chatroomID,
		Content:        req.Content,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		failFor(c, err, ErrCodeSendFailed)
		return
	}

	if res.Replayed {
		c.Header("Idempotency-Replayed", "true")
	}
	ok(c, http.StatusAccepted, PostMessageResponse{
		Message: res.Message,
		Status:  StatusProcessing,
		JobID:   res.JobID,
	})
}

// ListMessages returns a page of the chatroom's messages in chronological
// order. Supports a weak ETag via If-None-Match and may return 304.
func (h *Handlers) ListMessages(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	chatroomID, okID := chatroomParam(c)
	if !okID {
		return
	}
	ctx := c.Request.Context()
	page, pageSize := clampPagination(c)

	// The page query checks ownership, so the ETag is only computed after it.
	items, total, err := h.msgSvc.ListPage(ctx, uid, chatroomID, page, pageSize)
	if err != nil {
		failFor(c, err, ErrCodeListFailed)
		return
	}

	if h.MessageStats != nil {
		if count, maxTS, serr := h.MessageStats(ctx, chatroomID); serr == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.UnixNano()
			}
			etag := fmt.Sprintf(`W/"messages:%s:%d:%d:%d:%d"`, chatroomID, count, ts, page, pageSize)
			if notModified(c, etag) {
				return
			}
		}
	}

	if items == nil {
		items = []domain.Message{}
	}
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages:   items,
		Pagination: newPagination(page, pageSize, total),
	})
}
