// Chatroom HTTP handlers.
//
// This file exposes REST endpoints for chatroom resources:
//   - POST   /chatrooms        (create)
//   - GET    /chatrooms        (list, cache-backed, ETag support)
//   - GET    /chatrooms/{id}   (get one)
//   - DELETE /chatrooms/{id}   (delete with messages)
//
// Handlers are transport-thin: they bind input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chatroom-backend/internal/domain"
)

// CreateChatroomRequest is the JSON payload for creating a chatroom.
type CreateChatroomRequest struct {
	// Name is the chatroom name (1–100 characters after trimming).
	Name string `json:"name"`
}

// ListChatroomsResponse is the chatroom listing.
type ListChatroomsResponse struct {
	Chatrooms []domain.ChatroomSummary `json:"chatrooms"`
	// Cached reports whether the listing was served from the listing cache.
	Cached bool `json:"cached"`
}

// listingETag derives a weak validator from the listing itself so a cache
// hit costs no store round trip.
func listingETag(userID string, rooms []domain.ChatroomSummary) string {
	var newest int64
	for _, r := range rooms {
		if ts := r.CreatedAt.UnixNano(); ts > newest {
			newest = ts
		}
	}
	return fmt.Sprintf(`W/"chatrooms:%s:%d:%d"`, userID, len(rooms), newest)
}

// CreateChatroom creates a chatroom owned by the caller. 201 on success.
func (h *Handlers) CreateChatroom(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	var req CreateChatroomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	room, err := h.roomSvc.Create(c.Request.Context(), uid, req.Name)
	if err != nil {
		failFor(c, err, ErrCodeCreateFailed)
		return
	}
	ok(c, http.StatusCreated, room)
}

// ListChatrooms returns the caller's chatrooms, newest first. Supports a weak
// ETag via If-None-Match and may return 304.
func (h *Handlers) ListChatrooms(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}

	listing, err := h.roomSvc.List(c.Request.Context(), uid)
	if err != nil {
		failFor(c, err, ErrCodeListFailed)
		return
	}
	rooms := listing.Chatrooms
	if rooms == nil {
		rooms = []domain.ChatroomSummary{}
	}
	if notModified(c, listingETag(uid, rooms)) {
		return
	}
	ok(c, http.StatusOK, ListChatroomsResponse{Chatrooms: rooms, Cached: listing.Cached})
}

// GetChatroom returns one chatroom owned by the caller. Another user's
// chatroom is reported as 404.
func (h *Handlers) GetChatroom(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	id, okID := chatroomParam(c)
	if !okID {
		return
	}

	room, err := h.roomSvc.Get(c.Request.Context(), uid, id)
	if err != nil {
		failFor(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, room)
}

// DeleteChatroom deletes a chatroom owned by the caller and its messages.
func (h *Handlers) DeleteChatroom(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	id, okID := chatroomParam(c)
	if !okID {
		return
	}

	if err := h.roomSvc.Delete(c.Request.Context(), uid, id); err != nil {
		failFor(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}
