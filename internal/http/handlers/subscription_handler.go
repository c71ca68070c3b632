// Subscription and operator HTTP handlers.
//
//   - GET  /subscription/status        (caller's tier and daily usage)
//   - POST /internal/billing/events    (billing notification, shared-secret guarded)
//   - GET  /internal/dead-letters      (jobs that exhausted their attempts)
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/tbourn/go-chatroom-backend/internal/http/middleware"
	"github.com/tbourn/go-chatroom-backend/internal/queue"
	"github.com/tbourn/go-chatroom-backend/internal/services"
	"github.com/tbourn/go-chatroom-backend/internal/utils"
)

// ApplyBillingEventResponse reports whether a notification changed state.
// A replayed event id yields applied=false.
type ApplyBillingEventResponse struct {
	Applied bool `json:"applied"`
}

// DeadLetterView is the JSON form of a dead-lettered job.
type DeadLetterView struct {
	JobID      string    `json:"job_id"`
	ChatroomID string    `json:"chatroom_id"`
	UserID     string    `json:"user_id"`
	MessageID  string    `json:"message_id"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	DeadAt     time.Time `json:"dead_at"`
	Reason     string    `json:"reason"`
}

// DeadLettersResponse lists dead letters together with current queue depth.
type DeadLettersResponse struct {
	DeadLetters []DeadLetterView `json:"dead_letters"`
	Stats       *queue.Stats     `json:"stats,omitempty"`
}

// SubscriptionStatus returns the caller's tier, daily limit and usage.
func (h *Handlers) SubscriptionStatus(c *gin.Context) {
	uid, okUID := userID(c)
	if !okUID {
		return
	}
	st, err := h.quotaSvc.Status(c.Request.Context(), uid)
	if err != nil {
		failFor(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, st)
}

// ApplyBillingEvent applies a tier change reported by the billing provider.
func (h *Handlers) ApplyBillingEvent(c *gin.Context) {
	var n services.Notification
	if err := c.ShouldBindJSON(&n); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	applied, err := h.subSvc.Apply(c.Request.Context(), n)
	if err != nil {
		failFor(c, err, ErrCodeInternal)
		return
	}
	middleware.LoggerFrom(c).Info().
		Str("event_id", n.EventID).
		Str("user_id", n.UserID).
		Str("tier", string(n.Tier)).
		Bool("applied", applied).
		Msg("billing event")
	ok(c, http.StatusOK, ApplyBillingEventResponse{Applied: applied})
}

// ListDeadLetters returns up to ?limit (default 50, max 500) dead letters.
func (h *Handlers) ListDeadLetters(c *gin.Context) {
	const (
		defaultLimit = 50
		maxLimit     = 500
	)
	limit := utils.IntInRange(c.Query("limit"), defaultLimit, 1, maxLimit)

	ctx := c.Request.Context()
	dls, err := h.dead.DeadLetters(ctx, limit)
	if err != nil {
		middleware.LoggerFrom(c).Error().Err(err).Msg("list dead letters")
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "queue unavailable")
		return
	}
	resp := DeadLettersResponse{
		DeadLetters: lo.Map(dls, func(d queue.DeadLetter, _ int) DeadLetterView {
			return DeadLetterView{
				JobID:      d.Job.ID,
				ChatroomID: d.Job.ChatroomID,
				UserID:     d.Job.UserID,
				MessageID:  d.Job.MessageID,
				Attempts:   d.Job.Attempts,
				EnqueuedAt: d.Job.EnqueuedAt,
				DeadAt:     d.DeadAt,
				Reason:     d.Reason,
			}
		}),
	}
	if st, serr := h.dead.Stats(ctx); serr == nil {
		resp.Stats = &st
	}
	ok(c, http.StatusOK, resp)
}
