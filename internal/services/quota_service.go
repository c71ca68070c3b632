// Package services – QuotaService
//
// QuotaService enforces the per-user daily send limit. Basic users get a
// fixed number of sends per UTC calendar day; Pro users are unlimited and
// their sends are not counted. The counter resets lazily: the first send of
// a new day overwrites the previous day's count in the same atomic update
// that counts it.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-chatroom-backend/internal/domain"
	"github.com/tbourn/go-chatroom-backend/internal/repo"
)

// DefaultBasicDailyLimit is the Basic-tier allowance per UTC day.
const DefaultBasicDailyLimit = 5

// QuotaDecision describes an admitted send so it can be refunded.
type QuotaDecision struct {
	Tier    domain.Tier
	Day     string // UTC day the send was counted against
	Counted bool   // false for tiers without a limit
}

// QuotaStatus is the caller-facing view of a user's allowance.
type QuotaStatus struct {
	Tier          domain.Tier `json:"tier"`
	DailyLimit    *int        `json:"daily_limit"` // nil = unlimited
	UsedToday     int         `json:"messages_used_today"`
	Remaining     *int        `json:"remaining"` // nil = unlimited
	LastResetDate string      `json:"last_reset_date,omitempty"`
	ResetsAt      time.Time   `json:"resets_at"`
}

// QuotaService tracks daily sends per user.
type QuotaService struct {
	DB         *gorm.DB
	DailyLimit int

	// Now is the clock; tests override it. Defaults to time.Now.
	Now func() time.Time
}

// NewQuotaService returns a QuotaService with the given Basic-tier limit.
func NewQuotaService(db *gorm.DB, dailyLimit int) *QuotaService {
	if dailyLimit < 1 {
		dailyLimit = DefaultBasicDailyLimit
	}
	return &QuotaService{DB: db, DailyLimit: dailyLimit, Now: time.Now}
}

func (s *QuotaService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// Today returns the current UTC day in storage format.
func (s *QuotaService) Today() string { return s.now().Format(repo.DayLayout) }

// NextReset returns the next UTC midnight after t.
func NextReset(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// CheckAndConsume admits or denies one send for userID using tx, so the
// count commits or rolls back with the caller's transaction. A denial is a
// *RateLimitError and has no side effects. Store failures are returned as
// errors: the quota fails closed.
func (s *QuotaService) CheckAndConsume(ctx context.Context, tx *gorm.DB, userID string) (QuotaDecision, error) {
	ctx, span := otel.Tracer("services/QuotaService").Start(ctx, "CheckAndConsume",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	u, err := repo.GetUser(ctx, tx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return QuotaDecision{}, ErrNotFound
	}
	if err != nil {
		return QuotaDecision{}, fmt.Errorf("load user: %w", err)
	}

	now := s.now()
	day := now.Format(repo.DayLayout)
	if u.SubscriptionTier == domain.TierPro {
		span.SetAttributes(attribute.Bool("quota.counted", false))
		return QuotaDecision{Tier: u.SubscriptionTier, Day: day}, nil
	}

	ok, err := repo.ConsumeQuota(ctx, tx, userID, day, s.DailyLimit)
	if err != nil {
		return QuotaDecision{}, fmt.Errorf("consume quota: %w", err)
	}
	if !ok {
		span.SetAttributes(attribute.Bool("quota.denied", true))
		return QuotaDecision{}, &RateLimitError{Limit: s.DailyLimit, RetryAfter: NextReset(now)}
	}
	span.SetAttributes(attribute.Bool("quota.counted", true))
	return QuotaDecision{Tier: u.SubscriptionTier, Day: day, Counted: true}, nil
}

// Refund returns a counted send. It is used when a send was admitted but
// could not be handed to the dispatch queue.
func (s *QuotaService) Refund(ctx context.Context, tx *gorm.DB, userID string, d QuotaDecision) error {
	if !d.Counted {
		return nil
	}
	return repo.RefundQuota(ctx, tx, userID, d.Day)
}

// LimitFor returns the daily limit for tier, or nil when unlimited.
func (s *QuotaService) LimitFor(tier domain.Tier) *int {
	if tier == domain.TierPro {
		return nil
	}
	n := s.DailyLimit
	return &n
}

// Status reports the user's tier and today's usage. A count recorded on an
// earlier day is reported as zero.
func (s *QuotaService) Status(ctx context.Context, userID string) (QuotaStatus, error) {
	u, err := repo.GetUser(ctx, s.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return QuotaStatus{}, ErrNotFound
	}
	if err != nil {
		return QuotaStatus{}, err
	}

	now := s.now()
	used := 0
	if u.LastMessageDate == now.Format(repo.DayLayout) {
		used = u.DailyMessageCount
	}
	st := QuotaStatus{
		Tier:          u.SubscriptionTier,
		DailyLimit:    s.LimitFor(u.SubscriptionTier),
		UsedToday:     used,
		LastResetDate: u.LastMessageDate,
		ResetsAt:      NextReset(now),
	}
	if st.DailyLimit != nil {
		left := max(*st.DailyLimit-used, 0)
		st.Remaining = &left
	}
	return st, nil
}
