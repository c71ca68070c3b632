// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the User model,
// including the atomic daily-quota counter.
//
// Quota dates are UTC calendar days formatted as YYYY-MM-DD, so plain string
// comparison orders them correctly and "" (never sent) sorts before any day.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-chatroom-backend/internal/domain"
)

// DayLayout is the storage format of User.LastMessageDate.
const DayLayout = "2006-01-02"

// EnsureUser returns the user with the given id, inserting a Basic-tier row
// on first sight. Concurrent first requests race safely on the primary key.
func EnsureUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	now := time.Now().UTC()
	u := &domain.User{ID: id, SubscriptionTier: domain.TierBasic, CreatedAt: now, UpdatedAt: now}
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(u).Error; err != nil {
		return nil, err
	}
	return GetUser(ctx, db, id)
}

// GetUser fetches a user by id.
func GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// SetTier changes the subscription tier. It returns ErrNotFound if the user
// does not exist. Setting the current tier again is not an error.
func SetTier(ctx context.Context, db *gorm.DB, id string, tier domain.Tier) error {
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", id).
		Updates(map[string]any{"subscription_tier": tier, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeQuota atomically counts one send for day against limit.
//
// A single conditional UPDATE resets a stale counter to 1 or increments a
// current one, but only when the row is stale or still under limit. It
// reports false when the row exists and the limit is already reached; the
// database's row lock serializes concurrent callers for the same user.
func ConsumeQuota(ctx context.Context, db *gorm.DB, id, day string, limit int) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ? AND (last_message_date < ? OR daily_message_count < ?)", id, day, limit).
		Updates(map[string]any{
			"daily_message_count": gorm.Expr("CASE WHEN last_message_date < ? THEN 1 ELSE daily_message_count + 1 END", day),
			"last_message_date":   day,
			"updated_at":          time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RefundQuota gives back one send counted on day. It is a no-op once the
// day has rolled over or the counter is already zero.
func RefundQuota(ctx context.Context, db *gorm.DB, id, day string) error {
	return db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ? AND last_message_date = ? AND daily_message_count > 0", id, day).
		Updates(map[string]any{
			"daily_message_count": gorm.Expr("daily_message_count - 1"),
			"updated_at":          time.Now().UTC(),
		}).Error
}
