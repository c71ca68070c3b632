// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the Idempotency
// model used to implement safe-retry semantics for message submission.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-chatroom-backend/internal/domain"
)

// GetIdempotency returns a non-expired record or ErrNotFound.
func GetIdempotency(ctx context.Context, db *gorm.DB, userID, chatroomID, key string, now time.Time) (*domain.Idempotency, error) {
	if strings.TrimSpace(chatroomID) == "" {
		return nil, ErrNotFound
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("user_id = ? AND chatroom_id = ? AND key = ? AND expires_at > ?", userID, chatroomID, key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateIdempotency inserts a record and returns ErrDuplicate on unique violation.
func CreateIdempotency(ctx context.Context, db *gorm.DB, userID, chatroomID, key, messageID string, status int, ttl time.Duration) (*domain.Idempotency, error) {
	now := time.Now().UTC()
	rec := &domain.Idempotency{
		ID:         uuid.NewString(),
		UserID:     userID,
		ChatroomID: chatroomID,
		Key:        key,
		MessageID:  messageID,
		Status:     status,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// PurgeExpiredIdempotency deletes records whose window has passed.
func PurgeExpiredIdempotency(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.Idempotency{})
	return res.RowsAffected, res.Error
}

// DeleteIdempotency removes the record for (userID, chatroomID, key).
func DeleteIdempotency(ctx context.Context, db *gorm.DB, userID, chatroomID, key string) error {
	return db.WithContext(ctx).
		Where("user_id = ? AND chatroom_id = ? AND key = ?", userID, chatroomID, key).
		Delete(&domain.Idempotency{}).Error
}

// ReleaseExpiredIdempotency drops an expired record for the key so it can be
// reused. Live records are left alone.
func ReleaseExpiredIdempotency(ctx context.Context, db *gorm.DB, userID, chatroomID, key string, now time.Time) error {
	return db.WithContext(ctx).
		Where("user_id = ? AND chatroom_id = ? AND key = ? AND expires_at <= ?", userID, chatroomID, key, now).
		Delete(&domain.Idempotency{}).Error
}
