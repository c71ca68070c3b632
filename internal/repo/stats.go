// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the aggregate query behind the message
// listing ETag.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-chatroom-backend/internal/domain"
)

// MessagesStats returns the number of messages in chatroomID and the newest
// CreatedAt among them (nil when there are none). Messages are append-only,
// so the pair identifies the listing.
func MessagesStats(ctx context.Context, db *gorm.DB, chatroomID string) (count int64, latest *time.Time, err error) {
	return stats(db.WithContext(ctx).Model(&domain.Message{}).Where("chatroom_id = ?", chatroomID), &count)
}

func stats(q *gorm.DB, count *int64) (int64, *time.Time, error) {
	if err := q.Count(count).Error; err != nil {
		return 0, nil, err
	}
	if *count == 0 {
		return 0, nil, nil
	}

	// Get latest created_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		CreatedAt time.Time
	}
	if err := q.Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return *count, &row.CreatedAt, nil
}
