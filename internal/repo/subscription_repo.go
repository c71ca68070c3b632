// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file records processed billing notifications.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-chatroom-backend/internal/domain"
)

// CreateSubscriptionEvent stores eventID as processed. A replayed event id
// returns ErrDuplicate.
func CreateSubscriptionEvent(ctx context.Context, db *gorm.DB, eventID, userID string, tier domain.Tier) (*domain.SubscriptionEvent, error) {
	ev := &domain.SubscriptionEvent{
		ID:        uuid.NewString(),
		EventID:   eventID,
		UserID:    userID,
		Tier:      tier,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(ev).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return ev, nil
}
