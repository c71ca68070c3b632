// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Chatroom
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a chatroom is not found, or exists but belongs to another user,
//     functions return ErrNotFound. Cross-tenant lookups are indistinguishable
//     from missing rows.
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// Usage:
//
//	room, err := repo.GetChatroom(ctx, db, id, userID)
//	if errors.Is(err, repo.ErrNotFound) {
//	    // 404
//	}
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-chatroom-backend/internal/domain"
)

// CreateChatroom inserts a new Chatroom owned by userID.
// The ID is a random UUID and CreatedAt is set to UTC.
func CreateChatroom(ctx context.Context, db *gorm.DB, userID, name string) (*domain.Chatroom, error) {
	c := &domain.Chatroom{
		ID:        uuid.NewString(),
		Name:      name,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Omit("User").Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// ListChatrooms returns all chatrooms belonging to userID, most recent first.
func ListChatrooms(ctx context.Context, db *gorm.DB, userID string) ([]domain.Chatroom, error) {
	var out []domain.Chatroom
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc, id desc").
		Find(&out).Error
	return out, err
}

// GetChatroom fetches a chatroom by ID and owner.
func GetChatroom(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Chatroom, error) {
	var c domain.Chatroom
	err := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetChatroomByID fetches a chatroom regardless of owner. Only background
// processing uses it; request paths must go through GetChatroom.
func GetChatroomByID(ctx context.Context, db *gorm.DB, id string) (*domain.Chatroom, error) {
	var c domain.Chatroom
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteChatroom removes a chatroom owned by userID together with its
// messages. Messages are deleted explicitly in the same transaction so the
// cascade holds even when the driver does not enforce foreign keys.
// It returns ErrNotFound when nothing matched.
func DeleteChatroom(ctx context.Context, db *gorm.DB, id, userID string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c domain.Chatroom
		if err := tx.Where("id = ? AND user_id = ?", id, userID).First(&c).Error; err != nil {
			return err
		}
		if err := tx.Where("chatroom_id = ?", id).Delete(&domain.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("chatroom_id = ?", id).Delete(&domain.Idempotency{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ? AND user_id = ?", id, userID).Delete(&domain.Chatroom{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
