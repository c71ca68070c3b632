// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message model.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-chatroom-backend/internal/domain"
)

// CreateMessage inserts a user-authored message.
func CreateMessage(ctx context.Context, db *gorm.DB, chatroomID, userID, content string) (*domain.Message, error) {
	m := &domain.Message{
		ID:         uuid.NewString(),
		ChatroomID: chatroomID,
		UserID:     userID,
		Content:    content,
		IsFromUser: true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Omit("Chatroom").Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// CreateReply inserts a generated reply to originID. A second reply to the
// same origin returns ErrDuplicate.
func CreateReply(ctx context.Context, db *gorm.DB, chatroomID, userID, originID, content string) (*domain.Message, error) {
	origin := originID
	m := &domain.Message{
		ID:         uuid.NewString(),
		ChatroomID: chatroomID,
		UserID:     userID,
		Content:    content,
		IsFromUser: false,
		ReplyToID:  &origin,
		CreatedAt:  time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Omit("Chatroom").Create(m).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return m, nil
}

// FindReply returns the reply generated for originID, or ErrNotFound.
func FindReply(ctx context.Context, db *gorm.DB, originID string) (*domain.Message, error) {
	var m domain.Message
	err := db.WithContext(ctx).Where("reply_to_id = ?", originID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteMessage removes a single message. It exists only to undo an
// admission whose enqueue failed.
func DeleteMessage(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Message{}).Error
}

// ListMessages returns messages ordered deterministically (CreatedAt ASC, ID ASC).
func ListMessages(ctx context.Context, db *gorm.DB, chatroomID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).Where("chatroom_id = ?", chatroomID).Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, chatroomID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw("SELECT COUNT(*) FROM messages WHERE chatroom_id = ?", chatroomID).Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice ordered (CreatedAt ASC, ID ASC).
func ListMessagesPage(ctx context.Context, db *gorm.DB, chatroomID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("chatroom_id = ?", chatroomID).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
