package domain

import "time"

// Idempotency represents a recorded result of a previously accepted send,
// keyed by (user_id, chatroom_id, key). A client retrying POST
// /chatrooms/:id/messages with the same Idempotency-Key gets the originally
// stored message back without consuming quota or enqueueing twice.
type Idempotency struct {
	ID         string    `gorm:"type:varchar(64);not null;primaryKey"`
	UserID     string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_user_chatroom_key,priority:1"`
	ChatroomID string    `gorm:"type:char(36);not null;uniqueIndex:ux_user_chatroom_key,priority:2"`
	Key        string    `gorm:"type:varchar(128);not null;uniqueIndex:ux_user_chatroom_key,priority:3"`
	MessageID  string    `gorm:"type:char(36);not null"`
	Status     int       `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt  time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
