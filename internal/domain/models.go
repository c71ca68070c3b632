// Package domain defines the persistence models for users, chatrooms and
// messages. These types are mapped with GORM and form the core data layer
// of the chatroom backend.
package domain

import (
	"time"
)

// Tier is a user's subscription level. It determines the daily send quota.
type Tier string

const (
	TierBasic Tier = "Basic"
	TierPro   Tier = "Pro"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool { return t == TierBasic || t == TierPro }

// User is a tenant of the system. The ID is the subject asserted by the
// identity provider; rows are created on first authenticated request.
//
// Fields:
//   - SubscriptionTier: Basic or Pro, flipped by billing notifications.
//   - DailyMessageCount: sends consumed on LastMessageDate.
//   - LastMessageDate: UTC calendar date (YYYY-MM-DD) of the last counted
//     send. A date older than today means the count is logically zero.
type User struct {
	ID                string    `json:"id"                  gorm:"type:varchar(64);primaryKey"`
	SubscriptionTier  Tier      `json:"subscription_tier"   gorm:"type:varchar(16);not null;default:'Basic'"`
	DailyMessageCount int       `json:"daily_message_count" gorm:"not null;default:0"`
	LastMessageDate   string    `json:"last_message_date"   gorm:"type:varchar(10);not null;default:''"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Chatroom is a named conversation owned by exactly one user.
type Chatroom struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	Name      string    `json:"name"       gorm:"type:varchar(100);not null"`
	UserID    string    `json:"user_id"    gorm:"type:varchar(64);not null;index:idx_user_chatrooms,priority:1"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_user_chatrooms,priority:2"`

	// User is the owner. Chatrooms cascade when the user row is removed.
	User User `json:"-" gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Chatroom.
func (Chatroom) TableName() string { return "chatrooms" }

// ChatroomSummary is the cached projection of a chatroom used by listings.
type ChatroomSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary projects c to its listing form.
func (c Chatroom) Summary() ChatroomSummary {
	return ChatroomSummary{ID: c.ID, Name: c.Name, CreatedAt: c.CreatedAt}
}

// Message is a single utterance in a chatroom, either sent by the user or
// generated as a reply. Messages are immutable once stored.
//
// ReplyToID is set only on generated replies and points at the user message
// that produced them. Its unique index guarantees at most one reply per
// originating message no matter how often a job is delivered.
type Message struct {
	ID         string    `json:"id"                    gorm:"type:char(36);primaryKey"`
	ChatroomID string    `json:"chatroom_id"           gorm:"type:char(36);not null;index:idx_chatroom_msgs,priority:1"`
	UserID     string    `json:"user_id"               gorm:"type:varchar(64);not null;index"`
	Content    string    `json:"content"               gorm:"type:text;not null"`
	IsFromUser bool      `json:"is_from_user"          gorm:"not null"`
	ReplyToID  *string   `json:"reply_to_id,omitempty" gorm:"type:char(36);uniqueIndex:ux_messages_reply_to"`
	CreatedAt  time.Time `json:"created_at"            gorm:"index:idx_chatroom_msgs,priority:2"`

	// Chatroom is the parent conversation. Messages are cascade-deleted
	// if their chatroom is removed.
	Chatroom Chatroom `json:"-" gorm:"foreignKey:ChatroomID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// SubscriptionEvent records a processed billing notification so that a
// redelivered event is applied at most once.
type SubscriptionEvent struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	EventID   string    `json:"event_id"   gorm:"type:varchar(255);not null;uniqueIndex:ux_subscription_event"`
	UserID    string    `json:"user_id"    gorm:"type:varchar(64);not null;index"`
	Tier      Tier      `json:"tier"       gorm:"type:varchar(16);not null"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for SubscriptionEvent.
func (SubscriptionEvent) TableName() string { return "subscription_events" }
