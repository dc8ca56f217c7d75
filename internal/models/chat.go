package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Chat types. Calls can only be placed on direct chats.
const (
	ChatTypeDirect = "direct"
	ChatTypeGroup  = "group"
)

// Chat represents a conversation document. The coordinator reads the
// participant list for room and call gating and maintains the active-call
// mirror column.
type Chat struct {
	ID             string      `gorm:"type:uuid;primaryKey" json:"id"`
	Type           string      `gorm:"default:direct;index" json:"type"`
	ParticipantIDs StringArray `gorm:"type:text[]" json:"participant_ids"`

	// ActiveCallID mirrors the in-memory call session currently covering
	// this chat, empty when none.
	ActiveCallID string `gorm:"index" json:"active_call_id,omitempty"`

	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// BeforeCreate generates a UUID primary key if none is set
func (c *Chat) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// IsDirect reports whether this is a two-party conversation
func (c *Chat) IsDirect() bool {
	return c.Type == ChatTypeDirect && len(c.ParticipantIDs) == 2
}

// HasParticipant reports whether userID belongs to the conversation
func (c *Chat) HasParticipant(userID string) bool {
	return c.ParticipantIDs.Contains(userID)
}

// OtherParticipant returns the participant that is not userID. For direct
// chats exactly one such participant exists; ok is false otherwise.
func (c *Chat) OtherParticipant(userID string) (string, bool) {
	if !c.IsDirect() {
		return "", false
	}
	var other string
	count := 0
	for _, id := range c.ParticipantIDs {
		if id != userID {
			other = id
			count++
		}
	}
	if count != 1 {
		return "", false
	}
	return other, true
}
