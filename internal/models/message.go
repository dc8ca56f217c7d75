package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Message content types accepted over the realtime channel.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeAudio = "audio"
)

// Message represents one persisted chat message.
type Message struct {
	ID       string `gorm:"type:uuid;primaryKey" json:"id"`
	ChatID   string `gorm:"type:uuid;index;not null" json:"chat_id"`
	SenderID string `gorm:"type:uuid;index;not null" json:"sender_id"`

	Content string `gorm:"not null" json:"content"`
	Type    string `gorm:"default:text" json:"type"`

	ReplyToID       string `gorm:"type:uuid" json:"reply_to_id,omitempty"`
	ForwardedFromID string `gorm:"type:uuid" json:"forwarded_from_id,omitempty"`

	// ReadAt is stamped when the recipient's room join flushes the chat.
	ReadAt *time.Time `json:"read_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID primary key if none is set
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}
