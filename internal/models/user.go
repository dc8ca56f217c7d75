package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User represents an Amoura member account. Profile, matching and
// moderation fields live on the CRUD side; the realtime coordinator only
// touches identity, activation and presence columns.
type User struct {
	ID          string `gorm:"type:uuid;primaryKey" json:"id"`
	Username    string `gorm:"uniqueIndex;not null" json:"username"`
	Email       string `gorm:"uniqueIndex;not null" json:"email"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`

	// IsActive is false for deactivated/banned accounts; the gateway
	// rejects their connections at handshake time.
	IsActive bool `gorm:"default:true" json:"is_active"`

	// Presence mirror maintained by the presence tracker.
	IsOnline   bool       `gorm:"default:false;index" json:"is_online"`
	Status     string     `gorm:"default:online" json:"status"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID primary key if none is set
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}
