package models

import (
	"time"
)

// Call statuses persisted in the mirror record. The in-memory session is
// authoritative while the call is live; the mirror is updated at each
// transition.
const (
	CallStatusRinging   = "ringing"
	CallStatusConnected = "connected"
	CallStatusEnded     = "ended"
	CallStatusRejected  = "rejected"
)

// Call media types
const (
	CallMediaAudio = "audio"
	CallMediaVideo = "video"
)

// Call is the persisted mirror of a call session.
type Call struct {
	// ID is the callId generated by the coordinator, not auto-assigned.
	ID             string      `gorm:"type:uuid;primaryKey" json:"id"`
	ChatID         string      `gorm:"type:uuid;index;not null" json:"chat_id"`
	InitiatorID    string      `gorm:"type:uuid;index;not null" json:"initiator_id"`
	ParticipantIDs StringArray `gorm:"type:text[]" json:"participant_ids"`

	MediaType string `gorm:"default:audio" json:"media_type"`
	Status    string `gorm:"default:ringing;index" json:"status"`

	StartedAt  time.Time  `json:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	EndReason  string     `json:"end_reason,omitempty"`

	// DurationSeconds is talk time only: endedAt minus answeredAt. A call
	// that never connected has duration zero.
	DurationSeconds int `json:"duration_seconds"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
