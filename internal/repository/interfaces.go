// Package repository provides the persisted-document stores the realtime
// coordinator consults. The coordinator only depends on these interfaces;
// the CRUD side of the product owns the rest of each document.
package repository

import (
	"context"

	"github.com/amoura-app/backend/internal/models"
)

// ChatStore resolves conversations and maintains their active-call mirror.
type ChatStore interface {
	FindByID(ctx context.Context, chatID string) (*models.Chat, error)
	SetActiveCall(ctx context.Context, chatID, callID string) error
	// ClearActiveCall resets the mirror only if it still points at callID.
	ClearActiveCall(ctx context.Context, chatID, callID string) error
}

// MessageStore persists messages and owns read/unread bookkeeping.
type MessageStore interface {
	Save(ctx context.Context, msg *models.Message) error
	// MarkChatRead stamps read_at on every unread message another user sent
	// in the chat.
	MarkChatRead(ctx context.Context, chatID, userID string) error
	IncrementUnread(ctx context.Context, chatID, userID string) (int64, error)
	ResetUnread(ctx context.Context, chatID, userID string) error
	UnreadCount(ctx context.Context, chatID, userID string) (int64, error)
}

// CallStore maintains the persisted mirror of call sessions.
type CallStore interface {
	Create(ctx context.Context, call *models.Call) error
	FindByID(ctx context.Context, callID string) (*models.Call, error)
	// UpdateStatus applies a transition to the mirror record. Nil time
	// fields are left untouched.
	UpdateStatus(ctx context.Context, callID string, update CallStatusUpdate) error
}

// CallStatusUpdate carries the columns touched by one call transition.
type CallStatusUpdate struct {
	Status          string
	EndReason       string
	AnsweredAt      *int64 // unix millis; nil leaves the column alone
	EndedAt         *int64
	DurationSeconds *int
}

// UserStatusStore persists presence state for the presence tracker.
type UserStatusStore interface {
	SetOnline(ctx context.Context, userID string, online bool) error
	SetStatus(ctx context.Context, userID, status string) error
	TouchLastSeen(ctx context.Context, userID string) error
}
