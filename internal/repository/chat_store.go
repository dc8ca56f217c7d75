package repository

import (
	"context"
	"errors"

	apperrors "github.com/amoura-app/backend/internal/errors"
	"github.com/amoura-app/backend/internal/models"
	"gorm.io/gorm"
)

// GormChatStore is the GORM-backed ChatStore.
type GormChatStore struct {
	db *gorm.DB
}

// NewChatStore creates a GORM-backed chat store
func NewChatStore(db *gorm.DB) *GormChatStore {
	return &GormChatStore{db: db}
}

var _ ChatStore = (*GormChatStore)(nil)

// FindByID loads a chat document
func (s *GormChatStore) FindByID(ctx context.Context, chatID string) (*models.Chat, error) {
	var chat models.Chat
	if err := s.db.WithContext(ctx).First(&chat, "id = ?", chatID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("chat")
		}
		return nil, err
	}
	return &chat, nil
}

// SetActiveCall points the chat's active-call mirror at callID
func (s *GormChatStore) SetActiveCall(ctx context.Context, chatID, callID string) error {
	return s.db.WithContext(ctx).
		Model(&models.Chat{}).
		Where("id = ?", chatID).
		Update("active_call_id", callID).Error
}

// ClearActiveCall resets the mirror only if it still points at callID, so a
// newer call's mirror is never clobbered by a late cleanup of an old one.
func (s *GormChatStore) ClearActiveCall(ctx context.Context, chatID, callID string) error {
	return s.db.WithContext(ctx).
		Model(&models.Chat{}).
		Where("id = ? AND active_call_id = ?", chatID, callID).
		Update("active_call_id", "").Error
}
