package repository

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/amoura-app/backend/internal/errors"
	"github.com/amoura-app/backend/internal/models"
	"gorm.io/gorm"
)

// GormCallStore is the GORM-backed CallStore.
type GormCallStore struct {
	db *gorm.DB
}

// NewCallStore creates a GORM-backed call store
func NewCallStore(db *gorm.DB) *GormCallStore {
	return &GormCallStore{db: db}
}

var _ CallStore = (*GormCallStore)(nil)

// Create inserts the mirror record for a new call session
func (s *GormCallStore) Create(ctx context.Context, call *models.Call) error {
	return s.db.WithContext(ctx).Create(call).Error
}

// FindByID loads a call mirror record
func (s *GormCallStore) FindByID(ctx context.Context, callID string) (*models.Call, error) {
	var call models.Call
	if err := s.db.WithContext(ctx).First(&call, "id = ?", callID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("call")
		}
		return nil, err
	}
	return &call, nil
}

// UpdateStatus applies one transition to the mirror record
func (s *GormCallStore) UpdateStatus(ctx context.Context, callID string, update CallStatusUpdate) error {
	columns := map[string]interface{}{
		"status": update.Status,
	}
	if update.EndReason != "" {
		columns["end_reason"] = update.EndReason
	}
	if update.AnsweredAt != nil {
		columns["answered_at"] = time.UnixMilli(*update.AnsweredAt).UTC()
	}
	if update.EndedAt != nil {
		columns["ended_at"] = time.UnixMilli(*update.EndedAt).UTC()
	}
	if update.DurationSeconds != nil {
		columns["duration_seconds"] = *update.DurationSeconds
	}

	res := s.db.WithContext(ctx).
		Model(&models.Call{}).
		Where("id = ?", callID).
		Updates(columns)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound("call")
	}
	return nil
}
