package repository

import (
	"context"
	"time"

	"github.com/amoura-app/backend/internal/models"
	"gorm.io/gorm"
)

// lastSeenCache mirrors last-seen timestamps into Redis for cheap profile
// reads. *cache.RedisClient satisfies it.
type lastSeenCache interface {
	SetEx(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

const lastSeenTTL = 24 * time.Hour

// GormUserStatusStore persists presence columns on the user document.
type GormUserStatusStore struct {
	db       *gorm.DB
	lastSeen lastSeenCache // optional
}

// NewUserStatusStore creates a GORM-backed user status store. The cache is
// optional; pass nil to skip the last-seen mirror.
func NewUserStatusStore(db *gorm.DB, lastSeen lastSeenCache) *GormUserStatusStore {
	return &GormUserStatusStore{db: db, lastSeen: lastSeen}
}

var _ UserStatusStore = (*GormUserStatusStore)(nil)

// SetOnline updates the online flag and last-seen timestamp
func (s *GormUserStatusStore) SetOnline(ctx context.Context, userID string, online bool) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"is_online":    online,
			"last_seen_at": now,
		}).Error
	if err != nil {
		return err
	}
	s.touchCache(ctx, userID, now)
	return nil
}

// SetStatus updates the user-chosen status string (online / away / busy)
func (s *GormUserStatusStore) SetStatus(ctx context.Context, userID, status string) error {
	return s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("status", status).Error
}

// TouchLastSeen refreshes last-seen without changing the online flag
func (s *GormUserStatusStore) TouchLastSeen(ctx context.Context, userID string) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("last_seen_at", now).Error
	if err != nil {
		return err
	}
	s.touchCache(ctx, userID, now)
	return nil
}

func (s *GormUserStatusStore) touchCache(ctx context.Context, userID string, at time.Time) {
	if s.lastSeen == nil {
		return
	}
	// Best effort; the database column is authoritative.
	_ = s.lastSeen.SetEx(ctx, "lastseen:"+userID, at.UnixMilli(), lastSeenTTL)
}
