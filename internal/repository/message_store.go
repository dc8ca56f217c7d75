package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/amoura-app/backend/internal/models"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// unreadTTL keeps abandoned counters from living forever; a fresh
// increment renews it.
const unreadTTL = 30 * 24 * time.Hour

// counterCache is the subset of the redis wrapper the store needs.
// *cache.RedisClient satisfies it.
type counterCache interface {
	Incr(ctx context.Context, key string) (int64, error)
	GetInt(ctx context.Context, key string) (int64, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// GormMessageStore persists messages in Postgres and unread counters in Redis.
type GormMessageStore struct {
	db       *gorm.DB
	counters counterCache
}

// NewMessageStore creates a message store over GORM and Redis
func NewMessageStore(db *gorm.DB, counters counterCache) *GormMessageStore {
	return &GormMessageStore{db: db, counters: counters}
}

var _ MessageStore = (*GormMessageStore)(nil)

func unreadKey(chatID, userID string) string {
	return fmt.Sprintf("unread:%s:%s", chatID, userID)
}

// Save inserts a message and bumps the chat's last-message timestamp
func (s *GormMessageStore) Save(ctx context.Context, msg *models.Message) error {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&models.Chat{}).
		Where("id = ?", msg.ChatID).
		Update("last_message_at", now).Error
}

// MarkChatRead stamps read_at on every unread message another user sent in
// the chat and resets the reader's unread counter.
func (s *GormMessageStore) MarkChatRead(ctx context.Context, chatID, userID string) error {
	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("chat_id = ? AND sender_id <> ? AND read_at IS NULL", chatID, userID).
		Update("read_at", now).Error; err != nil {
		return err
	}
	return s.ResetUnread(ctx, chatID, userID)
}

// IncrementUnread bumps the unread counter for one (chat, user) pair
func (s *GormMessageStore) IncrementUnread(ctx context.Context, chatID, userID string) (int64, error) {
	key := unreadKey(chatID, userID)
	n, err := s.counters.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	_ = s.counters.Expire(ctx, key, unreadTTL)
	return n, nil
}

// ResetUnread flushes the unread counter to zero
func (s *GormMessageStore) ResetUnread(ctx context.Context, chatID, userID string) error {
	err := s.counters.Del(ctx, unreadKey(chatID, userID))
	if err == redis.Nil {
		return nil
	}
	return err
}

// UnreadCount reads the current unread counter
func (s *GormMessageStore) UnreadCount(ctx context.Context, chatID, userID string) (int64, error) {
	n, err := s.counters.GetInt(ctx, unreadKey(chatID, userID))
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
