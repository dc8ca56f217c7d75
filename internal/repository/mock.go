package repository

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/amoura-app/backend/internal/errors"
	"github.com/amoura-app/backend/internal/models"
)

// In-memory store implementations for unit tests. They mirror the
// persistence contracts without requiring Postgres or Redis.

// MemoryChatStore is an in-memory ChatStore.
type MemoryChatStore struct {
	mu    sync.Mutex
	Chats map[string]*models.Chat
	// Err, when set, is returned by every operation to simulate outages.
	Err error
}

// NewMemoryChatStore creates an empty in-memory chat store
func NewMemoryChatStore() *MemoryChatStore {
	return &MemoryChatStore{Chats: make(map[string]*models.Chat)}
}

var _ ChatStore = (*MemoryChatStore)(nil)

// Put installs a chat document
func (s *MemoryChatStore) Put(chat *models.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Chats[chat.ID] = chat
}

// FindByID implements ChatStore
func (s *MemoryChatStore) FindByID(ctx context.Context, chatID string) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	chat, ok := s.Chats[chatID]
	if !ok {
		return nil, apperrors.NotFound("chat")
	}
	copied := *chat
	return &copied, nil
}

// SetActiveCall implements ChatStore
func (s *MemoryChatStore) SetActiveCall(ctx context.Context, chatID, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if chat, ok := s.Chats[chatID]; ok {
		chat.ActiveCallID = callID
	}
	return nil
}

// ClearActiveCall implements ChatStore
func (s *MemoryChatStore) ClearActiveCall(ctx context.Context, chatID, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if chat, ok := s.Chats[chatID]; ok && chat.ActiveCallID == callID {
		chat.ActiveCallID = ""
	}
	return nil
}

// MemoryMessageStore is an in-memory MessageStore.
type MemoryMessageStore struct {
	mu       sync.Mutex
	Messages []*models.Message
	Unread   map[string]int64 // "chatID:userID" -> count
	ReadFor  map[string]int   // times MarkChatRead was called per key
	Err      error
}

// NewMemoryMessageStore creates an empty in-memory message store
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		Unread:  make(map[string]int64),
		ReadFor: make(map[string]int),
	}
}

var _ MessageStore = (*MemoryMessageStore)(nil)

func memKey(chatID, userID string) string { return chatID + ":" + userID }

// Save implements MessageStore
func (s *MemoryMessageStore) Save(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.Messages = append(s.Messages, msg)
	return nil
}

// MarkChatRead implements MessageStore
func (s *MemoryMessageStore) MarkChatRead(ctx context.Context, chatID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.ReadFor[memKey(chatID, userID)]++
	delete(s.Unread, memKey(chatID, userID))
	return nil
}

// IncrementUnread implements MessageStore
func (s *MemoryMessageStore) IncrementUnread(ctx context.Context, chatID, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	s.Unread[memKey(chatID, userID)]++
	return s.Unread[memKey(chatID, userID)], nil
}

// ResetUnread implements MessageStore
func (s *MemoryMessageStore) ResetUnread(ctx context.Context, chatID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	delete(s.Unread, memKey(chatID, userID))
	return nil
}

// UnreadCount implements MessageStore
func (s *MemoryMessageStore) UnreadCount(ctx context.Context, chatID, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Unread[memKey(chatID, userID)], nil
}

// MemoryCallStore is an in-memory CallStore.
type MemoryCallStore struct {
	mu      sync.Mutex
	Calls   map[string]*models.Call
	Updates []CallStatusUpdate
	Err     error
	// OnUpdateStatus, when set, runs before the update is applied; tests
	// use it to interleave a competing transition mid-persist.
	OnUpdateStatus func(callID string, update CallStatusUpdate)
}

// NewMemoryCallStore creates an empty in-memory call store
func NewMemoryCallStore() *MemoryCallStore {
	return &MemoryCallStore{Calls: make(map[string]*models.Call)}
}

var _ CallStore = (*MemoryCallStore)(nil)

// Create implements CallStore
func (s *MemoryCallStore) Create(ctx context.Context, call *models.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	copied := *call
	s.Calls[call.ID] = &copied
	return nil
}

// FindByID implements CallStore
func (s *MemoryCallStore) FindByID(ctx context.Context, callID string) (*models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	call, ok := s.Calls[callID]
	if !ok {
		return nil, apperrors.NotFound("call")
	}
	copied := *call
	return &copied, nil
}

// UpdateStatus implements CallStore
func (s *MemoryCallStore) UpdateStatus(ctx context.Context, callID string, update CallStatusUpdate) error {
	if s.OnUpdateStatus != nil {
		s.OnUpdateStatus(callID, update)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	call, ok := s.Calls[callID]
	if !ok {
		return apperrors.NotFound("call")
	}
	call.Status = update.Status
	if update.EndReason != "" {
		call.EndReason = update.EndReason
	}
	if update.AnsweredAt != nil {
		t := time.UnixMilli(*update.AnsweredAt).UTC()
		call.AnsweredAt = &t
	}
	if update.EndedAt != nil {
		t := time.UnixMilli(*update.EndedAt).UTC()
		call.EndedAt = &t
	}
	if update.DurationSeconds != nil {
		call.DurationSeconds = *update.DurationSeconds
	}
	s.Updates = append(s.Updates, update)
	return nil
}

// MemoryUserStatusStore is an in-memory UserStatusStore.
type MemoryUserStatusStore struct {
	mu       sync.Mutex
	Online   map[string]bool
	Statuses map[string]string
	Touches  map[string]int
	Err      error
}

// NewMemoryUserStatusStore creates an empty in-memory user status store
func NewMemoryUserStatusStore() *MemoryUserStatusStore {
	return &MemoryUserStatusStore{
		Online:   make(map[string]bool),
		Statuses: make(map[string]string),
		Touches:  make(map[string]int),
	}
}

var _ UserStatusStore = (*MemoryUserStatusStore)(nil)

// SetOnline implements UserStatusStore
func (s *MemoryUserStatusStore) SetOnline(ctx context.Context, userID string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Online[userID] = online
	return nil
}

// SetStatus implements UserStatusStore
func (s *MemoryUserStatusStore) SetStatus(ctx context.Context, userID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Statuses[userID] = status
	return nil
}

// TouchLastSeen implements UserStatusStore
func (s *MemoryUserStatusStore) TouchLastSeen(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Touches[userID]++
	return nil
}

// IsOnline reports the recorded online flag
func (s *MemoryUserStatusStore) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Online[userID]
}
