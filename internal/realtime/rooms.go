package realtime

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	apperrors "github.com/amoura-app/backend/internal/errors"
	"github.com/amoura-app/backend/internal/logger"
	"github.com/amoura-app/backend/internal/models"
	"github.com/amoura-app/backend/internal/repository"
)

// RoomBroker tracks which users are actively viewing which chats and
// routes chat-scoped events. Subscription is presence in the chat UI,
// not membership: membership lives on the chat record, subscriptions
// live here and die with the connection.
type RoomBroker struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]struct{} // chatID -> userIDs
	typing map[string]map[string]time.Time

	registry *Registry
	chats    repository.ChatStore
	messages repository.MessageStore
	metrics  *Metrics
	log      *zap.Logger

	now func() time.Time
}

// NewRoomBroker creates the chat room broker
func NewRoomBroker(registry *Registry, chats repository.ChatStore, messages repository.MessageStore, metrics *Metrics, log *zap.Logger) *RoomBroker {
	if log == nil {
		log = logger.Log
	}
	return &RoomBroker{
		rooms:    make(map[string]map[string]struct{}),
		typing:   make(map[string]map[string]time.Time),
		registry: registry,
		chats:    chats,
		messages: messages,
		metrics:  metrics,
		log:      log,
		now:      time.Now,
	}
}

// Join subscribes the user to a chat room. Joining marks the chat read
// and flushes its unread counter; joining a room the user is already in
// is a no-op and does not re-announce or re-flush.
func (b *RoomBroker) Join(ctx context.Context, chatID, userID string) error {
	chat, err := b.chats.FindByID(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.HasParticipant(userID) {
		return apperrors.Forbidden("not a participant of this chat")
	}

	b.mu.Lock()
	room, ok := b.rooms[chatID]
	if !ok {
		room = make(map[string]struct{})
		b.rooms[chatID] = room
		if b.metrics != nil {
			b.metrics.OpenRooms.Inc()
		}
	}
	_, already := room[userID]
	room[userID] = struct{}{}
	b.mu.Unlock()

	if already {
		return nil
	}

	// Read-state flush is a side effect of the join, not a gate on it.
	if err := b.messages.MarkChatRead(ctx, chatID, userID); err != nil {
		b.log.Warn("failed to flush read state on join",
			zap.String("chat_id", chatID),
			zap.String("user_id", userID),
			zap.Error(err))
	}

	b.BroadcastToChat(chatID, NewEvent(EventUserJoinedChat, RoomPayload{
		ChatID: chatID,
		UserID: userID,
	}), userID)
	return nil
}

// Leave drops the user's subscription to a chat room
func (b *RoomBroker) Leave(chatID, userID string) {
	b.mu.Lock()
	room, ok := b.rooms[chatID]
	if ok {
		if _, member := room[userID]; !member {
			ok = false
		}
		delete(room, userID)
		if len(room) == 0 {
			delete(b.rooms, chatID)
			if b.metrics != nil {
				b.metrics.OpenRooms.Dec()
			}
		}
	}
	if t, exists := b.typing[chatID]; exists {
		delete(t, userID)
		if len(t) == 0 {
			delete(b.typing, chatID)
		}
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	b.BroadcastToChat(chatID, NewEvent(EventUserLeftChat, RoomPayload{
		ChatID: chatID,
		UserID: userID,
	}), userID)
}

// DropUser removes the user from every room on disconnect
func (b *RoomBroker) DropUser(userID string) {
	b.mu.Lock()
	var left []string
	for chatID, room := range b.rooms {
		if _, member := room[userID]; !member {
			continue
		}
		delete(room, userID)
		left = append(left, chatID)
		if len(room) == 0 {
			delete(b.rooms, chatID)
			if b.metrics != nil {
				b.metrics.OpenRooms.Dec()
			}
		}
	}
	for chatID, t := range b.typing {
		delete(t, userID)
		if len(t) == 0 {
			delete(b.typing, chatID)
		}
	}
	b.mu.Unlock()

	for _, chatID := range left {
		b.BroadcastToChat(chatID, NewEvent(EventUserLeftChat, RoomPayload{
			ChatID: chatID,
			UserID: userID,
		}), userID)
	}
}

// IsSubscribed reports whether the user is viewing the chat
func (b *RoomBroker) IsSubscribed(chatID, userID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.rooms[chatID][userID]
	return ok
}

// RoomCount returns the number of rooms with at least one subscriber
func (b *RoomBroker) RoomCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms)
}

// subscribers returns a snapshot of the room's members
func (b *RoomBroker) subscribers(chatID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	room := b.rooms[chatID]
	users := make([]string, 0, len(room))
	for userID := range room {
		users = append(users, userID)
	}
	return users
}

// BroadcastToChat delivers an event to every subscriber of the chat,
// skipping excludeUserID.
func (b *RoomBroker) BroadcastToChat(chatID string, evt *Event, excludeUserID string) {
	for _, userID := range b.subscribers(chatID) {
		if userID == excludeUserID {
			continue
		}
		client, ok := b.registry.Resolve(userID)
		if !ok {
			continue
		}
		if !client.Send(evt) && b.metrics != nil {
			b.metrics.DroppedDeliveries.Inc()
		}
	}
}

// NotifyTyping broadcasts a typing indicator to the chat's other
// subscribers. Fire and forget: typing from a user who never joined the
// room is dropped silently rather than erroring a hot path.
func (b *RoomBroker) NotifyTyping(chatID, userID string, isTyping bool) {
	b.mu.Lock()
	if _, member := b.rooms[chatID][userID]; !member {
		b.mu.Unlock()
		return
	}
	if isTyping {
		t, ok := b.typing[chatID]
		if !ok {
			t = make(map[string]time.Time)
			b.typing[chatID] = t
		}
		t[userID] = b.now()
	} else {
		if t, ok := b.typing[chatID]; ok {
			delete(t, userID)
			if len(t) == 0 {
				delete(b.typing, chatID)
			}
		}
	}
	b.mu.Unlock()

	b.BroadcastToChat(chatID, NewEvent(EventUserTyping, TypingEventPayload{
		ChatID:   chatID,
		UserID:   userID,
		IsTyping: isTyping,
	}), userID)
}

// ExpireTyping clears indicators older than ttl, broadcasting the stop
// the client never sent. Returns how many were expired.
func (b *RoomBroker) ExpireTyping(ttl time.Duration) int {
	cutoff := b.now().Add(-ttl)

	type expired struct{ chatID, userID string }
	var stale []expired

	b.mu.Lock()
	for chatID, t := range b.typing {
		for userID, startedAt := range t {
			if startedAt.Before(cutoff) {
				delete(t, userID)
				stale = append(stale, expired{chatID, userID})
			}
		}
		if len(t) == 0 {
			delete(b.typing, chatID)
		}
	}
	b.mu.Unlock()

	for _, e := range stale {
		b.BroadcastToChat(e.chatID, NewEvent(EventUserTyping, TypingEventPayload{
			ChatID:   e.chatID,
			UserID:   e.userID,
			IsTyping: false,
		}), e.userID)
	}
	return len(stale)
}

// DeliverNewMessage fans a persisted message out to the chat. Subscribers
// get the message inline; participants who are online but looking
// elsewhere get a notification with their bumped unread count; offline
// participants get the unread bump only.
func (b *RoomBroker) DeliverNewMessage(ctx context.Context, chat *models.Chat, msg MessagePayload) {
	b.BroadcastToChat(chat.ID, NewEvent(EventMessageReceived, msg), msg.SenderID)

	preview := msg.Content
	if len(preview) > 120 {
		// Cut on a rune boundary so multi-byte content never ends in a
		// mangled partial character.
		cut := 120
		for cut > 0 && !utf8.RuneStart(preview[cut]) {
			cut--
		}
		preview = preview[:cut]
	}

	for _, participantID := range chat.ParticipantIDs {
		if participantID == msg.SenderID || b.IsSubscribed(chat.ID, participantID) {
			continue
		}

		count, err := b.messages.IncrementUnread(ctx, chat.ID, participantID)
		if err != nil {
			b.log.Warn("failed to bump unread counter",
				zap.String("chat_id", chat.ID),
				zap.String("user_id", participantID),
				zap.Error(err))
		}

		client, ok := b.registry.Resolve(participantID)
		if !ok {
			continue
		}
		sent := client.Send(NewEvent(EventNewMessageNotification, MessageNotificationPayload{
			ChatID:      chat.ID,
			MessageID:   msg.MessageID,
			SenderID:    msg.SenderID,
			Preview:     preview,
			UnreadCount: count,
		}))
		if !sent && b.metrics != nil {
			b.metrics.DroppedDeliveries.Inc()
		}
	}
}
