package realtime

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/amoura-app/backend/internal/errors"
	"github.com/amoura-app/backend/internal/repository"
)

type roomsFixture struct {
	registry *Registry
	chats    *repository.MemoryChatStore
	messages *repository.MemoryMessageStore
	rooms    *RoomBroker
}

func newRoomsFixture() *roomsFixture {
	f := &roomsFixture{
		registry: NewRegistry(),
		chats:    repository.NewMemoryChatStore(),
		messages: repository.NewMemoryMessageStore(),
	}
	f.rooms = NewRoomBroker(f.registry, f.chats, f.messages, nil, nil)
	return f
}

func TestRoomJoinGatesOnMembership(t *testing.T) {
	f := newRoomsFixture()
	ctx := context.Background()
	directChat(f.chats, "chat-1", "alice", "bob")

	require.NoError(t, f.rooms.Join(ctx, "chat-1", "alice"))
	assert.True(t, f.rooms.IsSubscribed("chat-1", "alice"))

	err := f.rooms.Join(ctx, "chat-1", "mallory")
	assert.Equal(t, apperrors.CodeForbidden, apperrors.CodeOf(err))
	assert.False(t, f.rooms.IsSubscribed("chat-1", "mallory"))

	err = f.rooms.Join(ctx, "missing", "alice")
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
}

func TestRoomJoinFlushesReadStateExactlyOnce(t *testing.T) {
	f := newRoomsFixture()
	ctx := context.Background()
	directChat(f.chats, "chat-1", "alice", "bob")

	require.NoError(t, f.rooms.Join(ctx, "chat-1", "alice"))
	require.NoError(t, f.rooms.Join(ctx, "chat-1", "alice"))
	require.NoError(t, f.rooms.Join(ctx, "chat-1", "alice"))

	assert.Equal(t, 1, f.messages.ReadFor["chat-1:alice"])
}

func TestRoomJoinAnnouncesToOthers(t *testing.T) {
	f := newRoomsFixture()
	ctx := context.Background()
	directChat(f.chats, "chat-1", "alice", "bob")

	alice := newTestClient(t, "alice")
	bob := newTestClient(t, "bob")
	f.registry.Register("alice", alice)
	f.registry.Register("bob", bob)

	require.NoError(t, f.rooms.Join(ctx, "chat-1", "alice"))
	require.NoError(t, f.rooms.Join(ctx, "chat-1", "bob"))

	// Alice sees bob arrive; bob doesn't hear his own join.
	aliceEvents := eventsOfType(drainEvents(t, alice), EventUserJoinedChat)
	require.Len(t, aliceEvents, 1)
	var p RoomPayload
	decodePayload(t, aliceEvents[0], &p)
	assert.Equal(t, "bob", p.UserID)

	assert.Empty(t, eventsOfType(drainEvents(t, bob), EventUserJoinedChat))

	f.rooms.Leave("chat-1", "bob")
	left := eventsOfType(drainEvents(t, alice), EventUserLeftChat)
	require.Len(t, left, 1)

	// Leaving a room you're not in announces nothing.
	f.rooms.Leave("chat-1", "bob")
	assert.Empty(t, drainEvents(t, alice))
}

func TestRoomDropUserLeavesAllRooms(t *testing.T) {
	f := newRoomsFixture()
	ctx := context.Background()
	directChat(f.chats, "chat-1", "alice", "bob")
	directChat(f.chats, "chat-2", "alice", "carol")

	require.NoError(t, f.rooms.Join(ctx, "chat-1", "alice"))
	require.NoError(t, f.rooms.Join(ctx, "chat-2", "alice"))
	assert.Equal(t, 2, f.rooms.RoomCount())

	f.rooms.DropUser("alice")
	assert.False(t, f.rooms.IsSubscribed("chat-1", "alice"))
	assert.False(t, f.rooms.IsSubscribed("chat-2", "alice"))
	assert.Zero(t, f.rooms.RoomCount())
}

func TestTypingIndicators(t *testing.T) {
	f := newRoomsFixture()
	ctx := context.Background()
	directChat(f.chats, "chat-1", "alice", "bob")

	alice := newTestClient(t, "alice")
	bob := newTestClient(t, "bob")
	f.registry.Register("alice", alice)
	f.registry.Register("bob", bob)
	require.NoError(t, f.rooms.Join(ctx, "chat-1", "alice"))
	require.NoError(t, f.rooms.Join(ctx, "chat-1", "bob"))
	drainEvents(t, alice)
	drainEvents(t, bob)

	f.rooms.NotifyTyping("chat-1", "alice", true)

	bobEvents := eventsOfType(drainEvents(t, bob), EventUserTyping)
	require.Len(t, bobEvents, 1)
	var p TypingEventPayload
	decodePayload(t, bobEvents[0], &p)
	assert.Equal(t, "alice", p.UserID)
	assert.True(t, p.IsTyping)

	// The typer doesn't hear their own indicator.
	assert.Empty(t, eventsOfType(drainEvents(t, alice), EventUserTyping))

	// Typing from outside the room is dropped.
	f.rooms.NotifyTyping("chat-1", "mallory", true)
	assert.Empty(t, drainEvents(t, bob))

	f.rooms.NotifyTyping("chat-1", "alice", false)
	bobEvents = eventsOfType(drainEvents(t, bob), EventUserTyping)
	require.Len(t, bobEvents, 1)
	decodePayload(t, bobEvents[0], &p)
	assert.False(t, p.IsTyping)
}

func TestTypingExpiry(t *testing.T) {
	f := newRoomsFixture()
	ctx := context.Background()
	directChat(f.chats, "chat-1", "alice", "bob")

	bob := newTestClient(t, "bob")
	f.registry.Register("bob", bob)
	require.NoError(t, f.rooms.Join(ctx, "chat-1", "alice"))
	require.NoError(t, f.rooms.Join(ctx, "chat-1", "bob"))

	clock := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	f.rooms.now = func() time.Time { return clock }

	f.rooms.NotifyTyping("chat-1", "alice", true)
	drainEvents(t, bob)

	assert.Zero(t, f.rooms.ExpireTyping(10*time.Second))

	clock = clock.Add(11 * time.Second)
	assert.Equal(t, 1, f.rooms.ExpireTyping(10*time.Second))

	// The synthetic stop reaches the room.
	events := eventsOfType(drainEvents(t, bob), EventUserTyping)
	require.Len(t, events, 1)
	var p TypingEventPayload
	decodePayload(t, events[0], &p)
	assert.False(t, p.IsTyping)

	// Expiry is one-shot.
	assert.Zero(t, f.rooms.ExpireTyping(10*time.Second))
}

func TestDeliverNewMessageRouting(t *testing.T) {
	f := newRoomsFixture()
	ctx := context.Background()
	chat := directChat(f.chats, "chat-1", "alice", "bob")

	alice := newTestClient(t, "alice")
	bob := newTestClient(t, "bob")
	f.registry.Register("alice", alice)
	f.registry.Register("bob", bob)

	// Alice is viewing the chat; bob is online elsewhere.
	require.NoError(t, f.rooms.Join(ctx, "chat-1", "alice"))
	drainEvents(t, alice)
	drainEvents(t, bob)

	msg := MessagePayload{
		MessageID: "msg-1",
		ChatID:    "chat-1",
		SenderID:  "alice",
		Content:   "hey you",
		Type:      "text",
	}
	f.rooms.DeliverNewMessage(ctx, chat, msg)

	// Bob gets a notification with his unread count, not the inline message.
	bobEvents := drainEvents(t, bob)
	assert.Empty(t, eventsOfType(bobEvents, EventMessageReceived))
	notifications := eventsOfType(bobEvents, EventNewMessageNotification)
	require.Len(t, notifications, 1)
	var n MessageNotificationPayload
	decodePayload(t, notifications[0], &n)
	assert.Equal(t, int64(1), n.UnreadCount)
	assert.Equal(t, "hey you", n.Preview)

	// The sender is excluded from their own broadcast.
	assert.Empty(t, eventsOfType(drainEvents(t, alice), EventMessageReceived))

	// Once bob joins the room, messages arrive inline and unread resets.
	require.NoError(t, f.rooms.Join(ctx, "chat-1", "bob"))
	count, err := f.messages.UnreadCount(ctx, "chat-1", "bob")
	require.NoError(t, err)
	assert.Zero(t, count)

	drainEvents(t, bob)
	f.rooms.DeliverNewMessage(ctx, chat, msg)
	bobEvents = drainEvents(t, bob)
	require.Len(t, eventsOfType(bobEvents, EventMessageReceived), 1)
	assert.Empty(t, eventsOfType(bobEvents, EventNewMessageNotification))
}

func TestDeliverNewMessageOfflineParticipantStillAccrues(t *testing.T) {
	f := newRoomsFixture()
	ctx := context.Background()
	chat := directChat(f.chats, "chat-1", "alice", "bob")

	// Bob is fully offline: no connection, no subscription.
	f.rooms.DeliverNewMessage(ctx, chat, MessagePayload{
		MessageID: "msg-1", ChatID: "chat-1", SenderID: "alice", Content: "hi",
	})
	f.rooms.DeliverNewMessage(ctx, chat, MessagePayload{
		MessageID: "msg-2", ChatID: "chat-1", SenderID: "alice", Content: "hi again",
	})

	count, err := f.messages.UnreadCount(ctx, "chat-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestDeliverNewMessagePreviewKeepsRunesIntact(t *testing.T) {
	f := newRoomsFixture()
	ctx := context.Background()
	chat := directChat(f.chats, "chat-1", "alice", "bob")

	bob := newTestClient(t, "bob")
	f.registry.Register("bob", bob)

	// The 120-byte cut falls inside the first emoji; the preview must
	// back off to the last whole rune instead of emitting U+FFFD.
	content := strings.Repeat("a", 119) + "🦊🦊"
	f.rooms.DeliverNewMessage(ctx, chat, MessagePayload{
		MessageID: "msg-1", ChatID: "chat-1", SenderID: "alice", Content: content,
	})

	notifications := eventsOfType(drainEvents(t, bob), EventNewMessageNotification)
	require.Len(t, notifications, 1)
	var n MessageNotificationPayload
	decodePayload(t, notifications[0], &n)
	assert.True(t, utf8.ValidString(n.Preview))
	assert.Equal(t, strings.Repeat("a", 119), n.Preview)
}
