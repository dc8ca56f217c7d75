package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/amoura-app/backend/internal/errors"
	"github.com/amoura-app/backend/internal/models"
	"github.com/amoura-app/backend/internal/repository"
)

func TestCallLifecycleHappyPath(t *testing.T) {
	f := newCoordinatorFixture(DefaultCallConfig())
	ctx := context.Background()
	directChat(f.chats, "chat-1", "alice", "bob")

	bob := newTestClient(t, "bob")
	f.registry.Register("bob", bob)

	res, err := f.coord.Initiate(ctx, "chat-1", "alice", models.CallMediaVideo)
	require.NoError(t, err)
	assert.False(t, res.JoinedExisting)
	assert.Equal(t, models.CallStatusRinging, res.Session.Status)
	assert.Equal(t, "alice", res.Session.InitiatorID)
	assert.Equal(t, "bob", res.Session.CalleeID)

	// Callee was rung.
	incoming := eventsOfType(drainEvents(t, bob), EventCallIncoming)
	require.Len(t, incoming, 1)

	// Mirror record created ringing, chat mirror set.
	record, err := f.calls.FindByID(ctx, res.Session.CallID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusRinging, record.Status)
	chat, _ := f.chats.FindByID(ctx, "chat-1")
	assert.Equal(t, res.Session.CallID, chat.ActiveCallID)

	f.advance(3 * time.Second)
	sess, err := f.coord.Accept(ctx, res.Session.CallID, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusConnected, sess.Status)
	require.NotNil(t, sess.AnsweredAt)

	f.advance(42 * time.Second)
	sess, err = f.coord.End(ctx, res.Session.CallID, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusEnded, sess.Status)
	assert.Equal(t, EndReasonUserEnded, sess.EndReason)
	assert.Equal(t, 42, sess.DurationSeconds())

	record, err = f.calls.FindByID(ctx, res.Session.CallID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusEnded, record.Status)
	assert.Equal(t, 42, record.DurationSeconds)

	chat, _ = f.chats.FindByID(ctx, "chat-1")
	assert.Empty(t, chat.ActiveCallID)
	assert.Zero(t, f.coord.ActiveCallCount())
}

func TestCallRejectedNeverConnectedHasZeroDuration(t *testing.T) {
	f := newCoordinatorFixture(DefaultCallConfig())
	ctx := context.Background()
	directChat(f.chats, "chat-1", "alice", "bob")

	res, err := f.coord.Initiate(ctx, "chat-1", "alice", models.CallMediaAudio)
	require.NoError(t, err)

	f.advance(10 * time.Second)
	sess, err := f.coord.Reject(ctx, res.Session.CallID, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusRejected, sess.Status)
	assert.Equal(t, EndReasonRejected, sess.EndReason)
	assert.Zero(t, sess.DurationSeconds())
}

func TestCallInitiateJoinsExistingWithinWindow(t *testing.T) {
	f := newCoordinatorFixture(DefaultCallConfig())
	ctx := context.Background()
	directChat(f.chats, "chat-1", "alice", "bob")

	first, err := f.coord.Initiate(ctx, "chat-1", "alice", models.CallMediaVideo)
	require.NoError(t, err)

	// Re-initiation inside the window is an idempotent join, from either side.
	f.advance(time.Minute)
	again, err := f.coord.Initiate(ctx, "chat-1", "bob", models.CallMediaVideo)
	require.NoError(t, err)
	assert.True(t, again.JoinedExisting)
	assert.Equal(t, first.Session.CallID, again.Session.CallID)

	assert.Equal(t, 1, f.coord.ActiveCallCount())
}

func TestCallInitiateReplacesStaleCall(t *testing.T) {
	f := newCoordinatorFixture(DefaultCallConfig())
	ctx := context.Background()
	directChat(f.chats, "chat-1", "alice", "bob")

	first, err := f.coord.Initiate(ctx, "chat-1", "alice", models.CallMediaVideo)
	require.NoError(t, err)

	// Past the rejoin window the old call is presumed dead.
	f.advance(6 * time.Minute)
	second, err := f.coord.Initiate(ctx, "chat-1", "alice", models.CallMediaVideo)
	require.NoError(t, err)
	assert.False(t, second.JoinedExisting)
	assert.NotEqual(t, first.Session.CallID, second.Session.CallID)

	record, err := f.calls.FindByID(ctx, first.Session.CallID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusEnded, record.Status)
	assert.Equal(t, EndReasonStale, record.EndReason)
}

func TestCallEndDuringAcceptPersistRestoresMirror(t *testing.T) {
	f := newCoordinatorFixture(DefaultCallConfig())
	ctx := context.Background()
	directChat(f.chats, "chat-1", "alice", "bob")

	res, err := f.coord.Initiate(ctx, "chat-1", "alice", models.CallMediaAudio)
	require.NoError(t, err)
	callID := res.Session.CallID

	// Alice hangs up in the window between accept's ringing check and
	// its mirror write.
	f.calls.OnUpdateStatus = func(id string, update repository.CallStatusUpdate) {
		if update.Status != models.CallStatusConnected {
			return
		}
		f.calls.OnUpdateStatus = nil
		_, endErr := f.coord.End(ctx, callID, "alice", "")
		require.NoError(t, endErr)
	}

	_, err = f.coord.Accept(ctx, callID, "bob", nil)
	assert.Equal(t, apperrors.CodeInvalidState, apperrors.CodeOf(err))

	// The mirror holds the winner's terminal state, not the lost accept.
	record, err := f.calls.FindByID(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusEnded, record.Status)
	assert.Equal(t, EndReasonUserEnded, record.EndReason)
	require.NotNil(t, record.EndedAt)
}

func TestCallInitiateRateLimit(t *testing.T) {
	cfg := DefaultCallConfig()
	cfg.InitiationsPerMinute = 2
	f := newCoordinatorFixture(cfg)
	ctx := context.Background()
	directChat(f.chats, "chat-1", "alice", "bob")

	for i := 0; i < 2; i++ {
		_, err := f.coord.Initiate(ctx, "chat-1", "alice", models.CallMediaAudio)
		require.NoError(t, err)
	}

	_, err := f.coord.Initiate(ctx, "chat-1", "alice", models.CallMediaAudio)
	assert.Equal(t, apperrors.CodeRateLimited, apperrors.CodeOf(err))

	// The callee's budget is untouched.
	_, err = f.coord.Initiate(ctx, "chat-1", "bob", models.CallMediaAudio)
	require.NoError(t, err)

	// The window rolls: a minute later alice may call again.
	f.advance(61 * time.Second)
	_, err = f.coord.Initiate(ctx, "chat-1", "alice", models.CallMediaAudio)
	require.NoError(t, err)
}

func TestCallInitiateValidation(t *testing.T) {
	f := newCoordinatorFixture(DefaultCallConfig())
	ctx := context.Background()
	directChat(f.chats, "chat-1", "alice", "bob")
	f.chats.Put(&models.Chat{
		ID:             "group-1",
		Type:           models.ChatTypeGroup,
		ParticipantIDs: models.StringArray{"alice", "bob", "carol"},
	})

	cases := []struct {
		name      string
		chatID    string
		initiator string
		media     string
		wantCode  apperrors.Code
	}{
		{"bad media type", "chat-1", "alice", "hologram", apperrors.CodeBadRequest},
		{"unknown chat", "missing", "alice", models.CallMediaAudio, apperrors.CodeNotFound},
		{"outsider", "chat-1", "mallory", models.CallMediaAudio, apperrors.CodeForbidden},
		{"group chat", "group-1", "alice", models.CallMediaAudio, apperrors.CodeInvalidTopology},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.coord.Initiate(ctx, tc.chatID, tc.initiator, tc.media)
			assert.Equal(t, tc.wantCode, apperrors.CodeOf(err))
		})
	}
}

func TestCallStateMachineClosure(t *testing.T) {
	f := newCoordinatorFixture(DefaultCallConfig())
	ctx := context.Background()
	directChat(f.chats, "chat-1", "alice", "bob")

	res, err := f.coord.Initiate(ctx, "chat-1", "alice", models.CallMediaAudio)
	require.NoError(t, err)
	callID := res.Session.CallID

	// The initiator cannot answer or decline their own call.
	_, err = f.coord.Accept(ctx, callID, "alice", nil)
	assert.Equal(t, apperrors.CodeForbidden, apperrors.CodeOf(err))
	_, err = f.coord.Reject(ctx, callID, "alice", "")
	assert.Equal(t, apperrors.CodeForbidden, apperrors.CodeOf(err))

	// Outsiders get Forbidden on every transition.
	_, err = f.coord.Accept(ctx, callID, "mallory", nil)
	assert.Equal(t, apperrors.CodeForbidden, apperrors.CodeOf(err))
	_, err = f.coord.End(ctx, callID, "mallory", "")
	assert.Equal(t, apperrors.CodeForbidden, apperrors.CodeOf(err))

	_, err = f.coord.Accept(ctx, callID, "bob", nil)
	require.NoError(t, err)

	// Accepting a connected call is an illegal transition.
	_, err = f.coord.Accept(ctx, callID, "bob", nil)
	assert.Equal(t, apperrors.CodeInvalidState, apperrors.CodeOf(err))
	_, err = f.coord.Reject(ctx, callID, "bob", "")
	assert.Equal(t, apperrors.CodeInvalidState, apperrors.CodeOf(err))

	_, err = f.coord.End(ctx, callID, "bob", "")
	require.NoError(t, err)

	// And so is everything after the terminal state.
	_, err = f.coord.Accept(ctx, callID, "bob", nil)
	assert.Equal(t, apperrors.CodeInvalidState, apperrors.CodeOf(err))
	_, err = f.coord.End(ctx, callID, "alice", "")
	assert.Equal(t, apperrors.CodeInvalidState, apperrors.CodeOf(err))

	_, err = f.coord.End(ctx, "no-such-call", "alice", "")
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
}

func TestCallPersistFailureWithholdsTransition(t *testing.T) {
	f := newCoordinatorFixture(DefaultCallConfig())
	ctx := context.Background()
	directChat(f.chats, "chat-1", "alice", "bob")

	res, err := f.coord.Initiate(ctx, "chat-1", "alice", models.CallMediaAudio)
	require.NoError(t, err)

	f.calls.Err = errors.New("database down")
	_, err = f.coord.Accept(ctx, res.Session.CallID, "bob", nil)
	assert.Equal(t, apperrors.CodeInternal, apperrors.CodeOf(err))

	// The in-memory state never moved, so recovery is a plain retry.
	f.calls.Err = nil
	sess, err := f.coord.Accept(ctx, res.Session.CallID, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusConnected, sess.Status)
}

func TestCallInitiatePersistFailure(t *testing.T) {
	f := newCoordinatorFixture(DefaultCallConfig())
	ctx := context.Background()
	directChat(f.chats, "chat-1", "alice", "bob")

	f.calls.Err = errors.New("database down")
	_, err := f.coord.Initiate(ctx, "chat-1", "alice", models.CallMediaAudio)
	assert.Equal(t, apperrors.CodeInternal, apperrors.CodeOf(err))
	assert.Zero(t, f.coord.ActiveCallCount())
}

func TestRelaySignalBuffersAndForwards(t *testing.T) {
	f := newCoordinatorFixture(DefaultCallConfig())
	ctx := context.Background()
	directChat(f.chats, "chat-1", "alice", "bob")

	bob := newTestClient(t, "bob")
	f.registry.Register("bob", bob)

	res, err := f.coord.Initiate(ctx, "chat-1", "alice", models.CallMediaVideo)
	require.NoError(t, err)
	callID := res.Session.CallID
	drainEvents(t, bob)

	offer := &SignalData{Type: "offer", SDP: "v=0 fake sdp"}
	require.NoError(t, f.coord.RelaySignal(ctx, callID, "alice", SignalOffer, offer))

	candidate := &SignalData{Candidate: "candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host"}
	require.NoError(t, f.coord.RelaySignal(ctx, callID, "alice", SignalICECandidate, candidate))

	events := drainEvents(t, bob)
	require.Len(t, eventsOfType(events, EventWebRTCOffer), 1)
	require.Len(t, eventsOfType(events, EventWebRTCICECandidate), 1)

	var relayed SignalRelayPayload
	decodePayload(t, eventsOfType(events, EventWebRTCOffer)[0], &relayed)
	assert.Equal(t, "alice", relayed.FromUserID)
	assert.Equal(t, "v=0 fake sdp", relayed.Data.SDP)

	// Signaling is buffered on the session for replay after a reconnect.
	sess, err := f.coord.SessionFor(callID, "bob")
	require.NoError(t, err)
	require.NotNil(t, sess.Offer)
	assert.Len(t, sess.Candidates, 1)
}

func TestRelaySignalValidation(t *testing.T) {
	f := newCoordinatorFixture(DefaultCallConfig())
	ctx := context.Background()
	directChat(f.chats, "chat-1", "alice", "bob")

	res, err := f.coord.Initiate(ctx, "chat-1", "alice", models.CallMediaAudio)
	require.NoError(t, err)
	callID := res.Session.CallID

	err = f.coord.RelaySignal(ctx, callID, "alice", SignalOffer, &SignalData{Type: "offer"})
	assert.Equal(t, apperrors.CodeInvalidSignaling, apperrors.CodeOf(err))

	err = f.coord.RelaySignal(ctx, callID, "alice", SignalICECandidate, &SignalData{})
	assert.Equal(t, apperrors.CodeInvalidSignaling, apperrors.CodeOf(err))

	err = f.coord.RelaySignal(ctx, callID, "alice", "smoke-signal", &SignalData{SDP: "x"})
	assert.Equal(t, apperrors.CodeInvalidSignaling, apperrors.CodeOf(err))

	err = f.coord.RelaySignal(ctx, callID, "mallory", SignalOffer, &SignalData{Type: "offer", SDP: "x"})
	assert.Equal(t, apperrors.CodeForbidden, apperrors.CodeOf(err))

	_, err = f.coord.End(ctx, callID, "alice", "")
	require.NoError(t, err)
	err = f.coord.RelaySignal(ctx, callID, "alice", SignalOffer, &SignalData{Type: "offer", SDP: "x"})
	assert.Equal(t, apperrors.CodeInvalidState, apperrors.CodeOf(err))
}

func TestGetActiveCall(t *testing.T) {
	f := newCoordinatorFixture(DefaultCallConfig())
	ctx := context.Background()
	directChat(f.chats, "chat-1", "alice", "bob")

	sess, err := f.coord.GetActiveCall(ctx, "chat-1", "alice")
	require.NoError(t, err)
	assert.Nil(t, sess)

	res, err := f.coord.Initiate(ctx, "chat-1", "alice", models.CallMediaAudio)
	require.NoError(t, err)

	sess, err = f.coord.GetActiveCall(ctx, "chat-1", "bob")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, res.Session.CallID, sess.CallID)

	_, err = f.coord.GetActiveCall(ctx, "chat-1", "mallory")
	assert.Equal(t, apperrors.CodeForbidden, apperrors.CodeOf(err))

	_, err = f.coord.End(ctx, res.Session.CallID, "alice", "")
	require.NoError(t, err)
	sess, err = f.coord.GetActiveCall(ctx, "chat-1", "alice")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestForceCleanup(t *testing.T) {
	f := newCoordinatorFixture(DefaultCallConfig())
	ctx := context.Background()
	directChat(f.chats, "chat-1", "alice", "bob")

	res, err := f.coord.Initiate(ctx, "chat-1", "alice", models.CallMediaAudio)
	require.NoError(t, err)

	_, err = f.coord.ForceCleanup(ctx, "chat-1", "mallory")
	assert.Equal(t, apperrors.CodeForbidden, apperrors.CodeOf(err))

	ended, err := f.coord.ForceCleanup(ctx, "chat-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, ended)

	record, err := f.calls.FindByID(ctx, res.Session.CallID)
	require.NoError(t, err)
	assert.Equal(t, EndReasonForceCleanup, record.EndReason)

	// Nothing left to clean.
	ended, err = f.coord.ForceCleanup(ctx, "chat-1", "bob")
	require.NoError(t, err)
	assert.Zero(t, ended)
}

func TestReapStaleCalls(t *testing.T) {
	f := newCoordinatorFixture(DefaultCallConfig())
	ctx := context.Background()
	directChat(f.chats, "chat-1", "alice", "bob")
	directChat(f.chats, "chat-2", "carol", "dave")

	alice := newTestClient(t, "alice")
	f.registry.Register("alice", alice)

	old, err := f.coord.Initiate(ctx, "chat-1", "alice", models.CallMediaAudio)
	require.NoError(t, err)

	f.advance(9 * time.Minute)
	fresh, err := f.coord.Initiate(ctx, "chat-2", "carol", models.CallMediaVideo)
	require.NoError(t, err)
	drainEvents(t, alice)

	ended := f.coord.ReapStale(ctx, 10*time.Minute)
	assert.Zero(t, ended)

	f.advance(2 * time.Minute)
	ended = f.coord.ReapStale(ctx, 10*time.Minute)
	assert.Equal(t, 1, ended)

	record, err := f.calls.FindByID(ctx, old.Session.CallID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusEnded, record.Status)
	assert.Equal(t, EndReasonTimeout, record.EndReason)

	// Participants are told their call timed out.
	events := eventsOfType(drainEvents(t, alice), EventCallEnded)
	require.Len(t, events, 1)

	// The fresh call is untouched.
	sess, err := f.coord.GetActiveCall(ctx, "chat-2", "carol")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, fresh.Session.CallID, sess.CallID)
}
