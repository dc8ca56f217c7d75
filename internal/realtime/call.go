package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/amoura-app/backend/internal/errors"
	"github.com/amoura-app/backend/internal/logger"
	"github.com/amoura-app/backend/internal/models"
	"github.com/amoura-app/backend/internal/repository"
)

// Call end reasons
const (
	EndReasonUserEnded      = "user_ended"
	EndReasonRejected       = "rejected"
	EndReasonTimeout        = "timeout"
	EndReasonStale          = "stale"
	EndReasonSuperseded     = "superseded"
	EndReasonForceCleanup   = "force_cleanup"
	EndReasonServerShutdown = "server_shutdown"
)

// CallConfig tunes the coordinator
type CallConfig struct {
	// RejoinWindow is how long after initiation a repeat initiate on the
	// same chat joins the existing call instead of replacing it.
	RejoinWindow time.Duration
	// InitiationsPerMinute caps call starts per initiator per rolling window
	InitiationsPerMinute int
	// RateWindow is the rolling window for the initiation limit
	RateWindow time.Duration
}

// DefaultCallConfig matches the production defaults
func DefaultCallConfig() CallConfig {
	return CallConfig{
		RejoinWindow:         5 * time.Minute,
		InitiationsPerMinute: 5,
		RateWindow:           time.Minute,
	}
}

// CallSession is the authoritative in-memory state of one call
type CallSession struct {
	CallID      string
	ChatID      string
	InitiatorID string
	CalleeID    string
	MediaType   string
	Status      string

	StartedAt  time.Time
	AnsweredAt *time.Time
	EndedAt    *time.Time
	EndReason  string

	// Buffered signaling, replayable to a participant that reconnects
	Offer      *SignalData
	Answer     *SignalData
	Candidates []SignalData
}

// Terminal reports whether the call has reached a final state
func (s *CallSession) Terminal() bool {
	return s.Status == models.CallStatusEnded || s.Status == models.CallStatusRejected
}

func (s *CallSession) hasParticipant(userID string) bool {
	return userID == s.InitiatorID || userID == s.CalleeID
}

func (s *CallSession) otherParticipant(userID string) string {
	if userID == s.InitiatorID {
		return s.CalleeID
	}
	return s.InitiatorID
}

// DurationSeconds is talk time: connected to ended, zero if never answered
func (s *CallSession) DurationSeconds() int {
	if s.AnsweredAt == nil || s.EndedAt == nil {
		return 0
	}
	d := s.EndedAt.Sub(*s.AnsweredAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// snapshot copies the session so callers can read it lock-free
func (s *CallSession) snapshot() *CallSession {
	cp := *s
	if s.AnsweredAt != nil {
		t := *s.AnsweredAt
		cp.AnsweredAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	cp.Candidates = append([]SignalData(nil), s.Candidates...)
	return &cp
}

// payload builds the lifecycle event body for the session
func (s *CallSession) payload(joinedExisting bool) CallPayload {
	p := CallPayload{
		CallID:         s.CallID,
		ChatID:         s.ChatID,
		InitiatorID:    s.InitiatorID,
		MediaType:      s.MediaType,
		Status:         s.Status,
		Reason:         s.EndReason,
		JoinedExisting: joinedExisting,
		Duration:       s.DurationSeconds(),
	}
	if s.AnsweredAt != nil {
		p.AnsweredAt = s.AnsweredAt.UnixMilli()
	}
	if s.EndedAt != nil {
		p.EndedAt = s.EndedAt.UnixMilli()
	}
	return p
}

// InitiateResult distinguishes a fresh call from an idempotent rejoin
type InitiateResult struct {
	Session        *CallSession
	JoinedExisting bool
}

// CallCoordinator owns the ringing -> connected -> ended/rejected state
// machine. In-memory sessions are authoritative; the call store is a
// mirror updated before each primary transition is applied, with the
// session re-validated after the write since state may have moved while
// the coordinator was off the lock.
type CallCoordinator struct {
	mu          sync.Mutex
	sessions    map[string]*CallSession // callID -> session, terminal kept until reaped
	byChat      map[string]string       // chatID -> active callID
	initiations map[string][]time.Time  // initiatorID -> recent attempts

	chats    repository.ChatStore
	calls    repository.CallStore
	registry *Registry
	metrics  *Metrics
	cfg      CallConfig
	log      *zap.Logger

	now func() time.Time
}

// NewCallCoordinator creates the coordinator
func NewCallCoordinator(chats repository.ChatStore, calls repository.CallStore, registry *Registry, metrics *Metrics, cfg CallConfig, log *zap.Logger) *CallCoordinator {
	if log == nil {
		log = logger.Log
	}
	if cfg.RejoinWindow <= 0 {
		cfg.RejoinWindow = 5 * time.Minute
	}
	if cfg.InitiationsPerMinute <= 0 {
		cfg.InitiationsPerMinute = 5
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	return &CallCoordinator{
		sessions:    make(map[string]*CallSession),
		byChat:      make(map[string]string),
		initiations: make(map[string][]time.Time),
		chats:       chats,
		calls:       calls,
		registry:    registry,
		metrics:     metrics,
		cfg:         cfg,
		log:         log,
		now:         time.Now,
	}
}

// allowInitiation records an attempt against the rolling window
func (c *CallCoordinator) allowInitiation(initiatorID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.cfg.RateWindow)
	recent := c.initiations[initiatorID][:0]
	for _, t := range c.initiations[initiatorID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= c.cfg.InitiationsPerMinute {
		c.initiations[initiatorID] = recent
		return false
	}
	c.initiations[initiatorID] = append(recent, c.now())
	return true
}

// Initiate starts a call on a direct chat, or joins the chat's existing
// call if one started within the rejoin window. An existing call older
// than the window is presumed dead, force-ended, and replaced.
func (c *CallCoordinator) Initiate(ctx context.Context, chatID, initiatorID, mediaType string) (*InitiateResult, error) {
	switch mediaType {
	case models.CallMediaAudio, models.CallMediaVideo:
	default:
		return nil, apperrors.BadRequest("media type must be audio or video")
	}

	if !c.allowInitiation(initiatorID) {
		return nil, apperrors.RateLimited("too many call attempts, try again shortly")
	}

	chat, err := c.chats.FindByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(initiatorID) {
		return nil, apperrors.Forbidden("not a participant of this chat")
	}
	if !chat.IsDirect() {
		return nil, apperrors.InvalidTopology("calls require a direct chat with exactly two participants")
	}
	calleeID, ok := chat.OtherParticipant(initiatorID)
	if !ok {
		return nil, apperrors.InvalidTopology("could not resolve the other participant")
	}

	// First look: join or evict under the lock, before any further awaits.
	var evict *CallSession
	c.mu.Lock()
	if existingID, active := c.byChat[chatID]; active {
		if sess := c.sessions[existingID]; sess != nil && !sess.Terminal() {
			if c.now().Sub(sess.StartedAt) <= c.cfg.RejoinWindow {
				snap := sess.snapshot()
				c.mu.Unlock()
				return &InitiateResult{Session: snap, JoinedExisting: true}, nil
			}
			evict = sess
		}
	}
	c.mu.Unlock()

	if evict != nil {
		c.endSession(ctx, evict.CallID, EndReasonStale)
	}

	session := &CallSession{
		CallID:      uuid.New().String(),
		ChatID:      chatID,
		InitiatorID: initiatorID,
		CalleeID:    calleeID,
		MediaType:   mediaType,
		Status:      models.CallStatusRinging,
		StartedAt:   c.now().UTC(),
	}

	// Mirror first: if the record can't be written the call never existed.
	record := &models.Call{
		ID:             session.CallID,
		ChatID:         chatID,
		InitiatorID:    initiatorID,
		ParticipantIDs: models.StringArray{initiatorID, calleeID},
		MediaType:      mediaType,
		Status:         models.CallStatusRinging,
		StartedAt:      session.StartedAt,
	}
	if err := c.calls.Create(ctx, record); err != nil {
		c.log.Error("failed to persist call record",
			zap.String("chat_id", chatID),
			zap.Error(err))
		return nil, apperrors.Internal("could not start call")
	}

	// Re-validate: another initiate may have won the chat while we were
	// writing the mirror. The loser joins the winner and its record is
	// retired.
	c.mu.Lock()
	if existingID, active := c.byChat[chatID]; active {
		if winner := c.sessions[existingID]; winner != nil && !winner.Terminal() {
			snap := winner.snapshot()
			c.mu.Unlock()
			c.retireRecord(ctx, session.CallID, EndReasonSuperseded)
			return &InitiateResult{Session: snap, JoinedExisting: true}, nil
		}
	}
	c.sessions[session.CallID] = session
	c.byChat[chatID] = session.CallID
	snap := session.snapshot()
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ActiveCalls.Inc()
	}

	if err := c.chats.SetActiveCall(ctx, chatID, session.CallID); err != nil {
		c.log.Warn("failed to mirror active call onto chat",
			zap.String("chat_id", chatID),
			zap.String("call_id", session.CallID),
			zap.Error(err))
	}

	c.notify(calleeID, NewEvent(EventCallIncoming, snap.payload(false)))

	return &InitiateResult{Session: snap, JoinedExisting: false}, nil
}

// Accept transitions a ringing call to connected. Only the callee may
// accept; accepting twice, or after the call ended, is InvalidState.
func (c *CallCoordinator) Accept(ctx context.Context, callID, userID string, answer *SignalData) (*CallSession, error) {
	c.mu.Lock()
	sess, ok := c.sessions[callID]
	if !ok {
		c.mu.Unlock()
		return nil, apperrors.NotFound("call")
	}
	if !sess.hasParticipant(userID) {
		c.mu.Unlock()
		return nil, apperrors.Forbidden("not a participant of this call")
	}
	if userID == sess.InitiatorID {
		c.mu.Unlock()
		return nil, apperrors.Forbidden("initiator cannot accept their own call")
	}
	if sess.Status != models.CallStatusRinging {
		c.mu.Unlock()
		return nil, apperrors.InvalidState("call is not ringing")
	}
	c.mu.Unlock()

	answeredAt := c.now().UTC()
	answeredMillis := answeredAt.UnixMilli()
	err := c.calls.UpdateStatus(ctx, callID, repository.CallStatusUpdate{
		Status:     models.CallStatusConnected,
		AnsweredAt: &answeredMillis,
	})
	if err != nil {
		c.log.Error("failed to persist call accept",
			zap.String("call_id", callID),
			zap.Error(err))
		return nil, apperrors.Internal("could not accept call")
	}

	// The session may have been ended or reaped while we were persisting.
	c.mu.Lock()
	sess, ok = c.sessions[callID]
	if !ok || sess.Status != models.CallStatusRinging {
		var stale *CallSession
		if ok {
			stale = sess.snapshot()
		}
		c.mu.Unlock()
		if stale != nil {
			c.restoreMirror(ctx, stale)
		}
		c.log.Warn("call state moved during accept persist",
			zap.String("call_id", callID))
		return nil, apperrors.InvalidState("call is not ringing")
	}
	sess.Status = models.CallStatusConnected
	sess.AnsweredAt = &answeredAt
	if answer != nil {
		sess.Answer = answer
	}
	snap := sess.snapshot()
	c.mu.Unlock()

	c.notify(snap.InitiatorID, NewEvent(EventCallAccepted, snap.payload(false)))
	return snap, nil
}

// Reject declines a ringing call. Only the callee may reject.
func (c *CallCoordinator) Reject(ctx context.Context, callID, userID, reason string) (*CallSession, error) {
	c.mu.Lock()
	sess, ok := c.sessions[callID]
	if !ok {
		c.mu.Unlock()
		return nil, apperrors.NotFound("call")
	}
	if !sess.hasParticipant(userID) {
		c.mu.Unlock()
		return nil, apperrors.Forbidden("not a participant of this call")
	}
	if userID == sess.InitiatorID {
		c.mu.Unlock()
		return nil, apperrors.Forbidden("initiator cannot reject their own call")
	}
	if sess.Status != models.CallStatusRinging {
		c.mu.Unlock()
		return nil, apperrors.InvalidState("call is not ringing")
	}
	c.mu.Unlock()

	if reason == "" {
		reason = EndReasonRejected
	}
	snap, err := c.transitionTerminal(ctx, callID, models.CallStatusRejected, reason, models.CallStatusRinging)
	if err != nil {
		return nil, err
	}

	c.notify(snap.otherParticipant(userID), NewEvent(EventCallRejected, snap.payload(false)))
	return snap, nil
}

// End hangs up a call from any non-terminal state. Either participant
// may end; ending an already-ended call is InvalidState.
func (c *CallCoordinator) End(ctx context.Context, callID, userID, reason string) (*CallSession, error) {
	c.mu.Lock()
	sess, ok := c.sessions[callID]
	if !ok {
		c.mu.Unlock()
		return nil, apperrors.NotFound("call")
	}
	if !sess.hasParticipant(userID) {
		c.mu.Unlock()
		return nil, apperrors.Forbidden("not a participant of this call")
	}
	if sess.Terminal() {
		c.mu.Unlock()
		return nil, apperrors.InvalidState("call already ended")
	}
	c.mu.Unlock()

	if reason == "" {
		reason = EndReasonUserEnded
	}
	snap, err := c.transitionTerminal(ctx, callID, models.CallStatusEnded, reason, "")
	if err != nil {
		return nil, err
	}

	c.notify(snap.otherParticipant(userID), NewEvent(EventCallEnded, snap.payload(false)))
	return snap, nil
}

// transitionTerminal persists and applies a terminal transition. When
// requireStatus is non-empty the session must still hold that status
// after the persist; otherwise any non-terminal status qualifies.
func (c *CallCoordinator) transitionTerminal(ctx context.Context, callID, status, reason, requireStatus string) (*CallSession, error) {
	c.mu.Lock()
	sess, ok := c.sessions[callID]
	if !ok {
		c.mu.Unlock()
		return nil, apperrors.NotFound("call")
	}
	endedAt := c.now().UTC()
	probe := sess.snapshot()
	c.mu.Unlock()

	probe.EndedAt = &endedAt
	endedMillis := endedAt.UnixMilli()
	duration := probe.DurationSeconds()
	err := c.calls.UpdateStatus(ctx, callID, repository.CallStatusUpdate{
		Status:          status,
		EndReason:       reason,
		EndedAt:         &endedMillis,
		DurationSeconds: &duration,
	})
	if err != nil {
		c.log.Error("failed to persist call end",
			zap.String("call_id", callID),
			zap.String("status", status),
			zap.Error(err))
		return nil, apperrors.Internal("could not end call")
	}

	c.mu.Lock()
	sess, ok = c.sessions[callID]
	if !ok || sess.Terminal() || (requireStatus != "" && sess.Status != requireStatus) {
		var stale *CallSession
		if ok {
			stale = sess.snapshot()
		}
		c.mu.Unlock()
		if stale != nil {
			c.restoreMirror(ctx, stale)
		}
		return nil, apperrors.InvalidState("call state changed")
	}
	sess.Status = status
	sess.EndReason = reason
	sess.EndedAt = &endedAt
	if c.byChat[sess.ChatID] == callID {
		delete(c.byChat, sess.ChatID)
	}
	snap := sess.snapshot()
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ActiveCalls.Dec()
		c.metrics.CallsTotal.WithLabelValues(reason).Inc()
	}

	if err := c.chats.ClearActiveCall(ctx, snap.ChatID, callID); err != nil {
		c.log.Warn("failed to clear active call mirror",
			zap.String("chat_id", snap.ChatID),
			zap.String("call_id", callID),
			zap.Error(err))
	}

	return snap, nil
}

// restoreMirror rewrites the mirror record from the session's current
// state. Used when a persist landed on a check that went stale during
// the suspension: the in-memory session is authoritative and the record
// must not keep the loser's status. Best effort.
func (c *CallCoordinator) restoreMirror(ctx context.Context, snap *CallSession) {
	update := repository.CallStatusUpdate{
		Status:    snap.Status,
		EndReason: snap.EndReason,
	}
	if snap.AnsweredAt != nil {
		millis := snap.AnsweredAt.UnixMilli()
		update.AnsweredAt = &millis
	}
	if snap.EndedAt != nil {
		millis := snap.EndedAt.UnixMilli()
		update.EndedAt = &millis
		duration := snap.DurationSeconds()
		update.DurationSeconds = &duration
	}
	if err := c.calls.UpdateStatus(ctx, snap.CallID, update); err != nil {
		c.log.Warn("failed to restore call mirror after lost race",
			zap.String("call_id", snap.CallID),
			zap.String("status", snap.Status),
			zap.Error(err))
	}
}

// endSession force-ends a call on behalf of the system (stale eviction,
// shutdown, reaper), notifying both participants. Errors are logged, not
// returned; the caller is cleaning up, not serving a user.
func (c *CallCoordinator) endSession(ctx context.Context, callID, reason string) bool {
	snap, err := c.transitionTerminal(ctx, callID, models.CallStatusEnded, reason, "")
	if err != nil {
		if code := apperrors.CodeOf(err); code != apperrors.CodeInvalidState && code != apperrors.CodeNotFound {
			c.log.Error("failed to force-end call",
				zap.String("call_id", callID),
				zap.String("reason", reason),
				zap.Error(err))
		}
		return false
	}
	evt := NewEvent(EventCallEnded, snap.payload(false))
	c.notify(snap.InitiatorID, evt)
	c.notify(snap.CalleeID, evt)
	return true
}

// retireRecord marks an orphaned mirror record ended; it never had a
// live session.
func (c *CallCoordinator) retireRecord(ctx context.Context, callID, reason string) {
	endedMillis := c.now().UTC().UnixMilli()
	duration := 0
	err := c.calls.UpdateStatus(ctx, callID, repository.CallStatusUpdate{
		Status:          models.CallStatusEnded,
		EndReason:       reason,
		EndedAt:         &endedMillis,
		DurationSeconds: &duration,
	})
	if err != nil {
		c.log.Warn("failed to retire orphaned call record",
			zap.String("call_id", callID),
			zap.Error(err))
	}
}

// RelaySignal validates and forwards a WebRTC payload to the other
// participant, buffering it on the session for replay.
func (c *CallCoordinator) RelaySignal(ctx context.Context, callID, userID, signalType string, data *SignalData) error {
	if err := ValidateSignal(signalType, data); err != nil {
		return err
	}

	c.mu.Lock()
	sess, ok := c.sessions[callID]
	if !ok {
		c.mu.Unlock()
		return apperrors.NotFound("call")
	}
	if !sess.hasParticipant(userID) {
		c.mu.Unlock()
		return apperrors.Forbidden("not a participant of this call")
	}
	if sess.Terminal() {
		c.mu.Unlock()
		return apperrors.InvalidState("call already ended")
	}
	switch signalType {
	case SignalOffer:
		sess.Offer = data
	case SignalAnswer:
		sess.Answer = data
	case SignalICECandidate:
		sess.Candidates = append(sess.Candidates, *data)
	}
	peerID := sess.otherParticipant(userID)
	chatID := sess.ChatID
	c.mu.Unlock()

	// The peer may be between connections; the buffered copy covers replay.
	c.notify(peerID, NewEvent(signalEventName(signalType), SignalRelayPayload{
		CallID:     callID,
		ChatID:     chatID,
		FromUserID: userID,
		Data:       data,
	}))
	return nil
}

// GetActiveCall returns the chat's live call, or nil when there is none.
// Only chat participants may ask.
func (c *CallCoordinator) GetActiveCall(ctx context.Context, chatID, userID string) (*CallSession, error) {
	chat, err := c.chats.FindByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(userID) {
		return nil, apperrors.Forbidden("not a participant of this chat")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	callID, ok := c.byChat[chatID]
	if !ok {
		return nil, nil
	}
	sess := c.sessions[callID]
	if sess == nil || sess.Terminal() {
		return nil, nil
	}
	return sess.snapshot(), nil
}

// SessionFor returns the session by ID if userID participates in it
func (c *CallCoordinator) SessionFor(callID, userID string) (*CallSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[callID]
	if !ok {
		return nil, apperrors.NotFound("call")
	}
	if !sess.hasParticipant(userID) {
		return nil, apperrors.Forbidden("not a participant of this call")
	}
	return sess.snapshot(), nil
}

// ForceCleanup ends every live call on the chat. Exposed for recovery
// tooling when a client wedges with a phantom active call.
func (c *CallCoordinator) ForceCleanup(ctx context.Context, chatID, userID string) (int, error) {
	chat, err := c.chats.FindByID(ctx, chatID)
	if err != nil {
		return 0, err
	}
	if !chat.HasParticipant(userID) {
		return 0, apperrors.Forbidden("not a participant of this chat")
	}

	c.mu.Lock()
	var live []string
	for id, sess := range c.sessions {
		if sess.ChatID == chatID && !sess.Terminal() {
			live = append(live, id)
		}
	}
	c.mu.Unlock()

	ended := 0
	for _, id := range live {
		if c.endSession(ctx, id, EndReasonForceCleanup) {
			ended++
		}
	}
	return ended, nil
}

// EndAllForShutdown force-ends every live call during graceful shutdown
func (c *CallCoordinator) EndAllForShutdown(ctx context.Context) int {
	c.mu.Lock()
	var live []string
	for id, sess := range c.sessions {
		if !sess.Terminal() {
			live = append(live, id)
		}
	}
	c.mu.Unlock()

	ended := 0
	for _, id := range live {
		if c.endSession(ctx, id, EndReasonServerShutdown) {
			ended++
		}
	}
	return ended
}

// ReapStale force-ends live calls older than olderThan and drops
// terminal sessions that have lingered past the same horizon. Returns
// the number of live calls ended.
func (c *CallCoordinator) ReapStale(ctx context.Context, olderThan time.Duration) int {
	cutoff := c.now().Add(-olderThan)

	c.mu.Lock()
	var stale []string
	for id, sess := range c.sessions {
		if sess.Terminal() {
			// Terminal sessions stay visible briefly so a late accept or
			// end reports InvalidState instead of NotFound.
			if sess.EndedAt != nil && sess.EndedAt.Before(cutoff) {
				delete(c.sessions, id)
			}
			continue
		}
		if sess.StartedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()

	ended := 0
	for _, id := range stale {
		if c.endSession(ctx, id, EndReasonTimeout) {
			ended++
			if c.metrics != nil {
				c.metrics.ReapedTotal.WithLabelValues("call").Inc()
			}
		}
	}
	return ended
}

// ActiveCallCount returns the number of live calls
func (c *CallCoordinator) ActiveCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byChat)
}

// notify delivers an event to the user's active connection, if any
func (c *CallCoordinator) notify(userID string, evt *Event) {
	client, ok := c.registry.Resolve(userID)
	if !ok {
		return
	}
	if !client.Send(evt) && c.metrics != nil {
		c.metrics.DroppedDeliveries.Inc()
	}
}
