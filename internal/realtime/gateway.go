package realtime

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/amoura-app/backend/internal/auth"
	apperrors "github.com/amoura-app/backend/internal/errors"
	"github.com/amoura-app/backend/internal/logger"
	"github.com/amoura-app/backend/internal/middleware"
	"github.com/amoura-app/backend/internal/models"
	"github.com/amoura-app/backend/internal/repository"
)

// Gateway terminates WebSocket connections and HTTP signaling requests,
// authenticates them, and routes typed events into the coordinator
// components.
type Gateway struct {
	registry *Registry
	presence *Presence
	rooms    *RoomBroker
	calls    *CallCoordinator

	chats    repository.ChatStore
	messages repository.MessageStore

	verifier auth.Verifier
	opts     ClientOptions
	metrics  *Metrics
	log      *zap.Logger
}

// NewGateway wires the gateway over its components
func NewGateway(
	verifier auth.Verifier,
	registry *Registry,
	presence *Presence,
	rooms *RoomBroker,
	calls *CallCoordinator,
	chats repository.ChatStore,
	messages repository.MessageStore,
	opts ClientOptions,
	metrics *Metrics,
	log *zap.Logger,
) *Gateway {
	if log == nil {
		log = logger.Log
	}
	return &Gateway{
		registry: registry,
		presence: presence,
		rooms:    rooms,
		calls:    calls,
		chats:    chats,
		messages: messages,
		verifier: verifier,
		opts:     opts,
		metrics:  metrics,
		log:      log,
	}
}

// bearerToken pulls the credential from the query string or the
// Authorization header; browser WebSocket clients can't set headers, so
// the query form is the primary one.
func bearerToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// HandleWebSocket authenticates and upgrades a connection, then blocks
// on its read loop until the connection dies.
func (g *Gateway) HandleWebSocket(c *gin.Context) {
	user, err := g.verifier.Verify(c.Request.Context(), bearerToken(c))
	if err != nil {
		appErr, ok := apperrors.As(err)
		if !ok {
			appErr = apperrors.Unauthenticated("Authentication failed")
		}
		c.JSON(appErr.Code.StatusCode(), gin.H{"error": appErr})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.log.Warn("websocket upgrade failed",
			zap.String("user_id", user.ID),
			zap.Error(err))
		return
	}

	client := NewClient(context.Background(), conn, user, g.opts)

	replaced := g.install(client)

	g.log.Info("websocket connected",
		zap.String("user_id", user.ID),
		zap.String("connection_id", client.ID),
		zap.Bool("replaced", replaced))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	g.presence.MarkOnline(ctx, user.ID, replaced)
	cancel()

	client.Send(NewEvent(EventConnectionSuccess, ConnectionSuccessPayload{
		UserID:       user.ID,
		ConnectionID: client.ID,
		ServerTime:   time.Now().UTC().UnixMilli(),
	}))

	go client.WritePump()
	client.ReadPump(g.dispatch)

	g.disconnect(client, "connection closed")
}

// dispatch routes one inbound event to its handler and maps failures to
// error events. Call-scoped events report on call:error so clients can
// bind failures to their call UI.
func (g *Gateway) dispatch(client *Client, evt *Event) {
	if g.metrics != nil {
		g.metrics.EventsTotal.WithLabelValues(evt.Type).Inc()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch evt.Type {
	case EventJoinChat:
		err = g.handleJoinChat(ctx, client, evt)
	case EventLeaveChat:
		err = g.handleLeaveChat(client, evt)
	case EventTypingStart:
		err = g.handleTyping(client, evt, true)
	case EventTypingStop:
		err = g.handleTyping(client, evt, false)
	case EventNewMessage:
		err = g.handleNewMessage(ctx, client, evt)
	case EventCallInitiate:
		err = g.handleCallInitiate(ctx, client, evt)
	case EventCallAccept:
		err = g.handleCallAccept(ctx, client, evt)
	case EventCallReject:
		err = g.handleCallReject(ctx, client, evt)
	case EventCallEnd:
		err = g.handleCallEnd(ctx, client, evt)
	case EventUpdateStatus:
		err = g.handleUpdateStatus(ctx, client, evt)
	case EventPing:
		err = g.handlePing(ctx, client, evt)
	default:
		err = apperrors.BadRequest("unknown event type")
	}

	if err != nil {
		errEvent := EventError
		if strings.HasPrefix(evt.Type, "call:") {
			errEvent = EventCallError
		}
		appErr, ok := apperrors.As(err)
		if !ok {
			g.log.Error("unhandled event error",
				zap.String("event_type", evt.Type),
				zap.String("user_id", client.UserID),
				zap.Error(err))
			appErr = apperrors.Internal("internal error")
		}
		client.Send(NewErrorEvent(errEvent, appErr.Code, appErr.Message))
	}
}

// install registers a new session, replace before teardown: the new
// session goes in first so the user never flaps offline during a
// reconnect. Room subscriptions belong to the session, not the user, so
// a superseded session's rooms are dropped here; the replacement starts
// with none and rebuilds them by joining.
func (g *Gateway) install(client *Client) (replaced bool) {
	prior := g.registry.Register(client.UserID, client)
	if prior != nil {
		g.rooms.DropUser(client.UserID)
		prior.Close(websocket.StatusNormalClosure, "session superseded by a newer connection")
		if g.metrics != nil {
			g.metrics.ReplacedTotal.Inc()
		}
	}
	if g.metrics != nil {
		g.metrics.ConnectionsTotal.Inc()
		g.metrics.ActiveConnections.Set(float64(g.registry.Count()))
	}
	return prior != nil
}

// disconnect tears a connection down. The guarded unregister keeps a
// superseded session's teardown from touching its replacement: only the
// connection that still owns the registry entry marks the user offline.
func (g *Gateway) disconnect(client *Client, reason string) {
	client.Close(websocket.StatusNormalClosure, reason)

	removed := g.registry.Unregister(client.ID, client.UserID)
	if g.metrics != nil {
		g.metrics.ActiveConnections.Set(float64(g.registry.Count()))
	}
	if !removed {
		return
	}

	g.rooms.DropUser(client.UserID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	g.presence.MarkOffline(ctx, client.UserID)
	cancel()

	g.log.Info("websocket disconnected",
		zap.String("user_id", client.UserID),
		zap.String("connection_id", client.ID),
		zap.String("reason", reason))
}

// DisconnectStale is the reaper's teardown hook
func (g *Gateway) DisconnectStale(client *Client, reason string) {
	g.disconnect(client, reason)
}

// ---------------------------------------------------------------------------
// Event handlers

func (g *Gateway) handleJoinChat(ctx context.Context, client *Client, evt *Event) error {
	var p JoinChatPayload
	if err := decode(evt.Payload, &p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	return g.rooms.Join(ctx, p.ChatID, client.UserID)
}

func (g *Gateway) handleLeaveChat(client *Client, evt *Event) error {
	var p JoinChatPayload
	if err := decode(evt.Payload, &p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	g.rooms.Leave(p.ChatID, client.UserID)
	return nil
}

func (g *Gateway) handleTyping(client *Client, evt *Event, isTyping bool) error {
	var p TypingPayload
	if err := decode(evt.Payload, &p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	g.rooms.NotifyTyping(p.ChatID, client.UserID, isTyping)
	return nil
}

func (g *Gateway) handleNewMessage(ctx context.Context, client *Client, evt *Event) error {
	var p NewMessagePayload
	if err := decode(evt.Payload, &p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	chat, err := g.chats.FindByID(ctx, p.ChatID)
	if err != nil {
		return err
	}
	if !chat.HasParticipant(client.UserID) {
		return apperrors.Forbidden("not a participant of this chat")
	}

	msgType := p.Type
	if msgType == "" {
		msgType = models.MessageTypeText
	}
	msg := &models.Message{
		ChatID:          p.ChatID,
		SenderID:        client.UserID,
		Content:         p.Content,
		Type:            msgType,
		ReplyToID:       p.ReplyTo,
		ForwardedFromID: p.ForwardedFrom,
	}
	if err := g.messages.Save(ctx, msg); err != nil {
		g.log.Error("failed to persist message",
			zap.String("chat_id", p.ChatID),
			zap.String("user_id", client.UserID),
			zap.Error(err))
		return apperrors.Internal("could not send message")
	}

	payload := MessagePayload{
		MessageID:     msg.ID,
		ChatID:        msg.ChatID,
		SenderID:      msg.SenderID,
		Content:       msg.Content,
		Type:          msg.Type,
		ReplyTo:       msg.ReplyToID,
		ForwardedFrom: msg.ForwardedFromID,
		SentAt:        msg.CreatedAt.UnixMilli(),
	}

	// Ack to the sender carries the server-assigned message ID
	client.Send(NewEvent(EventMessageReceived, payload))
	g.rooms.DeliverNewMessage(ctx, chat, payload)
	return nil
}

func (g *Gateway) handleCallInitiate(ctx context.Context, client *Client, evt *Event) error {
	var p CallInitiatePayload
	if err := decode(evt.Payload, &p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	res, err := g.calls.Initiate(ctx, p.ChatID, client.UserID, p.Type)
	if err != nil {
		return err
	}

	client.Send(NewEvent(EventCallInitiated, res.Session.payload(res.JoinedExisting)))
	if res.JoinedExisting {
		g.replaySignaling(client, res.Session)
	}
	return nil
}

// replaySignaling resends a call's buffered SDP and candidates to a
// participant that re-entered the call after reconnecting.
func (g *Gateway) replaySignaling(client *Client, sess *CallSession) {
	relay := func(signalType string, data *SignalData) {
		if data == nil {
			return
		}
		client.Send(NewEvent(signalEventName(signalType), SignalRelayPayload{
			CallID:     sess.CallID,
			ChatID:     sess.ChatID,
			FromUserID: sess.otherParticipant(client.UserID),
			Data:       data,
		}))
	}
	relay(SignalOffer, sess.Offer)
	relay(SignalAnswer, sess.Answer)
	for i := range sess.Candidates {
		relay(SignalICECandidate, &sess.Candidates[i])
	}
}

func (g *Gateway) handleCallAccept(ctx context.Context, client *Client, evt *Event) error {
	var p CallAcceptPayload
	if err := decode(evt.Payload, &p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	sess, err := g.calls.Accept(ctx, p.CallID, client.UserID, p.Answer)
	if err != nil {
		return err
	}
	if p.Answer != nil {
		if err := g.calls.RelaySignal(ctx, p.CallID, client.UserID, SignalAnswer, p.Answer); err != nil {
			g.log.Warn("failed to relay accept answer",
				zap.String("call_id", p.CallID),
				zap.Error(err))
		}
	}

	client.Send(NewEvent(EventCallAccepted, sess.payload(false)))
	return nil
}

func (g *Gateway) handleCallReject(ctx context.Context, client *Client, evt *Event) error {
	var p CallRejectPayload
	if err := decode(evt.Payload, &p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	sess, err := g.calls.Reject(ctx, p.CallID, client.UserID, p.Reason)
	if err != nil {
		return err
	}
	client.Send(NewEvent(EventCallRejected, sess.payload(false)))
	return nil
}

func (g *Gateway) handleCallEnd(ctx context.Context, client *Client, evt *Event) error {
	var p CallEndPayload
	if err := decode(evt.Payload, &p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	sess, err := g.calls.End(ctx, p.CallID, client.UserID, p.Reason)
	if err != nil {
		return err
	}
	client.Send(NewEvent(EventCallEnded, sess.payload(false)))
	return nil
}

func (g *Gateway) handleUpdateStatus(ctx context.Context, client *Client, evt *Event) error {
	var p UpdateStatusPayload
	if err := decode(evt.Payload, &p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	return g.presence.UpdateStatus(ctx, client.UserID, p.Status)
}

func (g *Gateway) handlePing(ctx context.Context, client *Client, evt *Event) error {
	var p PingPayload
	if len(evt.Payload) > 0 {
		// best effort; a bare ping without payload is fine
		_ = decode(evt.Payload, &p)
	}
	g.presence.RecordHeartbeat(ctx, client.UserID)
	client.Send(NewEvent(EventPong, PongPayload{
		ClientTime: p.ClientTime,
		ServerTime: time.Now().UTC().UnixMilli(),
	}))
	return nil
}

// ---------------------------------------------------------------------------
// HTTP endpoints

// writeError renders a coordinator error as a JSON response
func writeError(c *gin.Context, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.Internal("internal error")
	}
	c.JSON(appErr.Code.StatusCode(), gin.H{"error": appErr})
}

// HandleSignaling is POST /api/v1/calls/:callId/signaling: the HTTP
// fallback for clients whose WebSocket is mid-reconnect during
// negotiation.
func (g *Gateway) HandleSignaling(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		writeError(c, apperrors.Unauthenticated("Authentication failed"))
		return
	}

	var envelope SignalEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		writeError(c, apperrors.BadRequest("malformed signaling body"))
		return
	}

	err := g.calls.RelaySignal(c.Request.Context(), c.Param("callId"), user.ID, envelope.Type, envelope.Data)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// HandleActiveCall is GET /api/v1/chats/:chatId/active-call
func (g *Gateway) HandleActiveCall(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		writeError(c, apperrors.Unauthenticated("Authentication failed"))
		return
	}

	sess, err := g.calls.GetActiveCall(c.Request.Context(), c.Param("chatId"), user.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if sess == nil {
		c.JSON(http.StatusOK, gin.H{"active_call": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_call": sess.payload(false)})
}

// HandleForceCleanup is POST /api/v1/chats/:chatId/calls/cleanup,
// recovery for clients wedged on a phantom active call.
func (g *Gateway) HandleForceCleanup(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		writeError(c, apperrors.Unauthenticated("Authentication failed"))
		return
	}

	ended, err := g.calls.ForceCleanup(c.Request.Context(), c.Param("chatId"), user.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "calls_ended": ended})
}

// HandleStats is GET /api/v1/realtime/stats
func (g *Gateway) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active_connections": g.registry.Count(),
		"active_calls":       g.calls.ActiveCallCount(),
		"open_rooms":         g.rooms.RoomCount(),
	})
}

// onlineStatusRequest is the body of POST /api/v1/realtime/online
type onlineStatusRequest struct {
	UserIDs []string `json:"user_ids" binding:"required"`
}

// HandleOnlineStatus is POST /api/v1/realtime/online: bulk presence
// lookup for chat list rendering.
func (g *Gateway) HandleOnlineStatus(c *gin.Context) {
	var req onlineStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest("user_ids is required"))
		return
	}
	if len(req.UserIDs) > 200 {
		writeError(c, apperrors.BadRequest("at most 200 user_ids per request"))
		return
	}

	online := make(map[string]bool, len(req.UserIDs))
	for _, userID := range req.UserIDs {
		online[userID] = g.registry.IsOnline(userID)
	}
	c.JSON(http.StatusOK, gin.H{"online": online})
}

// RegisterRoutes mounts the gateway's endpoints. The WebSocket route
// authenticates itself; the HTTP routes go through requireAuth.
func (g *Gateway) RegisterRoutes(router *gin.Engine, requireAuth gin.HandlerFunc) {
	router.GET("/ws", g.HandleWebSocket)

	api := router.Group("/api/v1")
	api.Use(requireAuth)
	api.POST("/calls/:callId/signaling", g.HandleSignaling)
	api.GET("/chats/:chatId/active-call", g.HandleActiveCall)
	api.POST("/chats/:chatId/calls/cleanup", g.HandleForceCleanup)
	api.GET("/realtime/stats", g.HandleStats)
	api.POST("/realtime/online", g.HandleOnlineStatus)
}

// Shutdown ends live calls and closes every connection. Run after the
// HTTP listener stops accepting upgrades.
func (g *Gateway) Shutdown(ctx context.Context) {
	ended := g.calls.EndAllForShutdown(ctx)
	if ended > 0 {
		g.log.Info("ended live calls for shutdown", zap.Int("calls", ended))
	}

	for _, client := range g.registry.Snapshot() {
		client.Close(websocket.StatusGoingAway, "server shutting down")
		if g.registry.Unregister(client.ID, client.UserID) {
			g.presence.MarkOffline(ctx, client.UserID)
		}
	}
	if g.metrics != nil {
		g.metrics.ActiveConnections.Set(0)
	}
}
