// Package realtime implements the presence, messaging and call-signaling
// coordinator: the connection registry, presence tracker, chat-room broker,
// call coordinator, stale-state reaper and the WebSocket gateway that wires
// them together.
package realtime

import (
	"encoding/json"
	"time"

	apperrors "github.com/amoura-app/backend/internal/errors"
	"github.com/amoura-app/backend/internal/models"
)

// Client -> server event names
const (
	EventJoinChat     = "join_chat"
	EventLeaveChat    = "leave_chat"
	EventTypingStart  = "typing_start"
	EventTypingStop   = "typing_stop"
	EventNewMessage   = "new_message"
	EventCallInitiate = "call:initiate"
	EventCallAccept   = "call:accept"
	EventCallReject   = "call:reject"
	EventCallEnd      = "call:end"
	EventUpdateStatus = "update_status"
	EventPing         = "ping"
)

// Server -> client event names
const (
	EventConnectionSuccess      = "connection_success"
	EventUserOnline             = "user_online"
	EventUserOffline            = "user_offline"
	EventUserJoinedChat         = "user_joined_chat"
	EventUserLeftChat           = "user_left_chat"
	EventUserTyping             = "user_typing"
	EventMessageReceived        = "message_received"
	EventNewMessageNotification = "new_message_notification"
	EventCallIncoming           = "call:incoming"
	EventCallInitiated          = "call:initiated"
	EventCallAccepted           = "call:accepted"
	EventCallRejected           = "call:rejected"
	EventCallEnded              = "call:ended"
	EventCallError              = "call:error"
	EventWebRTCOffer            = "webrtc:offer"
	EventWebRTCAnswer           = "webrtc:answer"
	EventWebRTCICECandidate     = "webrtc:ice-candidate"
	EventUserStatusUpdate       = "user_status_update"
	EventPong                   = "pong"
	EventError                  = "error"
)

// Event is one frame on the realtime channel. Inbound payloads stay raw
// until the per-event handler decodes them into their closed payload type;
// outbound payloads are marshaled at construction.
type Event struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
}

// NewEvent creates an event with the current timestamp. Payloads are
// produced by this package and always marshal; a nil payload is omitted.
func NewEvent(eventType string, payload interface{}) *Event {
	evt := &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			evt.Payload = data
		}
	}
	return evt
}

// NewErrorEvent creates an error (or call:error) event
func NewErrorEvent(eventType string, code apperrors.Code, message string) *Event {
	return NewEvent(eventType, ErrorPayload{Code: code, Message: message})
}

// decode unmarshals an inbound payload into its closed type
func decode(raw json.RawMessage, target interface{}) error {
	if len(raw) == 0 {
		return apperrors.BadRequest("missing payload")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return apperrors.BadRequest("malformed payload")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Inbound payloads. Each carries its own validation so nothing malformed
// reaches the components behind the gateway.

// JoinChatPayload subscribes the connection to a chat room
type JoinChatPayload struct {
	ChatID string `json:"chatId"`
}

// Validate checks required fields
func (p *JoinChatPayload) Validate() error {
	if p.ChatID == "" {
		return apperrors.BadRequest("chatId is required")
	}
	return nil
}

// TypingPayload starts or stops a typing indicator
type TypingPayload struct {
	ChatID string `json:"chatId"`
}

// Validate checks required fields
func (p *TypingPayload) Validate() error {
	if p.ChatID == "" {
		return apperrors.BadRequest("chatId is required")
	}
	return nil
}

// NewMessagePayload sends a chat message
type NewMessagePayload struct {
	ChatID        string `json:"chatId"`
	Content       string `json:"content"`
	Type          string `json:"type,omitempty"`
	ReplyTo       string `json:"replyTo,omitempty"`
	ForwardedFrom string `json:"forwardedFrom,omitempty"`
}

// Validate checks required fields and the content type
func (p *NewMessagePayload) Validate() error {
	if p.ChatID == "" {
		return apperrors.BadRequest("chatId is required")
	}
	if p.Content == "" {
		return apperrors.BadRequest("content is required")
	}
	switch p.Type {
	case "", models.MessageTypeText, models.MessageTypeImage, models.MessageTypeAudio:
		return nil
	default:
		return apperrors.BadRequest("unsupported message type")
	}
}

// CallInitiatePayload starts a call on a direct chat
type CallInitiatePayload struct {
	ChatID string `json:"chatId"`
	Type   string `json:"type"`
	// TargetUserID is advisory; the callee is resolved from the chat's
	// participant list, never trusted from the client.
	TargetUserID string `json:"targetUserId,omitempty"`
}

// Validate checks required fields and the media type
func (p *CallInitiatePayload) Validate() error {
	if p.ChatID == "" {
		return apperrors.BadRequest("chatId is required")
	}
	switch p.Type {
	case models.CallMediaAudio, models.CallMediaVideo:
		return nil
	default:
		return apperrors.BadRequest("type must be audio or video")
	}
}

// CallAcceptPayload answers a ringing call
type CallAcceptPayload struct {
	CallID string      `json:"callId"`
	Answer *SignalData `json:"answer,omitempty"`
}

// Validate checks required fields
func (p *CallAcceptPayload) Validate() error {
	if p.CallID == "" {
		return apperrors.BadRequest("callId is required")
	}
	if p.Answer != nil {
		return ValidateSignal(SignalAnswer, p.Answer)
	}
	return nil
}

// CallRejectPayload declines a ringing call
type CallRejectPayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// Validate checks required fields
func (p *CallRejectPayload) Validate() error {
	if p.CallID == "" {
		return apperrors.BadRequest("callId is required")
	}
	return nil
}

// CallEndPayload hangs up a call
type CallEndPayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// Validate checks required fields
func (p *CallEndPayload) Validate() error {
	if p.CallID == "" {
		return apperrors.BadRequest("callId is required")
	}
	return nil
}

// User-selectable presence statuses
const (
	StatusOnline = "online"
	StatusAway   = "away"
	StatusBusy   = "busy"
)

// UpdateStatusPayload changes the user's visible status
type UpdateStatusPayload struct {
	Status string `json:"status"`
}

// Validate checks the status value
func (p *UpdateStatusPayload) Validate() error {
	switch p.Status {
	case StatusOnline, StatusAway, StatusBusy:
		return nil
	default:
		return apperrors.BadRequest("status must be online, away or busy")
	}
}

// PingPayload carries the client clock for latency measurement
type PingPayload struct {
	ClientTime int64 `json:"client_time,omitempty"`
}

// ---------------------------------------------------------------------------
// Signaling

// Signal types relayed between call participants
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
)

// SignalData is a WebRTC session description or ICE candidate, forwarded
// verbatim between the two call participants.
type SignalData struct {
	Type          string `json:"type,omitempty"` // sdp type tag: offer | answer
	SDP           string `json:"sdp,omitempty"`
	Candidate     string `json:"candidate,omitempty"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex *int   `json:"sdpMLineIndex,omitempty"`
}

// SignalEnvelope is the body of POST /calls/:callId/signaling
type SignalEnvelope struct {
	Type string      `json:"type"`
	Data *SignalData `json:"data"`
}

// ValidateSignal checks a signaling payload against its declared type
func ValidateSignal(signalType string, data *SignalData) error {
	if data == nil {
		return apperrors.InvalidSignaling("missing signaling data")
	}
	switch signalType {
	case SignalOffer, SignalAnswer:
		if data.SDP == "" {
			return apperrors.InvalidSignaling("session description is required")
		}
		if data.Type == "" {
			return apperrors.InvalidSignaling("session description type tag is required")
		}
		return nil
	case SignalICECandidate:
		if data.Candidate == "" {
			return apperrors.InvalidSignaling("candidate is required")
		}
		return nil
	default:
		return apperrors.InvalidSignaling("signal type must be offer, answer or ice-candidate")
	}
}

// signalEventName maps a signal type to its relay event
func signalEventName(signalType string) string {
	switch signalType {
	case SignalOffer:
		return EventWebRTCOffer
	case SignalAnswer:
		return EventWebRTCAnswer
	default:
		return EventWebRTCICECandidate
	}
}

// ---------------------------------------------------------------------------
// Outbound payloads

// ErrorPayload is the body of error and call:error events
type ErrorPayload struct {
	Code    apperrors.Code `json:"code"`
	Message string         `json:"message"`
}

// ConnectionSuccessPayload greets a freshly authenticated connection
type ConnectionSuccessPayload struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
	ServerTime   int64  `json:"server_time"`
}

// PresencePayload is the body of user_online / user_offline /
// user_status_update events; presence is global, not chat-scoped.
type PresencePayload struct {
	UserID    string `json:"user_id"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// RoomPayload is the body of user_joined_chat / user_left_chat events
type RoomPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// TypingEventPayload is the body of user_typing events
type TypingEventPayload struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// MessagePayload is the body of message_received events
type MessagePayload struct {
	MessageID     string `json:"message_id"`
	ChatID        string `json:"chat_id"`
	SenderID      string `json:"sender_id"`
	Content       string `json:"content"`
	Type          string `json:"type"`
	ReplyTo       string `json:"reply_to,omitempty"`
	ForwardedFrom string `json:"forwarded_from,omitempty"`
	SentAt        int64  `json:"sent_at"`
}

// MessageNotificationPayload is the body of new_message_notification
// events, sent to participants not currently viewing the chat.
type MessageNotificationPayload struct {
	ChatID      string `json:"chat_id"`
	MessageID   string `json:"message_id"`
	SenderID    string `json:"sender_id"`
	Preview     string `json:"preview"`
	UnreadCount int64  `json:"unread_count"`
}

// CallPayload is the body of all call lifecycle events
type CallPayload struct {
	CallID         string `json:"call_id"`
	ChatID         string `json:"chat_id"`
	InitiatorID    string `json:"initiator_id"`
	MediaType      string `json:"media_type"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	JoinedExisting bool   `json:"joined_existing,omitempty"`
	AnsweredAt     int64  `json:"answered_at,omitempty"`
	EndedAt        int64  `json:"ended_at,omitempty"`
	Duration       int    `json:"duration_seconds,omitempty"`
}

// SignalRelayPayload is the body of webrtc:* relay events
type SignalRelayPayload struct {
	CallID     string      `json:"call_id"`
	ChatID     string      `json:"chat_id"`
	FromUserID string      `json:"from_user_id"`
	Data       *SignalData `json:"data"`
}

// PongPayload answers a ping
type PongPayload struct {
	ClientTime int64 `json:"client_time,omitempty"`
	ServerTime int64 `json:"server_time"`
}
