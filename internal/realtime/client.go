package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/amoura-app/backend/internal/errors"
	"github.com/amoura-app/backend/internal/logger"
	"github.com/amoura-app/backend/internal/models"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	readTimeout  = 90 * time.Second // missed pings for three intervals
)

// ClientOptions bound per-connection resource usage
type ClientOptions struct {
	MessagesPerSecond float64
	MessageBurst      int
	MaxMessageSize    int64
	SendBuffer        int
}

// DefaultClientOptions match the production config defaults
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		MessagesPerSecond: 10,
		MessageBurst:      20,
		MaxMessageSize:    512 * 1024,
		SendBuffer:        256,
	}
}

// Client is one authenticated WebSocket connection. Reads and writes run
// on dedicated pumps; everything else talks to the connection through the
// buffered send channel.
type Client struct {
	ID       string
	UserID   string
	Username string

	ConnectedAt time.Time

	conn    *websocket.Conn
	send    chan []byte
	limiter *tokenBucket

	ctx    context.Context
	cancel context.CancelFunc

	lastActivity int64 // unix nanos, atomic

	closeOnce sync.Once
}

// NewClient wraps an accepted connection for the given user
func NewClient(ctx context.Context, conn *websocket.Conn, user *models.User, opts ClientOptions) *Client {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	clientCtx, cancel := context.WithCancel(ctx)
	now := time.Now().UTC()
	c := &Client{
		ID:          uuid.New().String(),
		UserID:      user.ID,
		Username:    user.Username,
		ConnectedAt: now,
		conn:        conn,
		send:        make(chan []byte, opts.SendBuffer),
		limiter:     newTokenBucket(opts.MessagesPerSecond, opts.MessageBurst),
		ctx:         clientCtx,
		cancel:      cancel,
	}
	c.Touch()
	if conn != nil && opts.MaxMessageSize > 0 {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	return c
}

// Touch records inbound activity for idle detection
func (c *Client) Touch() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
}

// LastActivity returns the time of the most recent inbound frame
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActivity))
}

// IsClosed reports whether the connection has been torn down
func (c *Client) IsClosed() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

// Done is closed when the connection is torn down
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Send queues an event for delivery. Delivery is best-effort: a full
// buffer or a closed connection drops the frame rather than blocking the
// caller's broadcast loop.
func (c *Client) Send(evt *Event) bool {
	data, err := json.Marshal(evt)
	if err != nil {
		logger.Log.Error("failed to marshal event",
			zap.String("event_type", evt.Type),
			zap.Error(err))
		return false
	}
	select {
	case <-c.ctx.Done():
		return false
	case c.send <- data:
		return true
	default:
		logger.Log.Warn("send buffer full, dropping event",
			zap.String("user_id", c.UserID),
			zap.String("event_type", evt.Type))
		return false
	}
}

// Close tears the connection down once. Safe to call from any goroutine.
func (c *Client) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			_ = c.conn.Close(code, reason)
		}
	})
}

// ReadPump consumes frames until the connection dies, passing each parsed
// event to handle. Runs on the connection's goroutine; returns on error.
func (c *Client) ReadPump(handle func(*Client, *Event)) {
	defer c.Close(websocket.StatusNormalClosure, "read loop exited")

	for {
		readCtx, cancel := context.WithTimeout(c.ctx, readTimeout)
		msgType, data, err := c.conn.Read(readCtx)
		cancel()
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !c.IsClosed() {
				logger.Log.Debug("websocket read error",
					zap.String("user_id", c.UserID),
					zap.Error(err))
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		c.Touch()

		if !c.limiter.allow() {
			c.Send(NewErrorEvent(EventError, apperrors.CodeRateLimited, "too many messages, slow down"))
			continue
		}

		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			c.Send(NewErrorEvent(EventError, apperrors.CodeBadRequest, "malformed event"))
			continue
		}
		if evt.Type == "" {
			c.Send(NewErrorEvent(EventError, apperrors.CodeBadRequest, "event type is required"))
			continue
		}

		handle(c, &evt)
	}
}

// WritePump drains the send channel onto the wire and keeps the
// connection alive with periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close(websocket.StatusNormalClosure, "write loop exited")
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// tokenBucket is a per-connection message rate limiter
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	last     time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 10
	}
	if burst <= 0 {
		burst = int(rate) * 2
	}
	return &tokenBucket{
		tokens:   float64(burst),
		capacity: float64(burst),
		rate:     rate,
		last:     time.Now(),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
