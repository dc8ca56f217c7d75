package realtime

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/amoura-app/backend/internal/errors"
	"github.com/amoura-app/backend/internal/logger"
	"github.com/amoura-app/backend/internal/repository"
)

// Presence persists online state and broadcasts presence transitions to
// every connected user. Presence is global: everyone sees everyone's
// transitions, chat membership notwithstanding.
type Presence struct {
	registry *Registry
	statuses repository.UserStatusStore
	metrics  *Metrics
	log      *zap.Logger
}

// NewPresence creates the presence tracker
func NewPresence(registry *Registry, statuses repository.UserStatusStore, metrics *Metrics, log *zap.Logger) *Presence {
	if log == nil {
		log = logger.Log
	}
	return &Presence{registry: registry, statuses: statuses, metrics: metrics, log: log}
}

// MarkOnline persists the user's online flag and announces the arrival.
// When the connection replaced an existing session the user never left,
// so the broadcast is suppressed to avoid a phantom offline/online flap.
func (p *Presence) MarkOnline(ctx context.Context, userID string, replaced bool) {
	if err := p.statuses.SetOnline(ctx, userID, true); err != nil {
		p.log.Error("failed to persist online state",
			zap.String("user_id", userID),
			zap.Error(err))
	}
	if replaced {
		return
	}
	p.broadcast(NewEvent(EventUserOnline, PresencePayload{
		UserID:    userID,
		Status:    StatusOnline,
		Timestamp: time.Now().UTC().UnixMilli(),
	}), userID)
}

// MarkOffline persists the user's offline flag and announces the
// departure. Callers gate on the registry's guarded unregister so a
// replaced session never marks the new one offline.
func (p *Presence) MarkOffline(ctx context.Context, userID string) {
	if err := p.statuses.SetOnline(ctx, userID, false); err != nil {
		p.log.Error("failed to persist offline state",
			zap.String("user_id", userID),
			zap.Error(err))
	}
	p.broadcast(NewEvent(EventUserOffline, PresencePayload{
		UserID:    userID,
		Status:    "offline",
		Timestamp: time.Now().UTC().UnixMilli(),
	}), userID)
}

// UpdateStatus changes the user's visible status and broadcasts it. The
// persist is the primary mutation; nothing is announced if it fails.
func (p *Presence) UpdateStatus(ctx context.Context, userID, status string) error {
	if err := p.statuses.SetStatus(ctx, userID, status); err != nil {
		p.log.Error("failed to persist status",
			zap.String("user_id", userID),
			zap.String("status", status),
			zap.Error(err))
		return apperrors.Internal("could not update status")
	}
	p.broadcast(NewEvent(EventUserStatusUpdate, PresencePayload{
		UserID:    userID,
		Status:    status,
		Timestamp: time.Now().UTC().UnixMilli(),
	}), "")
	return nil
}

// RecordHeartbeat refreshes the user's last-seen timestamp
func (p *Presence) RecordHeartbeat(ctx context.Context, userID string) {
	if err := p.statuses.TouchLastSeen(ctx, userID); err != nil {
		p.log.Debug("failed to touch last seen",
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

// broadcast fans an event out to every connection except excludeUserID
func (p *Presence) broadcast(evt *Event, excludeUserID string) {
	for _, client := range p.registry.Snapshot() {
		if client.UserID == excludeUserID {
			continue
		}
		if !client.Send(evt) && p.metrics != nil {
			p.metrics.DroppedDeliveries.Inc()
		}
	}
}
