package realtime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/amoura-app/backend/internal/logger"
)

// ReaperConfig tunes the background sweep
type ReaperConfig struct {
	Interval             time.Duration
	ConnectionStaleAfter time.Duration
	CallStaleAfter       time.Duration
	TypingTTL            time.Duration
}

// DefaultReaperConfig matches the production defaults
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval:             30 * time.Second,
		ConnectionStaleAfter: 5 * time.Minute,
		CallStaleAfter:       10 * time.Minute,
		TypingTTL:            10 * time.Second,
	}
}

// Reaper periodically clears state whose owner silently went away:
// connections with no inbound traffic, calls that outlived their useful
// life, and typing indicators whose stop event never arrived.
type Reaper struct {
	registry *Registry
	calls    *CallCoordinator
	rooms    *RoomBroker
	// disconnect tears a stale connection down through the gateway so
	// rooms and presence are cleaned up on the normal path.
	disconnect func(*Client, string)
	metrics    *Metrics
	cfg        ReaperConfig
	log        *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates the reaper; Start launches its loop
func NewReaper(registry *Registry, calls *CallCoordinator, rooms *RoomBroker, disconnect func(*Client, string), metrics *Metrics, cfg ReaperConfig, log *zap.Logger) *Reaper {
	if log == nil {
		log = logger.Log
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ConnectionStaleAfter <= 0 {
		cfg.ConnectionStaleAfter = 5 * time.Minute
	}
	if cfg.CallStaleAfter <= 0 {
		cfg.CallStaleAfter = 10 * time.Minute
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = 10 * time.Second
	}
	return &Reaper{
		registry:   registry,
		calls:      calls,
		rooms:      rooms,
		disconnect: disconnect,
		metrics:    metrics,
		cfg:        cfg,
		log:        log,
		done:       make(chan struct{}),
	}
}

// Start launches the sweep loop
func (r *Reaper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		r.log.Info("stale state reaper started",
			zap.Duration("interval", r.cfg.Interval),
			zap.Duration("connection_ttl", r.cfg.ConnectionStaleAfter),
			zap.Duration("call_ttl", r.cfg.CallStaleAfter))

		for {
			select {
			case <-ctx.Done():
				r.log.Info("stale state reaper stopped")
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Stop shuts the loop down and waits for the in-flight sweep
func (r *Reaper) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

// Sweep runs one pass over connections, calls and typing indicators.
// Exposed so tests and recovery tooling can trigger it directly.
func (r *Reaper) Sweep(ctx context.Context) (connections, calls, typing int) {
	cutoff := time.Now().Add(-r.cfg.ConnectionStaleAfter)
	for _, client := range r.registry.Snapshot() {
		if client.IsClosed() || client.LastActivity().Before(cutoff) {
			r.disconnect(client, "connection idle past threshold")
			connections++
			if r.metrics != nil {
				r.metrics.ReapedTotal.WithLabelValues("connection").Inc()
			}
		}
	}

	calls = r.calls.ReapStale(ctx, r.cfg.CallStaleAfter)

	typing = r.rooms.ExpireTyping(r.cfg.TypingTTL)
	if typing > 0 && r.metrics != nil {
		r.metrics.ReapedTotal.WithLabelValues("typing").Add(float64(typing))
	}

	if connections > 0 || calls > 0 || typing > 0 {
		r.log.Info("reaper sweep removed stale state",
			zap.Int("connections", connections),
			zap.Int("calls", calls),
			zap.Int("typing_indicators", typing))
	}
	return connections, calls, typing
}
