// Package container wires the application's components together and owns
// their teardown order.
package container

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/amoura-app/backend/internal/auth"
	"github.com/amoura-app/backend/internal/cache"
	"github.com/amoura-app/backend/internal/config"
	"github.com/amoura-app/backend/internal/database"
	"github.com/amoura-app/backend/internal/logger"
	"github.com/amoura-app/backend/internal/realtime"
	"github.com/amoura-app/backend/internal/repository"
)

// Container holds the wired application graph
type Container struct {
	Config *config.Config
	DB     *gorm.DB
	Redis  *cache.RedisClient

	Verifier auth.Verifier

	Registry *realtime.Registry
	Presence *realtime.Presence
	Rooms    *realtime.RoomBroker
	Calls    *realtime.CallCoordinator
	Gateway  *realtime.Gateway
	Reaper   *realtime.Reaper

	cleanups []func()
}

// Build constructs every component from config. Cleanup runs the
// registered teardowns in reverse order.
func Build(cfg *config.Config) (*Container, error) {
	c := &Container{Config: cfg}

	db, err := database.Connect(cfg.DSN(), cfg.AppEnv != "production")
	if err != nil {
		return nil, fmt.Errorf("container: database: %w", err)
	}
	c.DB = db
	c.onCleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if err := database.Migrate(db); err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("container: migrate: %w", err)
	}

	redisClient, err := cache.NewRedisClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("container: redis: %w", err)
	}
	c.Redis = redisClient
	c.onCleanup(func() { _ = redisClient.Close() })

	c.Verifier = auth.NewJWTVerifier([]byte(cfg.JWTSecret), db)

	chats := repository.NewChatStore(db)
	messages := repository.NewMessageStore(db, redisClient)
	calls := repository.NewCallStore(db)
	statuses := repository.NewUserStatusStore(db, redisClient)

	metrics := realtime.NewMetrics()
	c.Registry = realtime.NewRegistry()
	c.Presence = realtime.NewPresence(c.Registry, statuses, metrics, logger.Log)
	c.Rooms = realtime.NewRoomBroker(c.Registry, chats, messages, metrics, logger.Log)
	c.Calls = realtime.NewCallCoordinator(chats, calls, c.Registry, metrics, realtime.CallConfig{
		RejoinWindow:         cfg.Realtime.CallRejoinWindow,
		InitiationsPerMinute: cfg.Realtime.CallInitiationsPerMinute,
	}, logger.Log)

	c.Gateway = realtime.NewGateway(
		c.Verifier, c.Registry, c.Presence, c.Rooms, c.Calls,
		chats, messages,
		realtime.ClientOptions{
			MessagesPerSecond: float64(cfg.Realtime.MessagesPerSecond),
			MessageBurst:      cfg.Realtime.MessageBurst,
			MaxMessageSize:    cfg.Realtime.MaxMessageSize,
			SendBuffer:        256,
		},
		metrics, logger.Log,
	)

	c.Reaper = realtime.NewReaper(
		c.Registry, c.Calls, c.Rooms, c.Gateway.DisconnectStale,
		metrics, realtime.ReaperConfig{
			Interval:             cfg.Realtime.ReaperInterval,
			ConnectionStaleAfter: cfg.Realtime.ConnectionStaleAfter,
			CallStaleAfter:       cfg.Realtime.CallStaleAfter,
			TypingTTL:            cfg.Realtime.TypingTTL,
		}, logger.Log,
	)

	logger.Log.Info("container built",
		zap.String("env", cfg.AppEnv),
		zap.String("db", cfg.DB.Database))

	return c, nil
}

// Shutdown stops background work and drains connections before Cleanup
func (c *Container) Shutdown(ctx context.Context) {
	if c.Reaper != nil {
		c.Reaper.Stop()
	}
	if c.Gateway != nil {
		c.Gateway.Shutdown(ctx)
	}
}

func (c *Container) onCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// Cleanup releases resources in reverse acquisition order
func (c *Container) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
	c.cleanups = nil
}
