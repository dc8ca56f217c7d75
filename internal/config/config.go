// Package config loads server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds Amoura realtime server configuration.
type Config struct {
	AppEnv   string // APP_ENV
	AppHost  string // APP_HOST
	HTTPPort string // APP_PORT
	LogLevel string // LOG_LEVEL
	LogFile  string // LOG_FILE

	JWTSecret string // JWT_SECRET

	// PostgreSQL
	DB struct {
		Host     string
		Port     string
		User     string
		Password string
		Database string
		SSLMode  string
	}

	// Redis
	Redis struct {
		Host     string
		Port     string
		Password string
	}

	// Realtime coordinator tunables
	Realtime RealtimeConfig
}

// RealtimeConfig carries every threshold the coordinator uses, so tests and
// deployments can tighten or relax them without code changes.
type RealtimeConfig struct {
	// ReaperInterval is how often the stale-state sweeps run.
	ReaperInterval time.Duration // REAPER_INTERVAL_SECONDS
	// ConnectionStaleAfter disconnects sessions silent for this long.
	ConnectionStaleAfter time.Duration // CONNECTION_STALE_SECONDS
	// CallStaleAfter ends non-terminal calls older than this.
	CallStaleAfter time.Duration // CALL_STALE_SECONDS
	// CallRejoinWindow: an existing call younger than this is joined,
	// older is force-ended and replaced on re-initiation.
	CallRejoinWindow time.Duration // CALL_REJOIN_WINDOW_SECONDS
	// TypingTTL expires typing indicators without an explicit stop.
	TypingTTL time.Duration // TYPING_TTL_SECONDS
	// CallInitiationsPerMinute caps call initiations per user.
	CallInitiationsPerMinute int // CALL_INITIATIONS_PER_MINUTE
	// MessagesPerSecond / MessageBurst bound per-connection event rates.
	MessagesPerSecond int // WS_MESSAGES_PER_SECOND
	MessageBurst      int // WS_MESSAGE_BURST
	// MaxMessageSize bounds a single inbound frame.
	MaxMessageSize int64 // WS_MAX_MESSAGE_SIZE
}

// Load loads config from environment (.env if present).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:    getEnv("APP_ENV", "development"),
		AppHost:   getEnv("APP_HOST", "0.0.0.0"),
		HTTPPort:  getEnv("APP_PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFile:   getEnv("LOG_FILE", "server.log"),
		JWTSecret: os.Getenv("JWT_SECRET"),
	}

	cfg.DB.Host = getEnv("DB_HOST", "localhost")
	cfg.DB.Port = getEnv("DB_PORT", "5432")
	cfg.DB.User = getEnv("DB_USER", "postgres")
	cfg.DB.Password = getEnv("DB_PASSWORD", "")
	cfg.DB.Database = getEnv("DB_NAME", "amoura")
	cfg.DB.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Host = getEnv("REDIS_HOST", "localhost")
	cfg.Redis.Port = getEnv("REDIS_PORT", "6379")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")

	cfg.Realtime = RealtimeConfig{
		ReaperInterval:           secondsEnv("REAPER_INTERVAL_SECONDS", 30),
		ConnectionStaleAfter:     secondsEnv("CONNECTION_STALE_SECONDS", 300),
		CallStaleAfter:           secondsEnv("CALL_STALE_SECONDS", 600),
		CallRejoinWindow:         secondsEnv("CALL_REJOIN_WINDOW_SECONDS", 300),
		TypingTTL:                secondsEnv("TYPING_TTL_SECONDS", 10),
		CallInitiationsPerMinute: intEnv("CALL_INITIATIONS_PER_MINUTE", 5),
		MessagesPerSecond:        intEnv("WS_MESSAGES_PER_SECOND", 10),
		MessageBurst:             intEnv("WS_MESSAGE_BURST", 20),
		MaxMessageSize:           int64(intEnv("WS_MAX_MESSAGE_SIZE", 512*1024)),
	}

	return cfg, nil
}

// Validate checks required fields and production safety.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is required")
	}
	if c.DB.Host == "" {
		return errors.New("config: DB_HOST is required")
	}
	if c.DB.Database == "" {
		return errors.New("config: DB_NAME is required")
	}
	if c.AppEnv == "production" && c.DB.Password == "" {
		return errors.New("config: in production DB_PASSWORD is required")
	}
	return nil
}

// DSN returns the PostgreSQL connection string for GORM.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Database, c.DB.SSLMode)
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return c.AppHost + ":" + c.HTTPPort
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func secondsEnv(key string, def int) time.Duration {
	return time.Duration(intEnv(key, def)) * time.Second
}
