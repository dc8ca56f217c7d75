// Package backend provides the Amoura realtime server.

// This package contains the main application entry point. The actual
// documentation is organized into subpackages:

// - internal/realtime: WebSocket gateway, connection registry, presence,
//   chat rooms, call coordination and the stale-state reaper
// - internal/models: Data models and database schemas
// - internal/repository: Persisted chat/message/call/user-status stores
// - internal/auth: Bearer-token verification
// - internal/database: Database connection and migrations
// - internal/cache: Redis client (unread counters, last-seen)
// - internal/middleware: HTTP middleware (auth, logging, request ids)
// - internal/container: Dependency wiring and lifecycle management

// The coordinator is single-instance by design: registry entries, rooms and
// call sessions live in process memory. See the individual package
// documentation for detailed reference.
package backend
