package realtime

import (
	"sync"
)

// Registry maps each user to their single active connection. A second
// login replaces the first: Register swaps the entry and hands the prior
// connection back to the caller, who tears it down after the new one is
// installed. That ordering keeps the user continuously online across a
// reconnect.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Client
}

// NewRegistry creates an empty connection registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Client)}
}

// Register installs the client as the user's active connection and
// returns the connection it replaced, or nil.
func (r *Registry) Register(userID string, client *Client) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	prior := r.entries[userID]
	r.entries[userID] = client
	return prior
}

// Unregister removes the user's entry only if it still belongs to the
// given connection. A stale teardown racing a replacement finds a
// different connection ID and leaves the new session untouched.
func (r *Registry) Unregister(connectionID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.entries[userID]
	if !ok || current.ID != connectionID {
		return false
	}
	delete(r.entries, userID)
	return true
}

// Resolve returns the user's active connection, if any
func (r *Registry) Resolve(userID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.entries[userID]
	return client, ok
}

// IsOnline reports whether the user has an active connection
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[userID]
	return ok
}

// Count returns the number of active connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns the current connections; safe to iterate without
// holding the registry lock.
func (r *Registry) Snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]*Client, 0, len(r.entries))
	for _, client := range r.entries {
		clients = append(clients, client)
	}
	return clients
}

// OnlineUserIDs returns the IDs of all connected users
func (r *Registry) OnlineUserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for userID := range r.entries {
		ids = append(ids, userID)
	}
	return ids
}
