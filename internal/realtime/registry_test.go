package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndResolve(t *testing.T) {
	registry := NewRegistry()
	client := newTestClient(t, "alice")

	assert.Nil(t, registry.Register("alice", client))
	assert.Equal(t, 1, registry.Count())
	assert.True(t, registry.IsOnline("alice"))

	resolved, ok := registry.Resolve("alice")
	require.True(t, ok)
	assert.Equal(t, client.ID, resolved.ID)

	_, ok = registry.Resolve("bob")
	assert.False(t, ok)
}

func TestRegistryReplaceReturnsPrior(t *testing.T) {
	registry := NewRegistry()
	first := newTestClient(t, "alice")
	second := newTestClient(t, "alice")

	require.Nil(t, registry.Register("alice", first))
	prior := registry.Register("alice", second)
	require.NotNil(t, prior)
	assert.Equal(t, first.ID, prior.ID)

	// The replacement holds the entry; only one connection per user.
	assert.Equal(t, 1, registry.Count())
	resolved, ok := registry.Resolve("alice")
	require.True(t, ok)
	assert.Equal(t, second.ID, resolved.ID)
}

func TestRegistryGuardedUnregister(t *testing.T) {
	registry := NewRegistry()
	first := newTestClient(t, "alice")
	second := newTestClient(t, "alice")

	registry.Register("alice", first)
	registry.Register("alice", second)

	// The superseded session's teardown must not evict its replacement.
	assert.False(t, registry.Unregister(first.ID, "alice"))
	assert.True(t, registry.IsOnline("alice"))

	assert.True(t, registry.Unregister(second.ID, "alice"))
	assert.False(t, registry.IsOnline("alice"))

	// Unregistering twice is a no-op.
	assert.False(t, registry.Unregister(second.ID, "alice"))
}

func TestRegistrySnapshot(t *testing.T) {
	registry := NewRegistry()
	registry.Register("alice", newTestClient(t, "alice"))
	registry.Register("bob", newTestClient(t, "bob"))

	assert.Len(t, registry.Snapshot(), 2)
	assert.ElementsMatch(t, []string{"alice", "bob"}, registry.OnlineUserIDs())
}
