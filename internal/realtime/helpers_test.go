package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/amoura-app/backend/internal/models"
	"github.com/amoura-app/backend/internal/repository"
)

// newTestClient creates a registrable client without a network
// connection; Send queues onto the buffer, which tests drain directly.
func newTestClient(t *testing.T, userID string) *Client {
	t.Helper()
	client := NewClient(t.Context(), nil, &models.User{
		ID:       userID,
		Username: userID,
		IsActive: true,
	}, DefaultClientOptions())
	t.Cleanup(func() { client.Close(websocket.StatusNormalClosure, "test done") })
	return client
}

// drainEvents empties the client's send buffer into parsed events
func drainEvents(t *testing.T, client *Client) []*Event {
	t.Helper()
	var events []*Event
	for {
		select {
		case data := <-client.send:
			var evt Event
			require.NoError(t, json.Unmarshal(data, &evt))
			events = append(events, &evt)
		default:
			return events
		}
	}
}

// eventsOfType filters drained events by type
func eventsOfType(events []*Event, eventType string) []*Event {
	var matched []*Event
	for _, evt := range events {
		if evt.Type == eventType {
			matched = append(matched, evt)
		}
	}
	return matched
}

// decodePayload unmarshals an event payload into target
func decodePayload(t *testing.T, evt *Event, target interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(evt.Payload, target))
}

// directChat installs a two-person chat in the store
func directChat(chats *repository.MemoryChatStore, chatID string, a, b string) *models.Chat {
	chat := &models.Chat{
		ID:             chatID,
		Type:           models.ChatTypeDirect,
		ParticipantIDs: models.StringArray{a, b},
	}
	chats.Put(chat)
	return chat
}

// testCoordinator builds a coordinator over in-memory stores with a
// controllable clock.
type coordinatorFixture struct {
	registry *Registry
	chats    *repository.MemoryChatStore
	calls    *repository.MemoryCallStore
	coord    *CallCoordinator
	clock    time.Time
}

func newCoordinatorFixture(cfg CallConfig) *coordinatorFixture {
	f := &coordinatorFixture{
		registry: NewRegistry(),
		chats:    repository.NewMemoryChatStore(),
		calls:    repository.NewMemoryCallStore(),
		clock:    time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
	f.coord = NewCallCoordinator(f.chats, f.calls, f.registry, nil, cfg, nil)
	f.coord.now = func() time.Time { return f.clock }
	return f
}

func (f *coordinatorFixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}
