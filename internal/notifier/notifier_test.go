package notifier

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnloop/sync-server/internal/models"
)

func TestParseMessage(t *testing.T) {
	t.Parallel()

	t.Run("change envelope", func(t *testing.T) {
		t.Parallel()

		raw, err := json.Marshal(envelope{
			Type:      MessageTypeChange,
			Payload:   json.RawMessage(`{"userId":"u-1","entityType":"progress","entityId":"p-1","operation":"UPDATE","version":3,"deviceId":"d-1"}`),
			Timestamp: "2026-08-23T10:00:00Z",
		})
		require.NoError(t, err)

		event, err := parseMessage(string(raw))
		require.NoError(t, err)
		require.NotNil(t, event.Change)
		assert.Equal(t, MessageTypeChange, event.Type)
		assert.Equal(t, "u-1", event.Change.UserID)
		assert.Equal(t, models.EntityTypeProgress, event.Change.EntityType)
		assert.Equal(t, int64(3), event.Change.Version)
	})

	t.Run("conflict resolved envelope", func(t *testing.T) {
		t.Parallel()

		raw := `{"type":"conflict_resolved","payload":{"userId":"u-1","conflictId":"c-1","strategy":"MERGE"},"timestamp":"2026-08-23T10:00:00Z"}`
		event, err := parseMessage(raw)
		require.NoError(t, err)
		require.NotNil(t, event.ConflictResolved)
		assert.Equal(t, "c-1", event.ConflictResolved.ConflictID)
		assert.Equal(t, models.StrategyMerge, event.ConflictResolved.Strategy)
	})

	t.Run("malformed messages are rejected", func(t *testing.T) {
		t.Parallel()

		for _, raw := range []string{
			"not json",
			`{"type":"unknown","payload":{}}`,
			`{"type":"change","payload":"not an object"}`,
		} {
			_, err := parseMessage(raw)
			assert.Error(t, err, "payload: %s", raw)
		}
	})
}

func TestSubscribe_FiltersByUser(t *testing.T) {
	t.Parallel()

	n := New(Config{Addr: "localhost:6379"})

	var mine, theirs []Event
	unsubscribe := n.Subscribe("u-1", func(e Event) { mine = append(mine, e) })
	otherUnsub := n.Subscribe("u-2", func(e Event) { theirs = append(theirs, e) })
	defer otherUnsub()

	n.dispatch(Event{Type: MessageTypeChange, Change: &models.ChangeNotification{UserID: "u-1", EntityID: "e-1"}})
	n.dispatch(Event{Type: MessageTypeChange, Change: &models.ChangeNotification{UserID: "u-2", EntityID: "e-2"}})

	require.Len(t, mine, 1)
	assert.Equal(t, "e-1", mine[0].Change.EntityID)
	require.Len(t, theirs, 1)
	assert.Equal(t, "e-2", theirs[0].Change.EntityID)

	// After unsubscribe, no further deliveries.
	unsubscribe()
	n.dispatch(Event{Type: MessageTypeChange, Change: &models.ChangeNotification{UserID: "u-1", EntityID: "e-3"}})
	assert.Len(t, mine, 1)
}

func TestEmit_NotConnectedIsBestEffort(t *testing.T) {
	t.Parallel()

	n := New(Config{Addr: "localhost:6379"})
	ctx := context.Background()

	// Never connected: both emits must return without panicking or blocking.
	n.EmitChange(ctx, models.ChangeNotification{UserID: "u-1", EntityID: "e-1", Operation: models.OperationCreate})
	n.EmitConflictResolved(ctx, models.ConflictResolvedNotification{UserID: "u-1", ConflictID: "c-1"})
}

func TestDisconnect_WithoutConnectIsNoop(t *testing.T) {
	t.Parallel()

	n := New(Config{Addr: "localhost:6379"})
	require.NoError(t, n.Disconnect(context.Background()))
}
