package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	eh "github.com/looplab/eventhorizon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridaccess/permission-service/domain"
	"github.com/gridaccess/permission-service/domain/events"
	"github.com/gridaccess/permission-service/domain/permission"
)

func testDB(t *testing.T) *EventStore {
	t.Helper()
	conn, err := Open(filepath.Join(t.TempDir(), "permissions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewEventStore(conn)
}

func event(t eh.EventType, data eh.EventData, id uuid.UUID, version int) eh.Event {
	at := time.Date(2024, time.July, 10, 12, 0, 0, 0, time.UTC)
	return eh.NewEventForAggregate(t, data, at, domain.PermissionRequestAggregateType, id, version)
}

func TestEventStore_SaveAndLoad(t *testing.T) {
	store := testDB(t)
	id := uuid.New()

	err := store.Save(context.Background(), []eh.Event{
		event(events.Created, &events.CreatedData{
			ConnectorID:  "at-eda",
			ConnectionID: "conn-1",
			DataNeedID:   "need-1",
		}, id, 1),
		event(events.Validated, &events.ValidatedData{}, id, 2),
	}, 0)
	require.NoError(t, err)

	loaded, err := store.Load(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, events.Created, loaded[0].EventType())
	assert.Equal(t, 1, loaded[0].Version())

	created, ok := loaded[0].Data().(*events.CreatedData)
	require.True(t, ok, "payload must come back through the registered factory")
	assert.Equal(t, "at-eda", created.ConnectorID)
}

func TestEventStore_RejectsStaleVersion(t *testing.T) {
	store := testDB(t)
	id := uuid.New()

	require.NoError(t, store.Save(context.Background(), []eh.Event{
		event(events.Created, &events.CreatedData{ConnectorID: "at-eda"}, id, 1),
	}, 0))

	// A second writer working from version 0 must lose.
	err := store.Save(context.Background(), []eh.Event{
		event(events.Validated, &events.ValidatedData{}, id, 1),
	}, 0)
	assert.Error(t, err)
}

func TestEventStore_LoadUnknownAggregate(t *testing.T) {
	store := testDB(t)
	loaded, err := store.Load(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestRepository_RoundTrip(t *testing.T) {
	conn, err := Open(filepath.Join(t.TempDir(), "permissions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	repo := NewRepository(conn)

	request := permission.New(uuid.New())
	request.ConnectorID = "at-eda"
	request.Status = domain.StatusAccepted
	request.MeteringPointID = "AT00123"
	request.Timeframe = domain.Timeframe{
		Start: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, time.June, 30, 0, 0, 0, 0, time.UTC),
	}
	request.Correlation = domain.CorrelationIDs{
		ConversationID: "conv-1",
		MessageID:      "msg-1",
		ConsentID:      "consent-1",
	}
	require.NoError(t, repo.Save(context.Background(), request))

	t.Run("find", func(t *testing.T) {
		found, err := repo.Find(context.Background(), request.ID)
		require.NoError(t, err)
		assert.Equal(t, request.ID, found.ID)
		assert.Equal(t, domain.StatusAccepted, found.Status)

		_, err = repo.Find(context.Background(), uuid.New())
		assert.IsType(t, domain.PermissionNotFoundError{}, err)
	})

	t.Run("save is an upsert", func(t *testing.T) {
		request.Status = domain.StatusRevoked
		require.NoError(t, repo.Save(context.Background(), request))

		found, err := repo.Find(context.Background(), request.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRevoked, found.Status)

		request.Status = domain.StatusAccepted
		require.NoError(t, repo.Save(context.Background(), request))
	})

	t.Run("by correlation", func(t *testing.T) {
		matches, err := repo.FindByCorrelation(context.Background(), "conv-1", "")
		require.NoError(t, err)
		require.Len(t, matches, 1)

		matches, err = repo.FindByCorrelation(context.Background(), "", "msg-1")
		require.NoError(t, err)
		require.Len(t, matches, 1)

		none, err := repo.FindByCorrelation(context.Background(), "", "")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("by consent id", func(t *testing.T) {
		matches, err := repo.FindByConsentID(context.Background(), "consent-1")
		require.NoError(t, err)
		require.Len(t, matches, 1)
	})

	t.Run("accepted by metering point", func(t *testing.T) {
		inside := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
		matches, err := repo.FindAcceptedByMeteringPoint(context.Background(), "AT00123", inside)
		require.NoError(t, err)
		require.Len(t, matches, 1)

		outside, err := repo.FindAcceptedByMeteringPoint(context.Background(), "AT00123",
			time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.Empty(t, outside)
	})

	t.Run("in status", func(t *testing.T) {
		matches, err := repo.FindInStatus(context.Background(), domain.StatusAccepted, domain.StatusRevoked)
		require.NoError(t, err)
		assert.Len(t, matches, 1)
	})
}
