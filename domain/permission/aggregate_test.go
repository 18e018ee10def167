package permission

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	eh "github.com/looplab/eventhorizon"
	"github.com/stretchr/testify/assert"

	"github.com/gridaccess/permission-service/domain"
	"github.com/gridaccess/permission-service/domain/events"
)

func pinClock() {
	TimeNow = func() time.Time {
		return time.Date(2024, time.July, 10, 23, 0, 0, 0, time.UTC)
	}
}

func testEvent(t eh.EventType, data eh.EventData, id uuid.UUID, version int) eh.Event {
	return eh.NewEventForAggregate(t, data, TimeNow(), domain.PermissionRequestAggregateType, id, version)
}

func createdData() *events.CreatedData {
	return &events.CreatedData{
		ConnectorID:     "at-eda",
		ConnectionID:    "conn-1",
		DataNeedID:      "need-1",
		MeteringPointID: "AT00123",
		Start:           time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:             time.Date(2024, time.June, 30, 0, 0, 0, 0, time.UTC),
		Granularity:     domain.GranularityPT15M,
		Created:         TimeNow(),
	}
}

func TestPermissionRequest_ApplyEvent(t *testing.T) {
	pinClock()
	id := uuid.New()

	t.Run("created fills the aggregate", func(t *testing.T) {
		r := New(id)
		err := r.ApplyEvent(context.Background(), testEvent(events.Created, createdData(), id, 1))
		assert.NoError(t, err)
		assert.Equal(t, domain.StatusCreated, r.Status)
		assert.Equal(t, "at-eda", r.ConnectorID)
		assert.Equal(t, "AT00123", r.MeteringPointID)
		assert.Equal(t, 1, r.Version)
	})

	t.Run("created twice is a past state error", func(t *testing.T) {
		r := New(id)
		assert.NoError(t, r.ApplyEvent(context.Background(), testEvent(events.Created, createdData(), id, 1)))
		err := r.ApplyEvent(context.Background(), testEvent(events.Created, createdData(), id, 2))
		assert.IsType(t, domain.PastStateError{}, err)
	})

	t.Run("skipping ahead is a future state error", func(t *testing.T) {
		r := New(id)
		assert.NoError(t, r.ApplyEvent(context.Background(), testEvent(events.Created, createdData(), id, 1)))
		err := r.ApplyEvent(context.Background(), testEvent(events.Accepted, &events.AcceptedData{ConsentID: "c-1"}, id, 2))
		assert.IsType(t, domain.FutureStateError{}, err)
		assert.Equal(t, domain.StatusCreated, r.Status, "failed transition must not change state")
	})

	t.Run("sent records correlation ids", func(t *testing.T) {
		r := progressTo(t, id, domain.StatusPendingAcknowledgement)
		assert.Equal(t, "conv-1", r.Correlation.ConversationID)
		assert.Equal(t, "msg-1", r.Correlation.MessageID)
	})

	t.Run("accepted learns consent and metering point", func(t *testing.T) {
		r := progressTo(t, id, domain.StatusSentToPermissionAdmin)
		err := r.ApplyEvent(context.Background(), testEvent(events.Accepted, &events.AcceptedData{
			ConsentID:       "consent-1",
			MeteringPointID: "AT00999",
		}, id, r.Version+1))
		assert.NoError(t, err)
		assert.Equal(t, domain.StatusAccepted, r.Status)
		assert.Equal(t, "consent-1", r.Correlation.ConsentID)
		assert.Equal(t, "AT00999", r.MeteringPointID)
	})

	t.Run("meter reading progress keeps the status", func(t *testing.T) {
		r := progressTo(t, id, domain.StatusAccepted)
		latest := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
		err := r.ApplyEvent(context.Background(), testEvent(events.MeterReadingProgress,
			&events.MeterReadingProgressData{Latest: latest}, id, r.Version+1))
		assert.NoError(t, err)
		assert.Equal(t, domain.StatusAccepted, r.Status)
		assert.Equal(t, latest, r.LatestReading)

		// Progress never runs backwards.
		err = r.ApplyEvent(context.Background(), testEvent(events.MeterReadingProgress,
			&events.MeterReadingProgressData{Latest: latest.AddDate(0, -1, 0)}, id, r.Version+1))
		assert.NoError(t, err)
		assert.Equal(t, latest, r.LatestReading)
	})

	t.Run("meter reading progress outside accepted fails", func(t *testing.T) {
		r := progressTo(t, id, domain.StatusValidated)
		err := r.ApplyEvent(context.Background(), testEvent(events.MeterReadingProgress,
			&events.MeterReadingProgressData{Latest: TimeNow()}, id, r.Version+1))
		assert.Error(t, err)
	})
}

func TestReplay(t *testing.T) {
	pinClock()
	id := uuid.New()

	history := []eh.Event{
		testEvent(events.Created, createdData(), id, 1),
		testEvent(events.Validated, &events.ValidatedData{
			Start:       time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
			End:         time.Date(2024, time.June, 30, 0, 0, 0, 0, time.UTC),
			Granularity: domain.GranularityPT15M,
		}, id, 2),
		testEvent(events.Sent, &events.SentData{ConversationID: "conv-1", MessageID: "msg-1"}, id, 3),
		testEvent(events.Acknowledged, nil, id, 4),
		testEvent(events.Accepted, &events.AcceptedData{ConsentID: "consent-1"}, id, 5),
	}

	first, err := Replay(id, history)
	assert.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, first.Status)
	assert.Equal(t, 5, first.Version)

	// Replaying the same history must reproduce the identical state.
	second, err := Replay(id, history)
	assert.NoError(t, err)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("replay is not deterministic")
		t.Logf("first:  %#v\n", first)
		t.Logf("second: %#v\n", second)
	}
}

func TestReplay_BrokenHistory(t *testing.T) {
	pinClock()
	id := uuid.New()
	history := []eh.Event{
		testEvent(events.Created, createdData(), id, 1),
		testEvent(events.Accepted, &events.AcceptedData{ConsentID: "consent-1"}, id, 2),
	}
	_, err := Replay(id, history)
	assert.Error(t, err)
}

// progressTo walks the happy path up to the wanted status.
func progressTo(t *testing.T, id uuid.UUID, status domain.Status) *PermissionRequest {
	t.Helper()
	r := New(id)
	steps := []struct {
		status domain.Status
		event  eh.EventType
		data   eh.EventData
	}{
		{domain.StatusCreated, events.Created, createdData()},
		{domain.StatusValidated, events.Validated, &events.ValidatedData{
			Start:       time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
			End:         time.Date(2024, time.June, 30, 0, 0, 0, 0, time.UTC),
			Granularity: domain.GranularityPT15M,
		}},
		{domain.StatusPendingAcknowledgement, events.Sent, &events.SentData{ConversationID: "conv-1", MessageID: "msg-1"}},
		{domain.StatusSentToPermissionAdmin, events.Acknowledged, nil},
		{domain.StatusAccepted, events.Accepted, &events.AcceptedData{ConsentID: "consent-1"}},
	}
	version := 0
	for _, step := range steps {
		version++
		if err := r.ApplyEvent(context.Background(), testEvent(step.event, step.data, id, version)); err != nil {
			t.Fatalf("progressTo %s: %v", status, err)
		}
		if r.Status == status {
			return r
		}
	}
	t.Fatalf("progressTo: status %s not on the happy path", status)
	return nil
}
