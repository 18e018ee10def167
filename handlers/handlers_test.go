package handlers_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	eh "github.com/looplab/eventhorizon"
	ehmemory "github.com/looplab/eventhorizon/eventstore/memory"
	"github.com/stretchr/testify/require"

	"github.com/gridaccess/permission-service/domain"
	"github.com/gridaccess/permission-service/domain/events"
	"github.com/gridaccess/permission-service/domain/permission"
	"github.com/gridaccess/permission-service/outbox"
	"github.com/gridaccess/permission-service/storage/memory"
)

// fixture is the shared test rig: a real outbox on in-memory storage, with
// helpers to put a request into any status on the happy path.
type fixture struct {
	repo   permission.Repository
	outbox *outbox.Outbox
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := memory.NewRepository()
	o := outbox.New(ehmemory.NewEventStore(), repo)
	t.Cleanup(o.Close)
	return &fixture{repo: repo, outbox: o}
}

func (f *fixture) commit(t *testing.T, eventType eh.EventType, data eh.EventData, id uuid.UUID) {
	t.Helper()
	_, err := f.outbox.Commit(context.Background(), eh.NewEventForAggregate(
		eventType, data, permission.TimeNow(), domain.PermissionRequestAggregateType, id, 0))
	require.NoError(t, err)
}

func (f *fixture) status(t *testing.T, id uuid.UUID) domain.Status {
	t.Helper()
	request, err := f.repo.Find(context.Background(), id)
	require.NoError(t, err)
	return request.Status
}

var (
	testStart = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	testEnd   = time.Date(2024, time.June, 30, 0, 0, 0, 0, time.UTC)
)

// newSentRequest creates a request and walks it to
// SENT_TO_PERMISSION_ADMINISTRATOR under the given correlation ids.
func (f *fixture) newSentRequest(t *testing.T, conversationID, messageID string, granularity domain.Granularity) uuid.UUID {
	t.Helper()
	id := uuid.New()
	f.commit(t, events.Created, &events.CreatedData{
		ConnectorID:     "at-eda",
		ConnectionID:    "conn-1",
		DataNeedID:      "need-1",
		MeteringPointID: "AT00123",
		Start:           testStart,
		End:             testEnd,
		Granularity:     granularity,
		Created:         permission.TimeNow(),
	}, id)
	f.commit(t, events.Validated, &events.ValidatedData{
		Start: testStart, End: testEnd, Granularity: granularity,
	}, id)
	f.commit(t, events.Sent, &events.SentData{
		ConversationID: conversationID, MessageID: messageID,
	}, id)
	f.commit(t, events.Acknowledged, nil, id)
	return id
}

// newPendingRequest stops at PENDING_ACKNOWLEDGEMENT, before the
// administrator confirmed receipt.
func (f *fixture) newPendingRequest(t *testing.T, conversationID, messageID string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	f.commit(t, events.Created, &events.CreatedData{
		ConnectorID:     "at-eda",
		ConnectionID:    "conn-1",
		DataNeedID:      "need-1",
		MeteringPointID: "AT00123",
		Start:           testStart,
		End:             testEnd,
		Granularity:     domain.GranularityPT15M,
		Created:         permission.TimeNow(),
	}, id)
	f.commit(t, events.Validated, &events.ValidatedData{
		Start: testStart, End: testEnd, Granularity: domain.GranularityPT15M,
	}, id)
	f.commit(t, events.Sent, &events.SentData{
		ConversationID: conversationID, MessageID: messageID,
	}, id)
	return id
}

// newAcceptedRequest walks one step further to ACCEPTED.
func (f *fixture) newAcceptedRequest(t *testing.T, conversationID, consentID, meteringPointID string) uuid.UUID {
	t.Helper()
	id := f.newSentRequest(t, conversationID, conversationID+"-msg", domain.GranularityPT15M)
	f.commit(t, events.Accepted, &events.AcceptedData{
		ConsentID:       consentID,
		MeteringPointID: meteringPointID,
	}, id)
	return id
}
