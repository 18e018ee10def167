package permission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	eh "github.com/looplab/eventhorizon"

	"github.com/gridaccess/permission-service/domain"
	"github.com/gridaccess/permission-service/domain/events"
)

// TimeNow is swapped out by tests that need a pinned clock.
var TimeNow = func() time.Time {
	return time.Now()
}

// PermissionRequest is the aggregate under lifecycle control. It is only
// ever mutated by ApplyEvent; the outbox is the single write path.
type PermissionRequest struct {
	ID           uuid.UUID
	ConnectorID  string
	ConnectionID string
	DataNeedID   string
	DataSource   domain.DataSourceInformation

	// MeteringPointID may be unknown at creation and is fixed once learned.
	MeteringPointID string

	Timeframe   domain.Timeframe
	Granularity domain.Granularity
	Correlation domain.CorrelationIDs

	Status  domain.Status
	Message string

	// NeedsResend marks a re-validated request the send path has to pick
	// up again (escalation retry or reconciliation).
	NeedsResend bool

	// LatestReading tracks meter data delivery progress for fulfillment.
	LatestReading time.Time

	Created time.Time
	Updated time.Time
	Version int
}

// New returns an empty aggregate shell for the given id; the CreatedEvent
// fills it.
func New(id uuid.UUID) *PermissionRequest {
	return &PermissionRequest{ID: id}
}

// MasterDataOnly reports whether the request has no granularity concept.
func (r *PermissionRequest) MasterDataOnly() bool {
	return r.Granularity == ""
}

// ApplyEvent performs one guarded state transition. On a guard failure the
// aggregate is left untouched and a PastStateError or FutureStateError is
// returned.
func (r *PermissionRequest) ApplyEvent(ctx context.Context, event eh.Event) error {
	if event.AggregateID() != r.ID {
		return fmt.Errorf("event for aggregate %s applied to %s", event.AggregateID(), r.ID)
	}

	target, drivesStatus := events.StatusOf(event.EventType())
	if drivesStatus {
		if target == domain.StatusCreated {
			if r.Status != "" {
				return domain.PastStateError{Status: r.Status, Target: target}
			}
		} else if !domain.CanTransition(r.Status, target) {
			return domain.TransitionError(r.Status, target)
		}
	}

	switch data := event.Data().(type) {
	case *events.CreatedData:
		r.ConnectorID = data.ConnectorID
		r.ConnectionID = data.ConnectionID
		r.DataNeedID = data.DataNeedID
		r.DataSource = data.DataSource
		r.MeteringPointID = data.MeteringPointID
		r.Timeframe = domain.Timeframe{Start: data.Start, End: data.End}
		r.Granularity = data.Granularity
		r.Created = data.Created
	case *events.ValidatedData:
		r.Timeframe = domain.Timeframe{Start: data.Start, End: data.End}
		r.Granularity = data.Granularity
		r.NeedsResend = data.NeedsResend
	case *events.MalformedData:
		errs := domain.ValidationError{Errors: data.Errors}
		r.Message = errs.Error()
	case *events.SentData:
		r.Correlation.ConversationID = data.ConversationID
		r.Correlation.MessageID = data.MessageID
		r.NeedsResend = false
	case *events.UnableToSendData:
		r.Message = data.Reason
	case *events.AcceptedData:
		r.Correlation.ConsentID = data.ConsentID
		if data.MeteringPointID != "" {
			r.MeteringPointID = data.MeteringPointID
		}
	case *events.RejectedData:
		r.Message = data.Reason
	case *events.InvalidData:
		r.Message = data.Reason
	case *events.UnfulfillableData:
		r.Message = data.Reason
	case *events.FailedToTerminateData:
		r.Message = data.Reason
	case *events.MeterReadingProgressData:
		if r.Status != domain.StatusAccepted {
			return domain.TransitionError(r.Status, domain.StatusAccepted)
		}
		if data.Latest.After(r.LatestReading) {
			r.LatestReading = data.Latest
		}
	}

	if drivesStatus {
		r.Status = target
	}
	r.Version = event.Version()
	r.Updated = event.Timestamp()
	return nil
}

// Replay rebuilds a permission request from its ordered event sequence.
// Projecting the full sequence always reproduces the current status.
func Replay(id uuid.UUID, history []eh.Event) (*PermissionRequest, error) {
	r := New(id)
	for _, event := range history {
		if err := r.ApplyEvent(context.Background(), event); err != nil {
			return nil, fmt.Errorf("replay of %s at version %d: %w", id, event.Version(), err)
		}
	}
	return r, nil
}

// Copy returns a shallow copy used by the outbox to try a transition
// without touching the stored aggregate.
func (r *PermissionRequest) Copy() *PermissionRequest {
	c := *r
	return &c
}
