package pkg

import (
	"context"

	eh "github.com/looplab/eventhorizon"

	"github.com/gridaccess/permission-service/domain"
	domainEvents "github.com/gridaccess/permission-service/domain/events"
)

// fulfillmentTracker watches meter reading progress and closes the loop: a
// permission whose readings reach the end of its timeframe is FULFILLED.
// Open ended permissions (no end) never fulfill on their own.
type fulfillmentTracker struct {
	service *PermissionService
}

func (f *fulfillmentTracker) HandlerType() eh.EventHandlerType {
	return "fulfillment-tracker"
}

func (f *fulfillmentTracker) HandleEvent(ctx context.Context, event eh.Event) error {
	request, err := f.service.Repo.Find(ctx, event.AggregateID())
	if err != nil {
		return err
	}
	if request.Status != domain.StatusAccepted {
		return nil
	}
	end := request.Timeframe.End
	if end.IsZero() || request.LatestReading.Before(end) {
		return nil
	}
	_, err = f.service.Outbox.Commit(ctx, newEvent(domainEvents.Fulfilled, nil, request.ID))
	return err
}
