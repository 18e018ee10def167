package pkg

import (
	"context"

	eh "github.com/looplab/eventhorizon"

	"github.com/gridaccess/permission-service/domain"
	domainEvents "github.com/gridaccess/permission-service/domain/events"
	"github.com/gridaccess/permission-service/domain/permission"
	"github.com/gridaccess/permission-service/pkg/logger"
)

// sender is the outbound half of the lifecycle: it reacts to VALIDATED
// requests by sending them to the permission administrator and to
// REQUIRES_EXTERNAL_TERMINATION by sending the termination request. Send
// failures are recorded as events so reconciliation can retry them later.
type sender struct {
	service *PermissionService
}

func (s *sender) HandlerType() eh.EventHandlerType {
	return "permission-request-sender"
}

func (s *sender) HandleEvent(ctx context.Context, event eh.Event) error {
	switch event.EventType() {
	case domainEvents.Validated:
		// Replayed validations record an exchange the administrator already
		// answered (fan-out clones); there is nothing left to send. The flag
		// lives on the event so the decision cannot race the projection.
		if data, ok := event.Data().(*domainEvents.ValidatedData); ok && data.Replayed {
			return nil
		}
		request, err := s.service.Repo.Find(ctx, event.AggregateID())
		if err != nil {
			return err
		}
		if request.Status != domain.StatusValidated {
			return nil
		}
		return s.sendRequest(ctx, request)
	case domainEvents.RequiresExternalTermination:
		request, err := s.service.Repo.Find(ctx, event.AggregateID())
		if err != nil {
			return err
		}
		if request.Status != domain.StatusRequiresExternalTermination {
			return nil
		}
		return s.sendTermination(ctx, request)
	}
	return nil
}

func (s *sender) sendRequest(ctx context.Context, request *permission.PermissionRequest) error {
	transport, err := s.service.Transports.Route(request.ConnectorID)
	if err != nil {
		return err
	}
	conversationID, messageID, sendErr := transport.SendPermissionRequest(ctx, request)
	if sendErr != nil {
		logger.Logger().WithError(sendErr).Warnf("sending request %s failed", request.ID)
		_, err := s.service.Outbox.Commit(ctx, newEvent(domainEvents.UnableToSend,
			&domainEvents.UnableToSendData{Reason: sendErr.Error()}, request.ID))
		return err
	}
	_, err = s.service.Outbox.Commit(ctx, newEvent(domainEvents.Sent, &domainEvents.SentData{
		ConversationID: conversationID,
		MessageID:      messageID,
	}, request.ID))
	return err
}

func (s *sender) sendTermination(ctx context.Context, request *permission.PermissionRequest) error {
	transport, err := s.service.Transports.Route(request.ConnectorID)
	if err != nil {
		return err
	}
	if sendErr := transport.SendTerminationRequest(ctx, request); sendErr != nil {
		logger.Logger().WithError(sendErr).Warnf("sending termination for request %s failed", request.ID)
		_, err := s.service.Outbox.Commit(ctx, newEvent(domainEvents.FailedToTerminate,
			&domainEvents.FailedToTerminateData{Reason: sendErr.Error()}, request.ID))
		return err
	}
	return nil
}
