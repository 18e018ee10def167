// Package pkg wires the permission request engine together: outbox, storage,
// connector routing, notification handlers, reconciliation and the
// retransmission broker behind one service facade.
package pkg

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	eh "github.com/looplab/eventhorizon"
	ehmemory "github.com/looplab/eventhorizon/eventstore/memory"

	"github.com/gridaccess/permission-service/broker"
	"github.com/gridaccess/permission-service/domain"
	domainEvents "github.com/gridaccess/permission-service/domain/events"
	"github.com/gridaccess/permission-service/domain/permission"
	"github.com/gridaccess/permission-service/handlers"
	"github.com/gridaccess/permission-service/outbox"
	"github.com/gridaccess/permission-service/pkg/logger"
	"github.com/gridaccess/permission-service/reconcile"
	"github.com/gridaccess/permission-service/router"
	"github.com/gridaccess/permission-service/storage/memory"
)

// Transport is the outbound side of a region connector.
type Transport interface {
	// SendPermissionRequest delivers the request to the permission
	// administrator and returns the correlation ids of the exchange.
	SendPermissionRequest(ctx context.Context, request *permission.PermissionRequest) (conversationID, messageID string, err error)
	// SendTerminationRequest asks the administrator to end the consent.
	SendTerminationRequest(ctx context.Context, request *permission.PermissionRequest) error
}

type PermissionServiceConfig struct {
	// PartyID identifies this eligible party on the wire, used for
	// retransmission message ids.
	PartyID string
	// ReconcilePolicy defaults to reconcile.DefaultPolicy.
	ReconcilePolicy *reconcile.Policy
}

// PermissionServiceClient is the full engine surface as seen by transports
// (API, CLI, connectors).
type PermissionServiceClient interface {
	CreatePermissionRequest(ctx context.Context, req CreatePermissionRequest) (uuid.UUID, domain.Status, error)
	GetPermissionRequest(ctx context.Context, id uuid.UUID) (*permission.PermissionRequest, error)
	TerminatePermission(ctx context.Context, id uuid.UUID) (domain.Status, error)
	RecordMeterReading(ctx context.Context, id uuid.UUID, latest time.Time) error
	HandleStatusNotification(ctx context.Context, payload []byte) error
	HandleRevocationNotification(ctx context.Context, payload []byte) error
	RequestRetransmission(ctx context.Context, id uuid.UUID, timeframe domain.Timeframe) (<-chan broker.Outcome, error)
	Reconcile(ctx context.Context) error
}

type PermissionService struct {
	Config PermissionServiceConfig

	Repo   permission.Repository
	Outbox *outbox.Outbox

	Transports *router.Registry[Transport]
	Policies   *router.Registry[permission.ValidationPolicy]
	DataNeeds  handlers.DataNeedCalculationService

	Broker     *broker.Broker
	Reconciler *reconcile.Reconciler

	accepts      *handlers.AcceptHandler
	rejects      *handlers.RejectHandler
	answers      *handlers.AnswerHandler
	terminations *handlers.TerminationHandler
	revocations  *handlers.RevocationHandler

	startOnce sync.Once
}

var instance *PermissionService
var oneEngine sync.Once

// PermissionServiceInstance is the singleton the cmd layer configures.
func PermissionServiceInstance() *PermissionService {
	oneEngine.Do(func() {
		instance = &PermissionService{}
	})
	return instance
}

// Start builds everything not injected before it was called. The defaults
// are the in-memory event store and projection, which suit tests and the
// simulation deployment.
func (s *PermissionService) Start() error {
	s.startOnce.Do(func() {
		if s.Repo == nil {
			s.Repo = memory.NewRepository()
		}
		if s.Outbox == nil {
			s.Outbox = outbox.New(ehmemory.NewEventStore(), s.Repo)
		}
		if s.Transports == nil {
			s.Transports = router.NewRegistry[Transport]("transport")
		}
		if s.Policies == nil {
			s.Policies = router.NewRegistry[permission.ValidationPolicy]("validation")
		}

		s.accepts = handlers.NewAcceptHandler(s.Repo, s.Outbox)
		s.rejects = handlers.NewRejectHandler(s.Repo, s.Outbox, s.DataNeeds)
		s.answers = handlers.NewAnswerHandler(s.Repo, s.Outbox)
		s.terminations = handlers.NewTerminationHandler(s.Repo, s.Outbox)
		s.revocations = handlers.NewRevocationHandler(s.Repo, s.Outbox)

		s.Broker = broker.New(s.Repo, brokerTransport{s}, s.Config.PartyID)
		policy := reconcile.DefaultPolicy()
		if s.Config.ReconcilePolicy != nil {
			policy = *s.Config.ReconcilePolicy
		}
		s.Reconciler = reconcile.New(s.Repo, s.Outbox, policy)

		s.Outbox.Subscribe(&logger.EventLogger{})
		s.Outbox.SubscribeMatching(
			eh.MatchAnyEventOf(domainEvents.Validated, domainEvents.RequiresExternalTermination),
			&sender{service: s},
		)
		s.Outbox.SubscribeMatching(
			eh.MatchAnyEventOf(domainEvents.MeterReadingProgress),
			&fulfillmentTracker{service: s},
		)
	})
	return nil
}

func (s *PermissionService) Shutdown() error {
	if s.Broker != nil {
		s.Broker.Close()
	}
	if s.Outbox != nil {
		s.Outbox.Close()
	}
	return nil
}

// CreatePermissionRequest is the inbound entry of the lifecycle: record the
// request, validate it under the connector's rules, and leave it VALIDATED
// for the send path or MALFORMED with the collected attribute errors.
type CreatePermissionRequest struct {
	ConnectorID     string
	ConnectionID    string
	DataNeedID      string
	DataSource      domain.DataSourceInformation
	MeteringPointID string
	Start           time.Time
	End             time.Time
	Granularity     domain.Granularity
}

func (s *PermissionService) CreatePermissionRequest(ctx context.Context, req CreatePermissionRequest) (uuid.UUID, domain.Status, error) {
	policy, err := s.Policies.Route(req.ConnectorID)
	if err != nil {
		return uuid.Nil, "", err
	}

	id := uuid.New()
	created := newEvent(domainEvents.Created, &domainEvents.CreatedData{
		ConnectorID:     req.ConnectorID,
		ConnectionID:    req.ConnectionID,
		DataNeedID:      req.DataNeedID,
		DataSource:      req.DataSource,
		MeteringPointID: req.MeteringPointID,
		Start:           req.Start,
		End:             req.End,
		Granularity:     req.Granularity,
		Created:         permission.TimeNow(),
	}, id)
	if _, err := s.Outbox.Commit(ctx, created); err != nil {
		return uuid.Nil, "", err
	}

	request, err := s.Repo.Find(ctx, id)
	if err != nil {
		return uuid.Nil, "", err
	}
	if errs := policy.Validate(request); len(errs) > 0 {
		status, err := s.Outbox.Commit(ctx, newEvent(domainEvents.Malformed, &domainEvents.MalformedData{Errors: errs}, id))
		if err != nil {
			return id, status, err
		}
		// The request is recorded as MALFORMED; the caller still gets the
		// rule violations that caused it.
		return id, status, domain.ValidationError{Errors: errs}
	}
	status, err := s.Outbox.Commit(ctx, newEvent(domainEvents.Validated, &domainEvents.ValidatedData{
		Start:       req.Start,
		End:         req.End,
		Granularity: req.Granularity,
	}, id))
	return id, status, err
}

func (s *PermissionService) GetPermissionRequest(ctx context.Context, id uuid.UUID) (*permission.PermissionRequest, error) {
	return s.Repo.Find(ctx, id)
}

// TerminatePermission ends the permission locally and schedules the external
// termination towards the administrator.
func (s *PermissionService) TerminatePermission(ctx context.Context, id uuid.UUID) (domain.Status, error) {
	if _, err := s.Outbox.Commit(ctx, newEvent(domainEvents.Terminated, nil, id)); err != nil {
		return "", err
	}
	return s.Outbox.Commit(ctx, newEvent(domainEvents.RequiresExternalTermination, nil, id))
}

// RecordMeterReading notes delivery progress on an accepted permission; the
// fulfillment tracker flips it to FULFILLED once the timeframe is covered.
func (s *PermissionService) RecordMeterReading(ctx context.Context, id uuid.UUID, latest time.Time) error {
	_, err := s.Outbox.Commit(ctx, newEvent(domainEvents.MeterReadingProgress,
		&domainEvents.MeterReadingProgressData{Latest: latest}, id))
	return err
}

// HandleStatusNotification parses an administrator status message and
// dispatches it by kind.
func (s *PermissionService) HandleStatusNotification(ctx context.Context, payload []byte) error {
	msg, err := handlers.ParseStatusMessage(payload)
	if err != nil {
		return err
	}
	switch msg.Kind {
	case handlers.KindAccept:
		return s.accepts.Handle(ctx, msg)
	case handlers.KindReject:
		return s.rejects.Handle(ctx, msg)
	case handlers.KindAnswer:
		return s.answers.Handle(ctx, msg)
	case handlers.KindTerminationAnswer, handlers.KindTerminationReject:
		return s.terminations.Handle(ctx, msg)
	default:
		logger.Logger().Warnf("status notification of unknown kind %s, dropping", msg.Kind)
		return nil
	}
}

func (s *PermissionService) HandleRevocationNotification(ctx context.Context, payload []byte) error {
	msg, err := handlers.ParseRevocationMessage(payload)
	if err != nil {
		return err
	}
	return s.revocations.Handle(ctx, msg)
}

func (s *PermissionService) RequestRetransmission(ctx context.Context, id uuid.UUID, timeframe domain.Timeframe) (<-chan broker.Outcome, error) {
	return s.Broker.RequestRetransmission(ctx, id, timeframe)
}

// Reconcile runs one reconciliation sweep over every registered connector.
func (s *PermissionService) Reconcile(ctx context.Context) error {
	for _, connectorID := range s.Transports.ConnectorIDs() {
		if err := s.Reconciler.Run(ctx, connectorID); err != nil {
			return err
		}
	}
	return nil
}

// brokerTransport adapts the connector registry to the broker's view of a
// transport; historical data requests ride the same per connector routing.
type brokerTransport struct {
	service *PermissionService
}

func (b brokerTransport) RequestHistoricalData(ctx context.Context, request *permission.PermissionRequest, messageID string, timeframe domain.Timeframe) error {
	transport, err := b.service.Transports.Route(request.ConnectorID)
	if err != nil {
		return err
	}
	retransmitter, ok := transport.(RetransmissionTransport)
	if !ok {
		return domain.UnknownConnectorError{Registry: "retransmission", ConnectorID: request.ConnectorID}
	}
	return retransmitter.RequestHistoricalData(ctx, request, messageID, timeframe)
}

// RetransmissionTransport is the optional connector facet for historical
// data; not every administrator supports resending readings.
type RetransmissionTransport interface {
	RequestHistoricalData(ctx context.Context, request *permission.PermissionRequest, messageID string, timeframe domain.Timeframe) error
}

func newEvent(t eh.EventType, data eh.EventData, id uuid.UUID) eh.Event {
	return eh.NewEventForAggregate(t, data, permission.TimeNow(), domain.PermissionRequestAggregateType, id, 0)
}
