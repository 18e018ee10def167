// Package broker implements idempotent historical-data retransmission on top
// of accepted permission requests. It assigns collision-free message ids,
// tracks requests in flight and converts connector result codes into typed
// outcomes for the caller.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gridaccess/permission-service/domain"
	"github.com/gridaccess/permission-service/domain/permission"
	"github.com/gridaccess/permission-service/pkg/logger"
)

var (
	retransmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "permission_retransmissions_total",
		Help: "Retransmission requests by outcome kind.",
	}, []string{"kind"})
	retransmissionsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "permission_retransmissions_in_flight",
		Help: "Retransmission requests awaiting a connector result.",
	})
)

// OutcomeKind classifies how a retransmission request ended.
type OutcomeKind string

const (
	OutcomeSuccess                  OutcomeKind = "SUCCESS"
	OutcomeDataNotAvailable         OutcomeKind = "DATA_NOT_AVAILABLE"
	OutcomeFailure                  OutcomeKind = "FAILURE"
	OutcomeNotSupported             OutcomeKind = "NOT_SUPPORTED"
	OutcomeNoActivePermission       OutcomeKind = "NO_ACTIVE_PERMISSION"
	OutcomePermissionNotFound       OutcomeKind = "PERMISSION_NOT_FOUND"
	OutcomeNoPermissionForTimeFrame OutcomeKind = "NO_PERMISSION_FOR_TIME_FRAME"
)

// Outcome is the final word on one retransmission request.
type Outcome struct {
	Kind   OutcomeKind
	Detail string
}

// Result codes connectors report back for a retransmission message.
const (
	ResultCodeSuccess          = 0
	ResultCodeDataNotAvailable = 1
	ResultCodeRejected         = 2
)

// Transport sends a retransmission message to the metered data
// administrator. Implementations live in the connectors.
type Transport interface {
	RequestHistoricalData(ctx context.Context, request *permission.PermissionRequest, messageID string, timeframe domain.Timeframe) error
}

type pendingRequest struct {
	permissionID uuid.UUID
	outcome      chan Outcome
}

// Broker hands out retransmission requests and resolves them when the
// connector reports a result. One broker serves all connectors.
type Broker struct {
	repo      permission.Repository
	transport Transport
	partyID   string
	now       func() time.Time

	mu       sync.Mutex
	lastUsed time.Time
	pending  map[string]pendingRequest
	closed   bool
}

func New(repo permission.Repository, transport Transport, partyID string) *Broker {
	return &Broker{
		repo:      repo,
		transport: transport,
		partyID:   partyID,
		now:       time.Now,
		pending:   map[string]pendingRequest{},
	}
}

// MessageID builds the wire identifier for a retransmission message. The
// administrator deduplicates on it, so two messages from the same party must
// never carry the same timestamp.
func MessageID(partyID string, at time.Time) string {
	return fmt.Sprintf("%s-%d", partyID, at.UnixMilli())
}

// nextMessageID reserves a unique message id under the lock. Millisecond
// collisions are resolved by stepping the timestamp forward, which also keeps
// ids monotonic within one broker.
func (b *Broker) nextMessageID() string {
	at := b.now().Truncate(time.Millisecond)
	if !at.After(b.lastUsed) {
		at = b.lastUsed.Add(time.Millisecond)
	}
	b.lastUsed = at
	return MessageID(b.partyID, at)
}

// RequestRetransmission asks the data source to resend historical meter data
// for an accepted permission. The returned channel receives exactly one
// Outcome; requests rejected before hitting the wire resolve immediately.
func (b *Broker) RequestRetransmission(ctx context.Context, permissionID uuid.UUID, timeframe domain.Timeframe) (<-chan Outcome, error) {
	request, err := b.repo.Find(ctx, permissionID)
	if err != nil {
		if _, ok := err.(domain.PermissionNotFoundError); ok {
			return resolved(OutcomePermissionNotFound, err.Error()), nil
		}
		return nil, err
	}
	if outcome, rejected := b.precheck(request, timeframe); rejected {
		return resolved(outcome.Kind, outcome.Detail), nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker is shutting down")
	}
	messageID := b.nextMessageID()
	pending := pendingRequest{permissionID: permissionID, outcome: make(chan Outcome, 1)}
	b.pending[messageID] = pending
	retransmissionsInFlight.Inc()
	b.mu.Unlock()

	if err := b.transport.RequestHistoricalData(ctx, request, messageID, timeframe); err != nil {
		b.resolve(messageID, Outcome{Kind: OutcomeFailure, Detail: err.Error()})
	}
	return pending.outcome, nil
}

// precheck rejects requests the administrator would reject anyway, without
// burning a message id on them.
func (b *Broker) precheck(request *permission.PermissionRequest, timeframe domain.Timeframe) (Outcome, bool) {
	if request.Status != domain.StatusAccepted && request.Status != domain.StatusFulfilled {
		return Outcome{
			Kind:   OutcomeNoActivePermission,
			Detail: fmt.Sprintf("permission is in status %s", request.Status),
		}, true
	}
	if request.MasterDataOnly() {
		return Outcome{
			Kind:   OutcomeNotSupported,
			Detail: "master data permissions carry no meter readings",
		}, true
	}
	if !request.Timeframe.Contains(timeframe.Start, timeframe.End) {
		return Outcome{
			Kind:   OutcomeNoPermissionForTimeFrame,
			Detail: "requested timeframe exceeds the permitted one",
		}, true
	}
	return Outcome{}, false
}

// HandleResult resolves the pending request for a message id with the
// connector's result code. Unknown message ids are logged and dropped; the
// administrator may answer a message from a previous process lifetime.
func (b *Broker) HandleResult(messageID string, code int, detail string) {
	outcome := Outcome{Detail: detail}
	switch code {
	case ResultCodeSuccess:
		outcome.Kind = OutcomeSuccess
	case ResultCodeDataNotAvailable:
		outcome.Kind = OutcomeDataNotAvailable
	case ResultCodeRejected:
		outcome.Kind = OutcomeFailure
	default:
		outcome.Kind = OutcomeFailure
		outcome.Detail = fmt.Sprintf("unknown result code %d: %s", code, detail)
	}
	if !b.resolve(messageID, outcome) {
		logger.Logger().Warnf("retransmission result for unknown message id %s, dropping", messageID)
	}
}

func (b *Broker) resolve(messageID string, outcome Outcome) bool {
	b.mu.Lock()
	pending, ok := b.pending[messageID]
	if ok {
		delete(b.pending, messageID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	retransmissionsInFlight.Dec()
	retransmissionsTotal.WithLabelValues(string(outcome.Kind)).Inc()
	pending.outcome <- outcome
	return true
}

// Close fails every request still in flight so no caller blocks forever on
// an answer that will never arrive.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	drained := b.pending
	b.pending = map[string]pendingRequest{}
	b.mu.Unlock()

	for messageID, pending := range drained {
		retransmissionsInFlight.Dec()
		retransmissionsTotal.WithLabelValues(string(OutcomeFailure)).Inc()
		pending.outcome <- Outcome{Kind: OutcomeFailure, Detail: "shutting down, delivery status unknown"}
		logger.Logger().Infof("failed in-flight retransmission %s on shutdown", messageID)
	}
}

func resolved(kind OutcomeKind, detail string) <-chan Outcome {
	retransmissionsTotal.WithLabelValues(string(kind)).Inc()
	out := make(chan Outcome, 1)
	out <- Outcome{Kind: kind, Detail: detail}
	return out
}
