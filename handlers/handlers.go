// Package handlers maps asynchronous administrator notifications, keyed by
// external correlation ids, back onto local permission requests and drives
// the state machine through the outbox.
package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"
	eh "github.com/looplab/eventhorizon"

	"github.com/gridaccess/permission-service/domain"
	"github.com/gridaccess/permission-service/domain/permission"
)

// Outbox is the commit side of the event log as seen by the handlers.
type Outbox interface {
	Commit(ctx context.Context, event eh.Event) (domain.Status, error)
}

// MessageKind discriminates the inbound notification types.
type MessageKind string

const (
	KindAccept            = MessageKind("ACCEPT")
	KindReject            = MessageKind("REJECT")
	KindAnswer            = MessageKind("ANSWER")
	KindTerminationAnswer = MessageKind("TERMINATION_ANSWER")
	KindTerminationReject = MessageKind("TERMINATION_REJECT")
	KindRevocation        = MessageKind("REVOCATION")
)

// Response codes reported by permission administrators. An unknown code is
// never ignored; it maps to INVALID with a diagnostic reason.
const (
	CodeReceived               = 94
	CodeAccepted               = 99
	CodeTimeout                = 70
	CodeInvalidRequest         = 73
	CodeRejected               = 76
	CodeConsentIDAlreadyExists = 157
	CodeDataNotDeliverable     = 159

	CodeTerminationSuccessful        = 182
	CodeNoConsentPresent             = 183
	CodeConsentExpired               = 184
	CodeInvalidProcessDate           = 185
	CodeConsentMeteringPointMismatch = 186
)

// ConsentOutcome is one per consent entry of a status message. A single
// notification may grant several consents under one correlation.
type ConsentOutcome struct {
	ConsentID       string
	MeteringPointID string
	Codes           []int
}

// StatusMessage is the administrator's asynchronous reply to an outbound
// permission request or termination request.
type StatusMessage struct {
	Kind           MessageKind
	ConversationID string
	MessageID      string
	Consents       []ConsentOutcome
}

// RevocationMessage is an administrator initiated revocation. ConsentID may
// be unknown to us; the fallback lookup then goes by metering point and
// process date.
type RevocationMessage struct {
	ConsentID       string
	MeteringPointID string
	ProcessDate     time.Time
}

// newEvent builds an unnumbered event for the outbox, which assigns the
// per aggregate sequence itself.
func newEvent(t eh.EventType, data eh.EventData, id uuid.UUID) eh.Event {
	return eh.NewEventForAggregate(t, data, permission.TimeNow(), domain.PermissionRequestAggregateType, id, 0)
}

// DataNeedCalculation is the result of asking the data need service what a
// data need supports.
type DataNeedCalculation struct {
	Deliverable    bool
	MasterDataOnly bool
	Granularities  []domain.Granularity
}

// DataNeedCalculationService resolves the granularity options of a data
// need; consulted by the escalation retry.
type DataNeedCalculationService interface {
	Calculate(ctx context.Context, dataNeedID string) (DataNeedCalculation, error)
}
