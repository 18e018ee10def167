package events

import (
	"time"

	eh "github.com/looplab/eventhorizon"

	"github.com/gridaccess/permission-service/domain"
)

const Created = eh.EventType("permission-request:created")
const Validated = eh.EventType("permission-request:validated")
const Malformed = eh.EventType("permission-request:malformed")
const Sent = eh.EventType("permission-request:sent")
const UnableToSend = eh.EventType("permission-request:unable-to-send")
const Acknowledged = eh.EventType("permission-request:acknowledged")
const Accepted = eh.EventType("permission-request:accepted")
const Rejected = eh.EventType("permission-request:rejected")
const Invalid = eh.EventType("permission-request:invalid")
const TimedOut = eh.EventType("permission-request:timed-out")
const Fulfilled = eh.EventType("permission-request:fulfilled")
const Unfulfillable = eh.EventType("permission-request:unfulfillable")
const Terminated = eh.EventType("permission-request:terminated")
const Revoked = eh.EventType("permission-request:revoked")
const RequiresExternalTermination = eh.EventType("permission-request:requires-external-termination")
const ExternallyTerminated = eh.EventType("permission-request:externally-terminated")
const FailedToTerminate = eh.EventType("permission-request:failed-to-terminate")

// MeterReadingProgress is a side effect event: it records how far delivered
// data has progressed without touching the lifecycle status.
const MeterReadingProgress = eh.EventType("permission-request:meter-reading-progress")

// CreatedData carries every immutable attribute of a fresh permission
// request. Fan-out clones copy ConnectionID, DataNeedID, DataSource and
// Created from the original request.
type CreatedData struct {
	ConnectorID     string
	ConnectionID    string
	DataNeedID      string
	DataSource      domain.DataSourceInformation
	MeteringPointID string
	Start           time.Time
	End             time.Time
	Granularity     domain.Granularity
	Created         time.Time
}

// ValidatedData freezes the timeframe and granularity that will be sent to
// the permission administrator. NeedsResend marks a re-validation caused by
// escalation or reconciliation, telling the send path to try again.
// Replayed marks a validation recorded for the audit trail only: the
// exchange it describes already happened on the wire (fan-out clones), so
// the send path must never act on it.
type ValidatedData struct {
	Start       time.Time
	End         time.Time
	Granularity domain.Granularity
	NeedsResend bool
	Replayed    bool
}

type MalformedData struct {
	Errors []domain.AttributeError
}

// SentData is committed when the request left for the administrator and
// records the correlation ids assigned at send time.
type SentData struct {
	ConversationID string
	MessageID      string
}

type UnableToSendData struct {
	Reason string
}

// AcceptedData carries the per consent outcome of an accepted request.
type AcceptedData struct {
	ConsentID       string
	MeteringPointID string
}

type RejectedData struct {
	Reason string
}

type InvalidData struct {
	Reason string
}

type UnfulfillableData struct {
	Reason string
}

type FailedToTerminateData struct {
	Reason string
}

type MeterReadingProgressData struct {
	Latest time.Time
}

// statusOf maps an event type onto the status it drives the aggregate into.
// Side effect events are absent from this map.
var statusOf = map[eh.EventType]domain.Status{
	Created:                     domain.StatusCreated,
	Validated:                   domain.StatusValidated,
	Malformed:                   domain.StatusMalformed,
	Sent:                        domain.StatusPendingAcknowledgement,
	UnableToSend:                domain.StatusUnableToSend,
	Acknowledged:                domain.StatusSentToPermissionAdmin,
	Accepted:                    domain.StatusAccepted,
	Rejected:                    domain.StatusRejected,
	Invalid:                     domain.StatusInvalid,
	TimedOut:                    domain.StatusTimedOut,
	Fulfilled:                   domain.StatusFulfilled,
	Unfulfillable:               domain.StatusUnfulfillable,
	Terminated:                  domain.StatusTerminated,
	Revoked:                     domain.StatusRevoked,
	RequiresExternalTermination: domain.StatusRequiresExternalTermination,
	ExternallyTerminated:        domain.StatusExternallyTerminated,
	FailedToTerminate:           domain.StatusFailedToTerminate,
}

// StatusOf returns the status an event type targets; ok is false for side
// effect events that leave the status untouched.
func StatusOf(t eh.EventType) (domain.Status, bool) {
	s, ok := statusOf[t]
	return s, ok
}

func init() {
	eh.RegisterEventData(Created, func() eh.EventData {
		return &CreatedData{}
	})
	eh.RegisterEventData(Validated, func() eh.EventData {
		return &ValidatedData{}
	})
	eh.RegisterEventData(Malformed, func() eh.EventData {
		return &MalformedData{}
	})
	eh.RegisterEventData(Sent, func() eh.EventData {
		return &SentData{}
	})
	eh.RegisterEventData(UnableToSend, func() eh.EventData {
		return &UnableToSendData{}
	})
	eh.RegisterEventData(Accepted, func() eh.EventData {
		return &AcceptedData{}
	})
	eh.RegisterEventData(Rejected, func() eh.EventData {
		return &RejectedData{}
	})
	eh.RegisterEventData(Invalid, func() eh.EventData {
		return &InvalidData{}
	})
	eh.RegisterEventData(Unfulfillable, func() eh.EventData {
		return &UnfulfillableData{}
	})
	eh.RegisterEventData(FailedToTerminate, func() eh.EventData {
		return &FailedToTerminateData{}
	})
	eh.RegisterEventData(MeterReadingProgress, func() eh.EventData {
		return &MeterReadingProgressData{}
	})
}
