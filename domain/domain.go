package domain

import (
	"time"

	eh "github.com/looplab/eventhorizon"
)

// PermissionRequestAggregateType is the single aggregate type of the engine.
// Every region connector drives the same aggregate; connector specific
// behaviour lives in its validation policy and its transport, not in the
// state machine.
const PermissionRequestAggregateType = eh.AggregateType("permission-request")

// Status is the lifecycle state tag of a permission request.
type Status string

const (
	StatusCreated                     = Status("CREATED")
	StatusMalformed                   = Status("MALFORMED")
	StatusValidated                   = Status("VALIDATED")
	StatusUnableToSend                = Status("UNABLE_TO_SEND")
	StatusPendingAcknowledgement      = Status("PENDING_ACKNOWLEDGEMENT")
	StatusSentToPermissionAdmin       = Status("SENT_TO_PERMISSION_ADMINISTRATOR")
	StatusAccepted                    = Status("ACCEPTED")
	StatusRejected                    = Status("REJECTED")
	StatusInvalid                     = Status("INVALID")
	StatusTimedOut                    = Status("TIMED_OUT")
	StatusFulfilled                   = Status("FULFILLED")
	StatusUnfulfillable               = Status("UNFULFILLABLE")
	StatusTerminated                  = Status("TERMINATED")
	StatusRevoked                     = Status("REVOKED")
	StatusRequiresExternalTermination = Status("REQUIRES_EXTERNAL_TERMINATION")
	StatusFailedToTerminate           = Status("FAILED_TO_TERMINATE")
	StatusExternallyTerminated        = Status("EXTERNALLY_TERMINATED")
)

// transitions is the complete transition table. A status missing from the
// map has no outgoing transitions at all.
var transitions = map[Status][]Status{
	StatusCreated: {StatusValidated, StatusMalformed},
	// The VALIDATED self loop is the re-validation that re-arms the send
	// path when a send never happened.
	StatusValidated:              {StatusValidated, StatusPendingAcknowledgement, StatusSentToPermissionAdmin, StatusUnableToSend},
	StatusUnableToSend:           {StatusValidated},
	StatusPendingAcknowledgement: {StatusSentToPermissionAdmin},
	StatusSentToPermissionAdmin:  {StatusAccepted, StatusRejected, StatusInvalid, StatusTimedOut, StatusValidated},
	StatusAccepted:               {StatusFulfilled, StatusUnfulfillable, StatusTerminated, StatusRevoked, StatusExternallyTerminated},
	StatusFulfilled:              {StatusRequiresExternalTermination},
	StatusUnfulfillable:          {StatusRequiresExternalTermination},
	StatusTerminated:             {StatusRequiresExternalTermination},
	StatusRequiresExternalTermination: {
		StatusExternallyTerminated, StatusFailedToTerminate,
	},
	StatusFailedToTerminate: {StatusRequiresExternalTermination},
}

// phases order the lifecycle for the past/future error distinction. A
// transition into an earlier phase than the current one is a PastStateError,
// anything else that is not allowed is a FutureStateError.
var phases = map[Status]int{
	StatusCreated:                     0,
	StatusMalformed:                   1,
	StatusValidated:                   1,
	StatusUnableToSend:                2,
	StatusPendingAcknowledgement:      2,
	StatusSentToPermissionAdmin:       3,
	StatusAccepted:                    4,
	StatusRejected:                    4,
	StatusInvalid:                     4,
	StatusTimedOut:                    4,
	StatusFulfilled:                   5,
	StatusUnfulfillable:               5,
	StatusTerminated:                  5,
	StatusRevoked:                     5,
	StatusRequiresExternalTermination: 6,
	StatusFailedToTerminate:           7,
	StatusExternallyTerminated:        7,
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no outgoing transitions. Note
// that FULFILLED, TERMINATED and UNFULFILLABLE still allow the
// REQUIRES_EXTERNAL_TERMINATION escape and are therefore not terminal in
// the strict sense used by the reconciliation loop.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// Phase returns the lifecycle phase index of a status; unknown statuses
// report -1.
func Phase(s Status) int {
	p, ok := phases[s]
	if !ok {
		return -1
	}
	return p
}

// Granularity is the time resolution of the requested metering data,
// ISO 8601 duration notation as used on the wire. An empty granularity
// marks a master data only request.
type Granularity string

const (
	GranularityPT15M = Granularity("PT15M")
	GranularityPT1H  = Granularity("PT1H")
	GranularityP1D   = Granularity("P1D")
	GranularityP1M   = Granularity("P1M")
	GranularityP1Y   = Granularity("P1Y")
)

// granularityOrder sorts granularities from finest to coarsest.
var granularityOrder = map[Granularity]int{
	GranularityPT15M: 0,
	GranularityPT1H:  1,
	GranularityP1D:   2,
	GranularityP1M:   3,
	GranularityP1Y:   4,
}

// NextCoarser returns the finest granularity out of supported that is still
// coarser than current. Used by the escalation retry after a
// "requested data not deliverable" rejection.
func NextCoarser(current Granularity, supported []Granularity) (Granularity, bool) {
	cur, ok := granularityOrder[current]
	if !ok {
		return "", false
	}
	best := Granularity("")
	bestOrder := -1
	for _, g := range supported {
		o, ok := granularityOrder[g]
		if !ok || o <= cur {
			continue
		}
		if bestOrder == -1 || o < bestOrder {
			best, bestOrder = g, o
		}
	}
	return best, bestOrder != -1
}

// Timeframe is the requested data window. Start and end are inclusive
// dates; a zero end means open ended.
type Timeframe struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether from/to lies completely within the timeframe.
func (t Timeframe) Contains(from, to time.Time) bool {
	if from.Before(t.Start) {
		return false
	}
	if !t.End.IsZero() && to.After(t.End) {
		return false
	}
	return true
}

// DataSourceInformation identifies the parties on the administrator side of
// a permission request.
type DataSourceInformation struct {
	MeteredDataAdministratorID string
	PermissionAdministratorID  string
}

// CorrelationIDs are the external identifiers under which a permission
// request is known. ConversationID and MessageID are assigned at send time,
// ConsentID is learned asynchronously from the administrator.
type CorrelationIDs struct {
	ConversationID string
	MessageID      string
	ConsentID      string
}
