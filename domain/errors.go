package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// PastStateError reports a transition that belongs to a lifecycle phase the
// request has already completed. Always a bug in the caller.
type PastStateError struct {
	Status Status
	Target Status
}

func (e PastStateError) Error() string {
	return fmt.Sprintf("transition to %s lies in the past for a request in state %s", e.Target, e.Status)
}

// FutureStateError reports a transition that belongs to a lifecycle phase
// the request has not reached yet. Always a bug in the caller.
type FutureStateError struct {
	Status Status
	Target Status
}

func (e FutureStateError) Error() string {
	return fmt.Sprintf("transition to %s is not yet reachable for a request in state %s", e.Target, e.Status)
}

// TransitionError picks the correct state error kind for a disallowed
// transition.
func TransitionError(from, to Status) error {
	if Phase(to) < Phase(from) {
		return PastStateError{Status: from, Target: to}
	}
	return FutureStateError{Status: from, Target: to}
}

// AttributeError is a single field level validation failure.
type AttributeError struct {
	Field   string
	Message string
}

func (e AttributeError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationError carries every business rule violation found while
// validating a permission request.
type ValidationError struct {
	Errors []AttributeError
}

func (e ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, a := range e.Errors {
		msgs[i] = a.Error()
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// PermissionNotFoundError is returned for lookups of unknown permission ids.
type PermissionNotFoundError struct {
	PermissionID uuid.UUID
}

func (e PermissionNotFoundError) Error() string {
	return fmt.Sprintf("no permission request with id %s", e.PermissionID)
}

// DataNeedNotFoundError is returned when a data need id cannot be resolved.
type DataNeedNotFoundError struct {
	DataNeedID string
}

func (e DataNeedNotFoundError) Error() string {
	return fmt.Sprintf("no data need with id %s", e.DataNeedID)
}

// UnknownConnectorError is returned by a router when no service is
// registered under the requested connector id.
type UnknownConnectorError struct {
	Registry    string
	ConnectorID string
}

func (e UnknownConnectorError) Error() string {
	return fmt.Sprintf("no %s service registered for connector %q", e.Registry, e.ConnectorID)
}
