package registry

import (
	"fmt"

	"github.com/gatherly/gatherly/internal/types"
)

// AuthorizationError means the caller's role does not permit the action.
// Never retried.
type AuthorizationError struct {
	Role   Role
	Action Action
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("role %q is not allowed to %s", e.Role, e.Action)
}

// NotFoundError means the referenced event, room or participant does not
// exist.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.Key)
}

// InvalidTransitionError means the requested participant status change is
// not a legal edge of the state machine. Responding with the current status
// is also rejected with this error, so a double RSVP is visible to the
// caller instead of silently succeeding.
type InvalidTransitionError struct {
	From types.ParticipantStatus
	To   types.ParticipantStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition participant from %q to %q", e.From, e.To)
}

// ConflictError means a concurrent writer won a create or compare-and-swap
// race. It is resolved internally by refetching the winning record and is
// not surfaced to callers of the registry API.
type ConflictError struct {
	Resource string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent update on %s", e.Resource)
}

// ValidationError means the payload is malformed. Surfaced immediately,
// never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
