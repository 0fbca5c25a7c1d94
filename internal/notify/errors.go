package notify

import (
	"fmt"

	"github.com/google/uuid"
)

// ValidationError reports missing or malformed caller input. Not
// retryable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown notification id.
type NotFoundError struct {
	ID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("notification not found: %s", e.ID)
}

// ForbiddenError reports an ownership mismatch.
type ForbiddenError struct {
	ID uuid.UUID
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("notification %s does not belong to caller", e.ID)
}

// InvalidStateError reports an illegal status transition, such as
// cancelling an already-sent notification.
type InvalidStateError struct {
	ID     uuid.UUID
	Status string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("notification %s is %s and cannot transition", e.ID, e.Status)
}

// DependencyError reports an unavailable collaborator (queue or store).
// The operation may be retried once the dependency recovers.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}
