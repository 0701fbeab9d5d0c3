package rotation

import (
	"fmt"
	"time"

	"secret-rotator/internal/models"
)

// NotDueError is returned when rotation is requested before the due date without force.
type NotDueError struct {
	SecretName string
	DueAt      time.Time
}

func (e *NotDueError) Error() string {
	return fmt.Sprintf("secret %s is not due for rotation until %s", e.SecretName, e.DueAt.UTC().Format(time.RFC3339))
}

// ConflictError is returned when the secret already has a non-terminal job.
type ConflictError struct {
	SecretName  string
	ActiveJobID string
}

func (e *ConflictError) Error() string {
	if e.ActiveJobID == "" {
		return fmt.Sprintf("secret %s already has an active rotation job", e.SecretName)
	}
	return fmt.Sprintf("secret %s already has an active rotation job %s", e.SecretName, e.ActiveJobID)
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// InvalidStateError is returned when an operation is not allowed from the job's current status.
type InvalidStateError struct {
	JobID     string
	Status    models.JobStatus
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s job %s in status %s", e.Operation, e.JobID, e.Status)
}

// ExecutionError describes a background failure. It is recorded on the job, never returned
// to the requester.
type ExecutionError struct {
	JobID string
	Stage string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("rotation job %s failed during %s: %v", e.JobID, e.Stage, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
