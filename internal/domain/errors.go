package domain

import (
	"errors"
	"time"
)

// Error taxonomy for task operations. Callers classify failures with
// errors.Is; the api package maps each sentinel to an HTTP status.
var (
	// ErrInvalidTask indicates a malformed submission (missing type or name,
	// bad filter values, unparseable payloads).
	ErrInvalidTask = errors.New("invalid task")

	// ErrTaskNotFound indicates the referenced task or variable does not
	// exist, or has been soft-deleted.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskConflict indicates the operation is not permitted in the task's
	// current state (cancelling a terminal task, mutating a frozen row,
	// deleting a live task).
	ErrTaskConflict = errors.New("task state conflict")

	// ErrUnprocessableTask indicates a well-formed submission whose payload
	// fails the runner's configuration validation.
	ErrUnprocessableTask = errors.New("unprocessable task")

	// ErrTaskExecution indicates a runner-side failure while submitting,
	// monitoring or cancelling a task.
	ErrTaskExecution = errors.New("task execution error")
)

// ErrorInfo builds the structured failure document persisted on FAILED
// tasks: a human-readable error, the failure class, and when it happened.
func ErrorInfo(errorType, message string) Document {
	return Document{
		"error":      message,
		"error_type": errorType,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
}
