package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a task id does not exist on the board.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTask marks payloads that fail task-level validation.
	ErrInvalidTask = errors.New("invalid task")
	// ErrInvalidBoard marks board layouts that fail validation.
	ErrInvalidBoard = errors.New("invalid board")
)

// Validation reasons attached to rejected mutations.
const (
	ReasonWIPLimitExceeded     = "wip_limit_exceeded"
	ReasonTransitionNotAllowed = "transition_not_permitted"
	ReasonBlocked              = "blocked"
)

// ValidationError is a rejected mutation. Reason is one of the
// machine-readable constants above; Detail is for humans.
type ValidationError struct {
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// PersistenceError wraps a failure from the task persistence service,
// preserving which operation and task were involved.
type PersistenceError struct {
	Op     string
	TaskID string
	Err    error
}

func (e *PersistenceError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence %s failed for task %s: %v", e.Op, e.TaskID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// BulkError pairs a task id with the error that stopped its update.
type BulkError struct {
	TaskID string `json:"taskId"`
	Err    error  `json:"-"`
	Detail string `json:"detail"`
}

// BulkResult reports the outcome of a bulk update: ids that were
// applied and, per failed id, why it was skipped.
type BulkResult struct {
	Updated []string    `json:"updated"`
	Failed  []string    `json:"failed,omitempty"`
	Errors  []BulkError `json:"errors,omitempty"`
}

// Ok reports whether every targeted task was updated.
func (r BulkResult) Ok() bool { return len(r.Failed) == 0 }
