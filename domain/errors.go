package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes surfaced to callers in structured responses.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeTaskNotFound      = "TASK_NOT_FOUND"
	CodeInvalidLane       = "INVALID_LANE"
	CodeBoard             = "BOARD_ERROR"
	CodePlanning          = "PLANNING_ERROR"
	CodeVersionConflict   = "VERSION_CONFLICT"
	CodeInvalidTransition = "INVALID_TRANSITION"
)

// CodedError is implemented by every error in the board taxonomy.
type CodedError interface {
	error
	Code() string
	Details() map[string]any
}

// ValidationError reports malformed or out-of-range caller input.
type ValidationError struct {
	Field   string
	Message string
	Extra   map[string]any
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Code() string { return CodeValidation }

func (e *ValidationError) Details() map[string]any {
	d := map[string]any{}
	if e.Field != "" {
		d["field"] = e.Field
	}
	for k, v := range e.Extra {
		d[k] = v
	}
	if len(d) == 0 {
		return nil
	}
	return d
}

func newValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// TaskNotFoundError is returned when an identifier does not resolve.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string { return fmt.Sprintf("task %s not found", e.TaskID) }

func (e *TaskNotFoundError) Code() string { return CodeTaskNotFound }

func (e *TaskNotFoundError) Details() map[string]any {
	return map[string]any{"taskId": e.TaskID}
}

// InvalidLaneError carries the rejected lane and the closed set of lanes.
type InvalidLaneError struct {
	Lane  string
	Valid []Lane
}

func (e *InvalidLaneError) Error() string {
	return fmt.Sprintf("invalid lane %q, must be one of: %s", e.Lane, joinLanes(e.Valid))
}

func (e *InvalidLaneError) Code() string { return CodeInvalidLane }

func (e *InvalidLaneError) Details() map[string]any {
	valid := make([]string, len(e.Valid))
	for i, l := range e.Valid {
		valid[i] = string(l)
	}
	return map[string]any{"lane": e.Lane, "validLanes": valid}
}

// BoardError wraps a storage-layer failure with the operation that failed.
type BoardError struct {
	Op    string
	Err   error
	Extra map[string]any
}

func (e *BoardError) Error() string {
	if e.Err == nil {
		return "board operation " + e.Op + " failed"
	}
	return "board operation " + e.Op + " failed: " + e.Err.Error()
}

func (e *BoardError) Unwrap() error { return e.Err }

func (e *BoardError) Code() string { return CodeBoard }

func (e *BoardError) Details() map[string]any {
	d := map[string]any{"operation": e.Op}
	for k, v := range e.Extra {
		d[k] = v
	}
	return d
}

// PlanningError reports goal text that fails minimal validation before
// being handed to a planner.
type PlanningError struct {
	Message string
}

func (e *PlanningError) Error() string { return e.Message }

func (e *PlanningError) Code() string { return CodePlanning }

func (e *PlanningError) Details() map[string]any { return nil }

// VersionConflictError is returned when an update names an expected version
// that no longer matches the stored task.
type VersionConflictError struct {
	TaskID   string
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("task %s is at version %d, expected %d", e.TaskID, e.Actual, e.Expected)
}

func (e *VersionConflictError) Code() string { return CodeVersionConflict }

func (e *VersionConflictError) Details() map[string]any {
	return map[string]any{"taskId": e.TaskID, "expectedVersion": e.Expected, "currentVersion": e.Actual}
}

// InvalidTransitionError is returned when the configured transition table
// forbids moving between two lanes.
type InvalidTransitionError struct {
	From Lane
	To   Lane
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("moving from %s to %s is not allowed", e.From, e.To)
}

func (e *InvalidTransitionError) Code() string { return CodeInvalidTransition }

func (e *InvalidTransitionError) Details() map[string]any {
	return map[string]any{"from": string(e.From), "to": string(e.To)}
}

// ErrConcurrencyConflict indicates that the underlying storage rejected an
// update because the row changed between read and write. Adapters retry on it.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// IsNotFound reports whether err is a TaskNotFoundError.
func IsNotFound(err error) bool {
	var nf *TaskNotFoundError
	return errors.As(err, &nf)
}

// AsCoded extracts the taxonomy error from err, if any.
func AsCoded(err error) (CodedError, bool) {
	var coded CodedError
	if errors.As(err, &coded) {
		return coded, true
	}
	return nil, false
}

func joinLanes(lanes []Lane) string {
	parts := make([]string, len(lanes))
	for i, l := range lanes {
		parts[i] = string(l)
	}
	return strings.Join(parts, ", ")
}
