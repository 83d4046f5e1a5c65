package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// AppError is the unified error type.
type AppError struct {
	// Code is a machine-readable error code.
	Code ErrorCode `json:"code"`
	// Message is a human-readable error message.
	Message string `json:"message"`
	// Retryable indicates if the operation can be retried.
	Retryable bool `json:"retryable"`
	// Details contains additional context for the error.
	Details map[string]any `json:"details,omitempty"`
	// Cause is the underlying error that caused this error.
	Cause error `json:"-"`
}

// Error returns the string representation of the error.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *AppError) Unwrap() error { return e.Cause }

// Is reports whether target is an AppError with the same code.
// This lets callers write errors.Is(err, &AppError{Code: ErrCodeTimeout}).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == ""
}

// WithCause sets the underlying cause of the error and returns the receiver.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetails merges the provided details into the error and returns the receiver.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithDetail sets a single detail key-value pair and returns the receiver.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a new AppError with automatic retryable detection.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Retryable: IsRetryableCode(code),
	}
}

// IsAppError checks if an error is an AppError.
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first AppError in err's chain,
// or ErrCodeInternal for any other non-nil error.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether err may be retried.
func IsRetryable(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Retryable
	}
	return false
}

// --- Graph errors ---

// CyclicGraph creates an error naming the offending cycle, e.g. a -> b -> a.
func CyclicGraph(cycle []string) *AppError {
	path := strings.Join(cycle, " -> ")
	return &AppError{
		Code: ErrCodeCyclicGraph, Message: fmt.Sprintf("graph contains a cycle: %s", path),
		Details: map[string]any{"cycle": cycle},
	}
}

// DuplicateTask creates an error for a task id that already exists in the graph.
func DuplicateTask(id string) *AppError {
	return &AppError{
		Code: ErrCodeDuplicateTask, Message: fmt.Sprintf("task %q already exists", id),
		Details: map[string]any{"task_id": id},
	}
}

// UnknownDependency creates an error for an edge pointing at a missing task.
func UnknownDependency(taskID, dependency string) *AppError {
	return &AppError{
		Code:    ErrCodeUnknownDependency,
		Message: fmt.Sprintf("task %q references unknown task %q", taskID, dependency),
		Details: map[string]any{"task_id": taskID, "dependency": dependency},
	}
}

// --- Task errors ---

// TaskExecution wraps a handler failure.
func TaskExecution(taskID string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeTaskExecution, Message: fmt.Sprintf("task %q failed", taskID),
		Retryable: true, Details: map[string]any{"task_id": taskID}, Cause: cause,
	}
}

// Timeout creates an error for a task that exceeded its deadline.
func Timeout(taskID string, deadline time.Duration) *AppError {
	return &AppError{
		Code:      ErrCodeTimeout,
		Message:   fmt.Sprintf("task %q exceeded its deadline of %s", taskID, deadline),
		Retryable: true,
		Details:   map[string]any{"task_id": taskID, "deadline": deadline.String()},
	}
}

// DependencyFailure is the synthetic error applied to a task skipped because of an upstream failure.
func DependencyFailure(taskID, failedUpstream string) *AppError {
	return &AppError{
		Code:    ErrCodeDependencyFailure,
		Message: fmt.Sprintf("task %q skipped: upstream task %q did not succeed", taskID, failedUpstream),
		Details: map[string]any{"task_id": taskID, "upstream": failedUpstream},
	}
}

// Cancelled creates an error for an operation stopped by cancellation.
func Cancelled(operation string) *AppError {
	return &AppError{
		Code: ErrCodeCancelled, Message: fmt.Sprintf("%s was cancelled", operation),
		Details: map[string]any{"operation": operation},
	}
}

// --- Integrity errors ---

// CheckpointCorruption creates an error for a frontier inconsistent with the commit log.
func CheckpointCorruption(executionID, reason string) *AppError {
	return &AppError{
		Code:    ErrCodeCheckpointCorruption,
		Message: fmt.Sprintf("checkpoint for execution %q is corrupt: %s", executionID, reason),
		Details: map[string]any{"execution_id": executionID},
	}
}

// IdempotencyConflict creates an error for two live reservations on one key.
func IdempotencyConflict(key string) *AppError {
	return &AppError{
		Code:    ErrCodeIdempotencyConflict,
		Message: fmt.Sprintf("conflicting reservations observed for idempotency key %s", key),
		Details: map[string]any{"key": key},
	}
}

// --- Resource errors ---

// NotFound creates a new AppError for a resource that was not found.
func NotFound(resource, id string) *AppError {
	details := map[string]any{"resource": resource}
	if id != "" {
		details["id"] = id
	}
	return &AppError{
		Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q was not found", resource, id),
		Details: details,
	}
}

// Conflict creates a new AppError for a conflict with the current state of the resource.
func Conflict(reason string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: reason}
}

// InvalidInput creates a new AppError for invalid input.
func InvalidInput(field, reason string) *AppError {
	details := make(map[string]any)
	if field != "" {
		details["field"] = field
	}
	return &AppError{
		Code: ErrCodeInvalidInput, Message: fmt.Sprintf("invalid input: %s", reason),
		Details: details,
	}
}

// Validation creates a new AppError for struct validation errors.
func Validation(message string) *AppError {
	return &AppError{Code: ErrCodeInvalidInput, Message: message}
}

// --- Internal errors ---

// Storage wraps a failure from a storage backend.
func Storage(operation string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeStorage, Message: fmt.Sprintf("storage operation %s failed", operation),
		Retryable: true, Details: map[string]any{"operation": operation}, Cause: cause,
	}
}

// Internal creates a new AppError for an unexpected internal error.
func Internal(cause error) *AppError {
	return &AppError{
		Code: ErrCodeInternal, Message: "an unexpected error occurred",
		Cause: cause,
	}
}
