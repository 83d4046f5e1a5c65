package errors

// ErrorCode represents a machine-readable error code.
type ErrorCode string

// Graph validation errors (fatal to submission)
const (
	// ErrCodeCyclicGraph indicates the graph contains a self-loop or cycle.
	ErrCodeCyclicGraph ErrorCode = "CYCLIC_GRAPH"
	// ErrCodeDuplicateTask indicates a task id was added twice.
	ErrCodeDuplicateTask ErrorCode = "DUPLICATE_TASK"
	// ErrCodeUnknownDependency indicates an edge references a task that does not exist.
	ErrCodeUnknownDependency ErrorCode = "UNKNOWN_DEPENDENCY"
)

// Task errors
const (
	// ErrCodeTaskExecution indicates a handler reported a failure.
	ErrCodeTaskExecution ErrorCode = "TASK_EXECUTION"
	// ErrCodeTimeout indicates a task exceeded its deadline.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeDependencyFailure is applied to tasks skipped because an upstream task failed.
	ErrCodeDependencyFailure ErrorCode = "DEPENDENCY_FAILURE"
	// ErrCodeCancelled indicates the operation was cancelled before it started.
	ErrCodeCancelled ErrorCode = "CANCELLED"
)

// Integrity errors (fatal, require manual intervention)
const (
	// ErrCodeCheckpointCorruption indicates a checkpoint frontier disagrees with the commit log.
	ErrCodeCheckpointCorruption ErrorCode = "CHECKPOINT_CORRUPTION"
	// ErrCodeIdempotencyConflict indicates two live reservations were observed for one key.
	ErrCodeIdempotencyConflict ErrorCode = "IDEMPOTENCY_CONFLICT"
)

// Resource and input errors
const (
	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeConflict indicates a conflict with the current state of the resource.
	ErrCodeConflict ErrorCode = "CONFLICT"
	// ErrCodeInvalidInput indicates the input is invalid.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// Internal errors
const (
	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	// ErrCodeStorage indicates a storage backend (memory, redis, database) failed.
	ErrCodeStorage ErrorCode = "STORAGE_ERROR"
)

var retryableCodes = map[ErrorCode]bool{
	ErrCodeTaskExecution: true,
	ErrCodeTimeout:       true,
	ErrCodeStorage:       true,
}

var fatalCodes = map[ErrorCode]bool{
	ErrCodeCheckpointCorruption: true,
	ErrCodeIdempotencyConflict:  true,
}

// IsRetryableCode returns true if the error code indicates a retryable error.
func IsRetryableCode(code ErrorCode) bool {
	return retryableCodes[code]
}

// IsFatalCode returns true for integrity violations that must stop an execution.
func IsFatalCode(code ErrorCode) bool {
	return fatalCodes[code]
}
