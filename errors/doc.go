// Package errors provides the structured error type used across flowgraph.
// Every failure the engine reports carries a machine-readable ErrorCode, a
// retryable flag and optional details, and unwraps to its cause.
package errors
