package database

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	apperrors "github.com/kbukum/flowgraph/errors"
)

// IsRetryableError reports whether a database error may clear on retry:
// lost connections, lock contention and sqlite busy errors.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	patterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"driver: bad connection",
		"deadlock",
		"lock timeout",
		"database is locked",
		"database table is locked",
		"sqlite_busy",
	}
	for _, p := range patterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}

// IsNotFoundError checks if the error is a GORM record-not-found error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// FromDatabase converts a database error to an AppError.
func FromDatabase(err error, operation, resource string) *apperrors.AppError {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NotFound(resource, "").WithCause(err)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperrors.Conflict(resource + " already exists").WithCause(err)
	}
	appErr := apperrors.Storage(operation, err).WithDetail("resource", resource)
	appErr.Retryable = IsRetryableError(err)
	return appErr
}
