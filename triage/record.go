package triage

import (
	"strings"
	"time"

	"github.com/kbukum/flowgraph/errors"
)

// ErrorType is the coarse class used by the recommendation rules.
type ErrorType string

const (
	TypeTimeout           ErrorType = "timeout"
	TypeValidation        ErrorType = "validation"
	TypeDependencyFailure ErrorType = "dependency_failure"
	TypeRateLimit         ErrorType = "rate_limit"
	TypeResource          ErrorType = "resource"
	TypeTaskExecution     ErrorType = "task_execution"
	TypeCancelled         ErrorType = "cancelled"
	TypeIntegrity         ErrorType = "integrity"
	TypeInternal          ErrorType = "internal"
)

// DetailErrorType lets a handler override the classification of its error
// through AppError details.
const DetailErrorType = "error_type"

// ErrorRecord is one failed attempt of one item.
type ErrorRecord struct {
	ItemID    string           `json:"item_id"`
	ItemIndex int              `json:"item_index"`
	ErrorType ErrorType        `json:"error_type"`
	ErrorCode errors.ErrorCode `json:"error_code"`
	Attempt   int              `json:"attempt"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"timestamp"`
}

var typeByCode = map[errors.ErrorCode]ErrorType{
	errors.ErrCodeTimeout:              TypeTimeout,
	errors.ErrCodeInvalidInput:         TypeValidation,
	errors.ErrCodeDependencyFailure:    TypeDependencyFailure,
	errors.ErrCodeTaskExecution:        TypeTaskExecution,
	errors.ErrCodeCancelled:            TypeCancelled,
	errors.ErrCodeCheckpointCorruption: TypeIntegrity,
	errors.ErrCodeIdempotencyConflict:  TypeIntegrity,
	errors.ErrCodeStorage:              TypeResource,
}

// Classify returns the error type and code of err.
// Unknown codes mentioning rate limits or exhausted resources are mapped by
// name; everything else is internal.
func Classify(err error) (ErrorType, errors.ErrorCode) {
	code := errors.CodeOf(err)
	if appErr, ok := errors.AsAppError(err); ok {
		if t, ok := appErr.Details[DetailErrorType].(string); ok && t != "" {
			return ErrorType(t), code
		}
		// A wrapped handler error keeps its own code.
		if appErr.Code == errors.ErrCodeTaskExecution && appErr.Cause != nil {
			if inner, ok := errors.AsAppError(appErr.Cause); ok {
				if t, _ := Classify(inner); t != TypeInternal {
					return t, code
				}
			}
		}
	}
	if t, ok := typeByCode[code]; ok {
		return t, code
	}
	upper := strings.ToUpper(string(code))
	switch {
	case strings.Contains(upper, "RATE"), strings.Contains(upper, "THROTTL"):
		return TypeRateLimit, code
	case strings.Contains(upper, "RESOURCE"), strings.Contains(upper, "QUOTA"),
		strings.Contains(upper, "MEMORY"):
		return TypeResource, code
	}
	return TypeInternal, code
}

// NewRecord builds a record for a failed attempt, classifying err.
func NewRecord(itemID string, itemIndex, attempt int, err error, at time.Time) ErrorRecord {
	t, code := Classify(err)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return ErrorRecord{
		ItemID:    itemID,
		ItemIndex: itemIndex,
		ErrorType: t,
		ErrorCode: code,
		Attempt:   attempt,
		Message:   msg,
		Timestamp: at,
	}
}
