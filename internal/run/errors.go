package run

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/swarmforge/conductor/internal/errcat"
)

// ErrorCode closes the taxonomy of error codes a Run can surface,
// spec.md §7's stable identifiers.
type ErrorCode string

const (
	CodeSpecParseError        ErrorCode = "spec_parse_error"
	CodeSchemaUnknown         ErrorCode = "schema_unknown"
	CodeCycleDetected         ErrorCode = "cycle_detected"
	CodeReferenceUnresolved   ErrorCode = "reference_unresolved"
	CodeInputValidationError  ErrorCode = "input_validation_error"
	CodeOutputValidationError ErrorCode = "output_validation_error"
	CodeTransportError        ErrorCode = "transport_error"
	CodeTimeout               ErrorCode = "timeout"
	CodeCancelled             ErrorCode = "cancelled"
	CodeWorkerPermanent       ErrorCode = "worker_permanent"
	CodeWorkerTransient       ErrorCode = "worker_transient"
	CodeGateFailed            ErrorCode = "gate_failed"
	CodeResourceExhausted     ErrorCode = "resource_exhausted"
	CodeInternalError         ErrorCode = "internal_error"
)

// Error is the structured error response spec.md §6.3 requires: a code
// from the closed set, a human message, whether retry is advisable, and
// an optional retry-after hint.
type Error struct {
	Code          ErrorCode
	TaskID        string
	Message       string
	RetryAdvised  bool
	RetryAfter    time.Duration
	wrapped       error
}

func (e *Error) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s (task %s): %s", e.Code, e.TaskID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

func newError(code ErrorCode, taskID string, retryAdvised bool, err error) *Error {
	return &Error{Code: code, TaskID: taskID, Message: err.Error(), RetryAdvised: retryAdvised, wrapped: err}
}

// classify maps a raw error surfaced by the invoker or schema validator
// into the Decision Engine's closed errcat.Category set, following
// spec.md §7's propagation policy (schema mismatches are never
// retryable; cancellation is never retryable; everything else is judged
// by the kind of failure reported).
func classify(err error) errcat.Category {
	switch {
	case err == nil:
		return errcat.Unknown
	case errors.Is(err, context.Canceled):
		return errcat.Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		return errcat.Timeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "circuit open"):
		return errcat.Transient
	case strings.Contains(msg, "rate limit"):
		return errcat.Transient
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return errcat.Timeout
	case strings.Contains(msg, "status 5"):
		return errcat.Transient
	case strings.Contains(msg, "no capability registered"), strings.Contains(msg, "no transport client"):
		return errcat.Permanent
	default:
		return errcat.Transient
	}
}

// toErrorCode converts a Decision Engine category, plus whether the
// failure happened validating input/output schema, into a §7 error code.
func toErrorCode(cat errcat.Category, stage string) ErrorCode {
	switch stage {
	case "input_validation":
		return CodeInputValidationError
	case "output_validation":
		return CodeOutputValidationError
	}
	switch cat {
	case errcat.Transient:
		return CodeWorkerTransient
	case errcat.Timeout:
		return CodeTimeout
	case errcat.Permanent:
		return CodeWorkerPermanent
	case errcat.Cancelled:
		return CodeCancelled
	default:
		return CodeInternalError
	}
}
