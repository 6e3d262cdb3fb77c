package usecase

import (
	"fmt"
	"time"
)

type ErrorCode string

const (
	ErrorInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrorServiceSuspended ErrorCode = "SERVICE_SUSPENDED"
	ErrorTooFrequent      ErrorCode = "TOO_FREQUENT"
	ErrorWindowExceeded   ErrorCode = "WINDOW_EXCEEDED"
	ErrorBudgetExhausted  ErrorCode = "BUDGET_EXHAUSTED"
	ErrorSessionBusy      ErrorCode = "SESSION_BUSY"
	ErrorInternal         ErrorCode = "INTERNAL_ERROR"
)

// ErrorKind classifies a failed completion attempt. Kinds never surface as
// errors; they are recorded on the degraded PipelineResult.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindUpstreamTimeout     ErrorKind = "UPSTREAM_TIMEOUT"
	KindUpstreamRateLimited ErrorKind = "UPSTREAM_RATE_LIMITED"
	KindUpstreamError       ErrorKind = "UPSTREAM_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
	// RetryAfter is set on governor denials when a retry can succeed later.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
