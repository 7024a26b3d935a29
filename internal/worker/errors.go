package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/ligustah/gulp/internal/record"
)

// errRetryNow restarts the attempt loop without ending the run. Redirects
// and content changes on resume use it.
var errRetryNow = errors.New("worker: retry immediately")

// errRemoved ends a run whose record disappeared from the store.
var errRemoved = errors.New("worker: record removed")

// StopError ends a run with the given status. It carries everything the
// final store update needs to know about the outcome.
type StopError struct {
	Status   record.Status
	Reason   record.Reason
	HTTPCode int
	Message  string

	// CountRetry marks outcomes that consume a retry from the budget.
	CountRetry bool

	// RetryAfter is the server-requested delay, zero when none was given.
	RetryAfter time.Duration

	Err error
}

func (e *StopError) Error() string {
	msg := string(e.Status)
	if e.Reason != record.ReasonNone {
		msg += "(" + string(e.Reason) + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StopError) Unwrap() error {
	return e.Err
}

func stop(status record.Status, reason record.Reason, format string, args ...any) *StopError {
	return &StopError{Status: status, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func fail(reason record.Reason, err error, format string, args ...any) *StopError {
	return &StopError{
		Status:  record.StatusFailed,
		Reason:  reason,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

func httpFailure(code int) *StopError {
	return &StopError{
		Status:   record.StatusFailed,
		Reason:   record.ReasonHTTPStatus,
		HTTPCode: code,
		Message:  fmt.Sprintf("http error %d", code),
	}
}
