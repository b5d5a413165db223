package handler

import "fmt"

// Error tags a handler failure as retryable or fatal. The dispatcher
// uses the flag to decide between re-delivery with backoff and a
// terminal failed state.
type Error struct {
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// ErrRateLimited signals an explicit rate-limit response from an
// external dependency. Always retryable.
var ErrRateLimited = &Error{Message: "rate limited by upstream", Retryable: true}

// Retriable creates a retryable error for transient conditions such as
// network failures or temporary upstream outages.
func Retriable(format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Retryable: true}
}

// Fatal creates a non-retryable error for permanent conditions such as
// malformed input or missing configuration.
func Fatal(format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Retryable: false}
}

// Wrapf annotates an underlying error while keeping the given
// retryability.
func Wrapf(cause error, retryable bool, format string, args ...interface{}) *Error {
	return &Error{
		Message:   fmt.Sprintf(format, args...) + ": " + cause.Error(),
		Retryable: retryable,
		Cause:     cause,
	}
}
