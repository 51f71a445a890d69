package utils

import (
	"errors"
	"fmt"
)

// Error kinds shared across packages. Match them with errors.Is.
var (
	// ErrNotFound marks an absent anomaly, file or session at an API boundary.
	ErrNotFound = errors.New("not found")
	// ErrBackendUnavailable marks a failed connection or query against the columnar store.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrStreamFailure marks a recommendation stream that could not be produced or relayed.
	ErrStreamFailure = errors.New("stream failure")
	// ErrMalformedRequest marks input that failed to parse or validate.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrInvalidTransition marks a lifecycle change that would move state backwards.
	ErrInvalidTransition = errors.New("invalid transition")
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op   string
	Msg  string
	Kind error
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// KindError constructs an AppError classified under kind.
func KindError(kind error, op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Kind: kind, Err: err}
}

// Message returns the human-facing message of the first AppError in err's chain, falling
// back to err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Msg
	}
	return err.Error()
}
