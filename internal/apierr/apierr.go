// Package apierr defines the HTTP-facing error taxonomy for the runner
// and HTTP surface, mirroring the teacher's sentinel-error-plus-status-
// code pattern (spec §7).
package apierr

import (
	"errors"
	"net/http"
)

// Error pairs a sentinel with the HTTP status it maps to.
type Error struct {
	Status  int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Wrap attaches cause to a copy of the sentinel e, so the original
// sentinel (for errors.Is) stays valid while the message carries detail.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Status: e.Status, Message: e.Message, cause: cause}
}

var (
	// ErrConflict: the runner's single slot is occupied by a different
	// prediction id (spec §6.1 PUT semantics).
	ErrConflict = &Error{Status: http.StatusConflict, Message: "a prediction is already running"}
	// ErrNotFound: operation referenced a prediction id that isn't current.
	ErrNotFound = &Error{Status: http.StatusNotFound, Message: "prediction not found"}
	// ErrValidation: input payload failed schema validation.
	ErrValidation = &Error{Status: http.StatusUnprocessableEntity, Message: "input validation failed"}
	// ErrSetupFailed: the predictor's setup phase raised; the runner
	// never reached READY.
	ErrSetupFailed = &Error{Status: http.StatusServiceUnavailable, Message: "predictor setup failed"}
	// ErrDefunct: the runner is DEFUNCT and refusing new work.
	ErrDefunct = &Error{Status: http.StatusInternalServerError, Message: "predictor is unhealthy"}
	// ErrBusy: the runner is shutting down and refuses new predictions
	// with a 503.
	ErrBusy = &Error{Status: http.StatusServiceUnavailable, Message: "predictor is busy"}
	// ErrInvalidState: a public operation was invoked from a state that
	// doesn't permit it.
	ErrInvalidState = &Error{Status: http.StatusConflict, Message: "operation not valid in current state"}
)

// StatusOf extracts the HTTP status code for err, defaulting to 500 for
// anything that isn't one of this package's sentinels.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return http.StatusInternalServerError
}
