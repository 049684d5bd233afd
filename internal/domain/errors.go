package domain

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced to callers. Callers match on these, never on
// message text.
const (
	CodeValidation            = "VALIDATION_ERROR"
	CodeConcurrency           = "CONCURRENCY_CONFLICT"
	CodeInsufficientAvailable = "INSUFFICIENT_AVAILABLE_STOCK"
	CodeInsufficientBalance   = "INSUFFICIENT_BALANCE"
	CodeHardLockConflict      = "HARD_LOCK_CONFLICT"
	CodeNotAllocated          = "RESERVATION_NOT_ALLOCATED"
	CodeNotPicking            = "RESERVATION_NOT_PICKING"
	CodeConsumptionDeferred   = "PICKSTOCK_CONSUMPTION_DEFERRED"
	CodeFailedPermanently     = "PICKSTOCK_FAILED_PERMANENTLY"
	CodeStuckReservation      = "STUCK_RESERVATION_DETECTED"
	CodeOrphanHardLock        = "ORPHAN_HARDLOCK_DETECTED"
	CodeInvalidProjection     = "INVALID_PROJECTION_NAME"
)

// Error is a typed domain failure carrying a stable code.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two domain errors by code so sentinel comparisons work through
// wrapping.
func (e *Error) Is(target error) bool {
	var de *Error
	if errors.As(target, &de) {
		return de.Code == e.Code
	}
	return false
}

// NewError builds a typed domain error.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code to an underlying cause.
func WrapError(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: err.Error(), Err: err}
}

// ErrCode extracts the stable code from an error chain, or empty string.
func ErrCode(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsCode reports whether err carries the given stable code.
func IsCode(err error, code string) bool {
	return ErrCode(err) == code
}

// ErrNotFound marks a missing aggregate or row.
var ErrNotFound = errors.New("not found")
