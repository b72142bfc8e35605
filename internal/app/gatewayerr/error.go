// Package gatewayerr implements the error taxonomy of spec §7: every
// failure surfaced by the delivery plane carries a stable Category and Code
// alongside a wrapped cause, mirroring the shape of the teacher's
// ExecutionStatus/ActionStatus enums (internal/app/domain/function/execution.go)
// generalised into a single typed error rather than parallel status enums.
package gatewayerr

import (
	"errors"
	"fmt"
)

// Category is the top-level error-taxonomy classification (spec §7).
type Category string

const (
	Transient           Category = "TRANSIENT"
	RateLimited         Category = "RATE_LIMITED"
	Permanent           Category = "PERMANENT"
	Config              Category = "CONFIG"
	Script              Category = "SCRIPT"
	Policy              Category = "POLICY"
	CircuitOpen         Category = "CIRCUIT_OPEN"
	ScheduledTimePassed Category = "SCHEDULED_TIME_PASSED"
	Shutdown            Category = "SHUTDOWN"
)

// ShouldRetry reports the default retry disposition for a category. Callers
// may still override this per outcome (e.g. honouring Retry-After).
func (c Category) ShouldRetry() bool {
	switch c {
	case Transient, RateLimited:
		return true
	default:
		return false
	}
}

// Error is a classified, wrapped gateway error.
type Error struct {
	Category Category
	Code     string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs a classified error without a wrapped cause.
func New(category Category, code, message string) *Error {
	return &Error{Category: category, Code: code, Message: message}
}

// Wrap constructs a classified error around an existing cause.
func Wrap(category Category, code, message string, cause error) *Error {
	return &Error{Category: category, Code: code, Message: message, Cause: cause}
}

// As extracts a *Error from err, if present in its chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CategoryOf returns the category of err if it is (or wraps) a *Error, and
// the zero Category otherwise.
func CategoryOf(err error) Category {
	if ge, ok := As(err); ok {
		return ge.Category
	}
	return ""
}
