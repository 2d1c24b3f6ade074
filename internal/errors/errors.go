// Package errors defines the structured error taxonomy shared by control
// plane components. Every failure crossing a component boundary is either a
// ControlError or a wrapped sentinel so retry and escalation decisions stay
// uniform.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrTimeout       = errors.New("timeout")
	ErrCancelled     = errors.New("cancelled")
	ErrDenied        = errors.New("governance denied")
	ErrExpired       = errors.New("approval expired")
	ErrPrecondition  = errors.New("precondition violation")
	ErrChainBroken   = errors.New("audit chain broken")
	ErrSchemaBroken  = errors.New("record schema broken")
	ErrBackpressure  = errors.New("bus backpressure")
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrInconsistency = errors.New("task table inconsistency")
)

// Kind categorizes an error for propagation policy.
type Kind string

const (
	KindTransient     Kind = "transient"
	KindFatal         Kind = "fatal"
	KindConfiguration Kind = "configuration"
	KindIntegrity     Kind = "integrity"
	KindGovernance    Kind = "governance"
)

// ControlError is a structured error for control-plane operations.
type ControlError struct {
	Kind      Kind
	Op        string // Operation that failed (e.g., "dispatch_task", "append_audit")
	Component string // Component where the error occurred
	Err       error  // Underlying error
	Retryable bool
	Timestamp time.Time
}

func (e *ControlError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s failed in %s: %v", e.Op, e.Component, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ControlError) Unwrap() error {
	return e.Err
}

// New creates a ControlError with retryability derived from its kind.
func New(kind Kind, op, component string, err error) *ControlError {
	return &ControlError{
		Kind:      kind,
		Op:        op,
		Component: component,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: kind == KindTransient,
	}
}

// Transient wraps a retryable failure (I/O timeout, ephemeral unavailability).
func Transient(op, component string, err error) *ControlError {
	return New(KindTransient, op, component, err)
}

// Fatal wraps a non-retryable failure.
func Fatal(op, component string, err error) *ControlError {
	return New(KindFatal, op, component, err)
}

// Integrity wraps a tamper or schema failure; never retryable.
func Integrity(op, component string, err error) *ControlError {
	return New(KindIntegrity, op, component, err)
}

// Governance wraps a deny or expiry; never silently retried.
func Governance(op, component string, err error) *ControlError {
	return New(KindGovernance, op, component, err)
}

// Configuration wraps a boot-time configuration failure.
func Configuration(op string, err error) *ControlError {
	return New(KindConfiguration, op, "config", err)
}

// IsRetryable reports whether the scheduler may retry after this error.
func IsRetryable(err error) bool {
	var ctrlErr *ControlError
	if errors.As(err, &ctrlErr) {
		return ctrlErr.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrBackpressure)
}

// KindOf extracts the error kind, defaulting to fatal for unknown errors.
func KindOf(err error) Kind {
	var ctrlErr *ControlError
	if errors.As(err, &ctrlErr) {
		return ctrlErr.Kind
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrBackpressure) {
		return KindTransient
	}
	return KindFatal
}

// Is reports errors.Is against the wrapped error, letting callers match
// sentinels through ControlError wrappers.
func Is(err, target error) bool { return errors.Is(err, target) }

// As is a convenience re-export of errors.As.
func As(err error, target any) bool { return errors.As(err, target) }
