package entity

import (
	"errors"
	"fmt"
)

// FailureKind classifies a handler failure.
type FailureKind int

const (
	// FailureTransient failures are retried up to the ceiling.
	FailureTransient FailureKind = iota
	// FailurePermanent failures will not succeed on retry.
	FailurePermanent
	// FailureValidation failures come from a malformed payload.
	FailureValidation
)

func (k FailureKind) String() string {
	switch k {
	case FailurePermanent:
		return "permanent"
	case FailureValidation:
		return "validation"
	default:
		return "transient"
	}
}

// Retryable reports whether another attempt may succeed.
func (k FailureKind) Retryable() bool {
	return k == FailureTransient
}

// FailureError is returned by handlers to classify a failure.
type FailureError struct {
	Kind FailureKind
	Err  error
}

func (e *FailureError) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " failure"
	}
	return e.Err.Error()
}

func (e *FailureError) Unwrap() error { return e.Err }

func Transient(err error) error {
	return &FailureError{Kind: FailureTransient, Err: err}
}

func Permanent(err error) error {
	return &FailureError{Kind: FailurePermanent, Err: err}
}

func Invalid(format string, args ...any) error {
	return &FailureError{Kind: FailureValidation, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the failure kind of err. Unclassified errors are transient.
func KindOf(err error) FailureKind {
	var fe *FailureError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return FailureTransient
}

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}
