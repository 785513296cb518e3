package types

import (
	"errors"
	"fmt"
)

// ServiceErrorKind classifies upstream service failures. Only Timeout,
// Unavailable and RateLimited are retryable; InvalidResponse is permanent
// for the call that produced it.
type ServiceErrorKind string

const (
	ErrKindTimeout         ServiceErrorKind = "timeout"
	ErrKindRateLimited     ServiceErrorKind = "rate_limited"
	ErrKindInvalidResponse ServiceErrorKind = "invalid_response"
	ErrKindUnavailable     ServiceErrorKind = "unavailable"
)

// ServiceError is the uniform failure type returned by external service
// adapters.
type ServiceError struct {
	Kind    ServiceErrorKind
	Service string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Service, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Service, e.Kind)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Retryable reports whether the adapter retry policy applies to this error.
func (e *ServiceError) Retryable() bool {
	return e.Kind == ErrKindTimeout || e.Kind == ErrKindUnavailable || e.Kind == ErrKindRateLimited
}

func NewServiceError(service string, kind ServiceErrorKind, err error) *ServiceError {
	return &ServiceError{Kind: kind, Service: service, Err: err}
}

// IsRetryable reports whether err is a retryable ServiceError.
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}

// ValidationError marks bad caller input. Never retried, surfaced
// immediately.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// AssemblyError marks a structural validation failure after all generation
// stages completed.
type AssemblyError struct {
	Msg string
}

func (e *AssemblyError) Error() string { return e.Msg }

func NewAssemblyError(format string, args ...any) *AssemblyError {
	return &AssemblyError{Msg: fmt.Sprintf(format, args...)}
}
