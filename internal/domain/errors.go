package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict indicates an optimistic concurrency check failed.
	ErrVersionConflict = errors.New("version conflict")
	// ErrUnknownKind is returned for notification kinds without a parser.
	ErrUnknownKind = errors.New("unknown notification kind")
	// ErrUnknownDimension is returned when a challenge tracks an unsupported metric.
	ErrUnknownDimension = errors.New("unknown challenge dimension")
	// ErrMalformedPayload marks payloads that no retry can repair.
	ErrMalformedPayload = errors.New("malformed payload")
)

// ProcessingError is the classified outcome of a failed normalization attempt.
type ProcessingError struct {
	Kind FailureKind
	Err  error
}

func (e *ProcessingError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a failure that retrying will not fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &ProcessingError{Kind: FailurePermanent, Err: err}
}

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ProcessingError{Kind: FailureTransient, Err: err}
}

// Classify returns the failure kind carried by err. Unclassified errors are transient.
func Classify(err error) FailureKind {
	var perr *ProcessingError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	if errors.Is(err, ErrMalformedPayload) || errors.Is(err, ErrUnknownKind) {
		return FailurePermanent
	}
	return FailureTransient
}

// ServiceError carries a stable operation.reason code for constructor and wiring failures.
type ServiceError struct {
	code string
	err  error
}

// NewServiceError builds a ServiceError coded as operation.reason.
func NewServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}
