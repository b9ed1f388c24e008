package types

import (
	"context"
	"encoding/json"
	"errors"
	"net"
)

// ErrorKind is the failure taxonomy shared by HTTP surfaces, the consumer
// runtime, and the DLQ.
type ErrorKind string

const (
	ErrKindValidation      ErrorKind = "validation"
	ErrKindUnauthorized    ErrorKind = "unauthorized"
	ErrKindForbidden       ErrorKind = "forbidden"
	ErrKindRateLimited     ErrorKind = "rate_limited"
	ErrKindPayloadTooLarge ErrorKind = "payload_too_large"
	ErrKindConflict        ErrorKind = "conflict"
	ErrKindTransient       ErrorKind = "transient"
	ErrKindPermanent       ErrorKind = "permanent"
	ErrKindPoison          ErrorKind = "poison"
	ErrKindCircuitOpen     ErrorKind = "circuit_open"
)

// ClassifiedError carries an explicit ErrorKind through an error chain.
// Handlers classify instead of propagating arbitrary failures.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	return &ClassifiedError{Kind: ErrKindTransient, Err: err}
}

// Permanent wraps err as non-retryable; the consumer DLQs it immediately.
func Permanent(err error) error {
	return &ClassifiedError{Kind: ErrKindPermanent, Err: err}
}

// Reject wraps err with an explicit kind chosen by the handler.
func Reject(kind ErrorKind, err error) error {
	return &ClassifiedError{Kind: kind, Err: err}
}

// Classify maps an arbitrary handler error onto the taxonomy. Timeouts and
// connection errors are transient; schema and parse failures are permanent.
// Unclassified errors default to transient so a redeploy can fix them.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ErrKindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrKindTransient
	}
	var se *json.SyntaxError
	var te *json.UnmarshalTypeError
	if errors.As(err, &se) || errors.As(err, &te) {
		return ErrKindPermanent
	}
	return ErrKindTransient
}

// Retryable reports whether an error of the given kind should be retried
// before dead-lettering.
func (k ErrorKind) Retryable() bool {
	return k == ErrKindTransient
}
