package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound       = errors.New("not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidInput   = errors.New("invalid input")
	ErrTimeout        = errors.New("timeout")
	ErrConflict       = errors.New("conflict")
	ErrInternalError  = errors.New("internal error")
	ErrMigrationDrift = errors.New("schema migration drift")
)

// Kind categorizes a pipeline error. The kind drives the raw-log terminal
// status and whether the delivery is rescheduled.
type Kind string

const (
	KindValidation Kind = "validation" // malformed payload: terminal, raw row failed
	KindAuth       Kind = "auth"       // bad signature / unknown tenant: raw row skipped
	KindTransient  Kind = "transient"  // infra hiccup: retried with backoff
	KindDetector   Kind = "detector"   // detector bug: logged to the run ledger
	KindInternal   Kind = "internal"
)

// PipelineError is a structured error for ingest and detection operations.
type PipelineError struct {
	Kind      Kind
	Op        string // operation that failed, e.g. "normalize", "project"
	Source    string // billing source if applicable
	Err       error
	Timestamp time.Time
	Retryable bool
}

func (e *PipelineError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Source, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support for the base sentinels.
func (e *PipelineError) Is(target error) bool {
	switch target {
	case ErrInvalidInput:
		return e.Kind == KindValidation
	case ErrUnauthorized:
		return e.Kind == KindAuth
	case ErrTimeout:
		return e.Kind == KindTransient
	}
	return errors.Is(e.Err, target)
}

// New creates a PipelineError of the given kind.
func New(kind Kind, op string, err error) *PipelineError {
	return &PipelineError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: kind == KindTransient,
	}
}

// WithSource attaches the billing source to the error.
func (e *PipelineError) WithSource(source string) *PipelineError {
	e.Source = source
	return e
}

// Validation wraps a malformed-input error.
func Validation(op, source string, err error) error {
	return New(KindValidation, op, err).WithSource(source)
}

// Auth wraps a signature or tenancy failure.
func Auth(op, source string, err error) error {
	return New(KindAuth, op, err).WithSource(source)
}

// Transient wraps an infrastructure error that should be retried.
func Transient(op, source string, err error) error {
	return New(KindTransient, op, err).WithSource(source)
}

// FromPanic converts a recovered panic value into an internal error. Used at
// worker boundaries so one bad payload cannot take the pool down.
func FromPanic(op string, v any) error {
	return New(KindInternal, op, fmt.Errorf("panic: %v", v))
}

// IsRetryable checks whether an error should be rescheduled.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return errors.Is(err, ErrTimeout)
}

// KindOf extracts the kind, defaulting to internal for plain errors.
func KindOf(err error) Kind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}
