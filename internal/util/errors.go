package util

import (
	"errors"
	"fmt"
	"strings"
)

// Common error types for testfleet
var (
	// ErrInvalidConfig indicates a configuration error
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnknownWorker indicates the scheduler was handed a worker it never created
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrWorkerAborted indicates a worker stopped before finishing its workload
	ErrWorkerAborted = errors.New("worker aborted")

	// ErrHostNotFound indicates a test host binary could not be located
	ErrHostNotFound = errors.New("test host not found")

	// ErrNoSources indicates an operation was started without sources or tests
	ErrNoSources = errors.New("no sources")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrCancelled indicates an operation was cancelled
	ErrCancelled = errors.New("operation cancelled")

	// ErrAlreadyStarted indicates an operation manager was started twice
	ErrAlreadyStarted = errors.New("operation already started")
)

// WorkerError wraps an error with the worker and source it came from
type WorkerError struct {
	WorkerID string
	Source   string
	Err      error
}

// Error implements the error interface
func (e *WorkerError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("worker %s (%s): %v", e.WorkerID, e.Source, e.Err)
	}
	return fmt.Sprintf("worker %s: %v", e.WorkerID, e.Err)
}

// Unwrap returns the wrapped error for errors.Is/As compatibility
func (e *WorkerError) Unwrap() error {
	return e.Err
}

// WrapWorkerError wraps an error with worker context
func WrapWorkerError(workerID, source string, err error) error {
	if err == nil {
		return nil
	}
	return &WorkerError{
		WorkerID: workerID,
		Source:   source,
		Err:      err,
	}
}

// AggregateError holds the errors of many workers in arrival order
type AggregateError struct {
	Errors []error
}

// Error implements the error interface
func (m *AggregateError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d errors occurred:", len(m.Errors)))
	for i, err := range m.Errors {
		if i < 10 { // Limit to first 10 errors in the message
			sb.WriteString(fmt.Sprintf("\n  %d. %v", i+1, err))
		} else if i == 10 {
			sb.WriteString(fmt.Sprintf("\n  ... and %d more errors", len(m.Errors)-10))
			break
		}
	}
	return sb.String()
}

// Unwrap returns the errors for errors.Is/As compatibility
func (m *AggregateError) Unwrap() []error {
	return m.Errors
}

// Add appends an error, ignoring nil
func (m *AggregateError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Len returns the number of collected errors
func (m *AggregateError) Len() int {
	return len(m.Errors)
}

// ErrorOrNil returns nil if no errors were added, otherwise returns the AggregateError
func (m *AggregateError) ErrorOrNil() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}

// NewAggregateError creates a new AggregateError from a slice of errors
// It filters out nil errors
func NewAggregateError(errs []error) *AggregateError {
	m := &AggregateError{
		Errors: make([]error, 0, len(errs)),
	}
	for _, err := range errs {
		if err != nil {
			m.Errors = append(m.Errors, err)
		}
	}
	return m
}

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	if v.Value != nil {
		return fmt.Sprintf("validation failed for field %q (value: %v): %s", v.Field, v.Value, v.Message)
	}
	return fmt.Sprintf("validation failed for field %q: %s", v.Field, v.Message)
}

// Unwrap makes every validation error match ErrInvalidConfig
func (v *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

// NewValidationError creates a new validation error
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsCancelled checks if an error is a cancellation error
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsWorkerAborted checks if an error came from an aborted worker
func IsWorkerAborted(err error) bool {
	return errors.Is(err, ErrWorkerAborted)
}

// FriendlyError converts technical errors to user-friendly messages
func FriendlyError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case IsTimeout(err):
		return "Operation timed out. Please try again or increase the timeout value with --timeout flag."
	case IsCancelled(err):
		return "Operation was cancelled."
	case errors.Is(err, ErrNoSources):
		return "No test sources given. Pass one or more package directories."
	case errors.Is(err, ErrHostNotFound):
		return "Test host not found. Please check the provider command in your config file."
	case errors.Is(err, ErrInvalidConfig):
		return "Invalid configuration. Please check your config file and command-line flags."
	default:
		return err.Error()
	}
}

// WrapErrorf wraps an error with a formatted message
func WrapErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// PanicError converts a recovered panic value into an error
func PanicError(recovered any) error {
	if err, ok := recovered.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", recovered)
}
