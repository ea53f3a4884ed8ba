// Package dataflowerrors contains generic errors returned by the ingestion and processing code.
// Callers match on these with errors.As to decide how to surface a failure.
//
// If multiple errors occur in some function (e.g., if several batches fail to purge), that
// function should return an error of type multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates those individual errors.
package dataflowerrors

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "batch" or "webhook subscription"
	Value   string // Resource name, e.g., "https://example.com/hook"
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
//
// See ErrAlreadyExists for more info.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "fileName"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message, e.g., explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrRateLimited is returned by the admission gate when a caller exceeded its request budget.
type ErrRateLimited struct {
	Key        string
	Limit      int
	RetryAfter time.Duration
}

func (err *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limit of %d exceeded for %s; retry after %s", err.Limit, err.Key, err.RetryAfter)
}

// ErrDuplicate is returned when a file with the same checksum has already been accepted.
type ErrDuplicate struct {
	Checksum        string
	ExistingBatchId string
}

func (err *ErrDuplicate) Error() string {
	return fmt.Sprintf("file with checksum %s was already accepted as batch %s", err.Checksum, err.ExistingBatchId)
}

// ErrReservationInProgress is returned when another request holds the reservation for a checksum
// but has not yet associated a batch with it.
type ErrReservationInProgress struct {
	Checksum string
}

func (err *ErrReservationInProgress) Error() string {
	return fmt.Sprintf("a batch for checksum %s is already being created; retry later", err.Checksum)
}

// ErrNonRetryable marks failures that will not go away on retry, e.g. a missing or malformed upload.
type ErrNonRetryable struct {
	Reason string
	Err    error
}

func (err *ErrNonRetryable) Error() string {
	if err.Err == nil {
		return err.Reason
	}
	return fmt.Sprintf("%s: %s", err.Reason, err.Err)
}

func (err *ErrNonRetryable) Unwrap() error {
	return err.Err
}

// IsAdmissionRejection returns true if err is one of the errors produced by the admission gate.
// Such errors are surfaced to the caller with retry guidance and are never retried internally.
func IsAdmissionRejection(err error) bool {
	{
		var e *ErrRateLimited
		if errors.As(err, &e) {
			return true
		}
	}
	{
		var e *ErrDuplicate
		if errors.As(err, &e) {
			return true
		}
	}
	{
		var e *ErrReservationInProgress
		if errors.As(err, &e) {
			return true
		}
	}
	return false
}

// RetryAfter returns the retry guidance carried by an admission error, if any.
// Reservation conflicts carry no precise hint, so a small fixed delay is suggested.
func RetryAfter(err error) (time.Duration, bool) {
	var rateLimited *ErrRateLimited
	if errors.As(err, &rateLimited) {
		return rateLimited.RetryAfter, true
	}
	var inProgress *ErrReservationInProgress
	if errors.As(err, &inProgress) {
		return 5 * time.Second, true
	}
	return 0, false
}

// IsNotFound is a convenience wrapper around errors.As for ErrNotFound.
func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

// IsNonRetryable is a convenience wrapper around errors.As for ErrNonRetryable.
func IsNonRetryable(err error) bool {
	var e *ErrNonRetryable
	return errors.As(err, &e)
}
