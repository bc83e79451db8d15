package reminder

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("reminder not found")

// ValidationError rejects malformed creation or reschedule input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid reminder: " + e.Reason
	}
	return fmt.Sprintf("invalid reminder: %s %s", e.Field, e.Reason)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotFoundError names the missing id. It matches ErrNotFound with errors.Is.
type NotFoundError struct{ ID int64 }

func (e *NotFoundError) Error() string { return fmt.Sprintf("reminder %d not found", e.ID) }
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// TransportError is a failed send. Retryable errors feed the backoff path;
// permanent ones (blocked bot, unknown chat) fail the reminder immediately.
type TransportError struct {
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Err == nil {
		return "transport error (" + kind + ")"
	}
	return fmt.Sprintf("transport error (%s): %v", kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable wraps err as a retryable transport failure.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Retryable: true, Err: err}
}

// Permanent wraps err as a non-retryable transport failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Retryable: false, Err: err}
}

// IsRetryable reports whether a send error may be retried. Errors that were
// never classified count as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return true
}

// RecoveryError is one record the startup scan could not decode.
type RecoveryError struct {
	ID  int64
	Err error
}

func (e *RecoveryError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("recovery: unreadable record: %v", e.Err)
	}
	return fmt.Sprintf("recovery: reminder %d: %v", e.ID, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }
