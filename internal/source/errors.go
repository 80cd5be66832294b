package source

import (
	"errors"
	"fmt"
)

// TransientError indicates a failure that may succeed on retry: a timeout,
// a 5xx response, or an explicit rate-limit-exceeded response. The batch
// client retries these with backoff; the circuit breaker counts them.
type TransientError struct {
	// Op is the operation that failed (e.g. "list", "fetch").
	Op string

	// RateLimited marks an explicit server throttle response.
	RateLimited bool

	Err error
}

func (e *TransientError) Error() string {
	if e.RateLimited {
		return fmt.Sprintf("%s: rate limited: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError indicates a failure specific to a single record that no
// retry can fix: the record does not exist or access to it is denied.
// Permanent failures are routed to the dead letter queue and never retried.
type PermanentError struct {
	// RecordID is the record the failure applies to.
	RecordID string

	// Reason is a short machine-readable classification such as
	// "not_found" or "permission_denied".
	Reason string

	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("record %s: %s: %v", e.RecordID, e.Reason, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// AuthError indicates that authentication failed or the session expired.
// It aborts the run rather than being retried per record.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error: %s", e.Message)
}

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err (or any error in its chain) is a
// PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// PermanentReason extracts the classification of a permanent error, or
// "unknown" when err carries none.
func PermanentReason(err error) string {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return "unknown"
}
