package boliga

import (
	"errors"
	"fmt"
)

// TransientError covers failures worth retrying: network errors, timeouts,
// HTTP 429 and 5xx. The fetcher retries these itself; if it surfaces one,
// its attempt budget is exhausted and the run should pause, not fail.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient upstream error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient upstream error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError covers failures retrying cannot fix: 4xx other than 429 and
// malformed requests. A run hitting one aborts and needs operator attention.
type FatalError struct {
	Status int
	Err    error
}

func (e *FatalError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("fatal upstream error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("fatal upstream error: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
