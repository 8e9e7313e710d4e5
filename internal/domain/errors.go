package domain

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyClaimed is returned when an application is leased by
	// another worker.
	ErrAlreadyClaimed = errors.New("application already claimed")

	// ErrMissingField is returned when a required payload key is empty
	// at submission time.
	ErrMissingField = errors.New("missing required field")

	// ErrHumanTimeout is returned when a human wait passes its expiry
	// unanswered. The attempt ends but the application reverts to a
	// pre-submission state rather than failed.
	ErrHumanTimeout = errors.New("human interaction timeout")
)

// TransientError wraps infrastructure failures that are worth retrying
// with backoff before giving up.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as retryable.
func NewTransientError(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err is a retryable infrastructure error.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
