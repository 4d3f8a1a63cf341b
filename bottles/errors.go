package bottles

import (
	"errors"
	"fmt"
)

var (
	ErrValidation    = errors.New("invalid message")
	ErrEmpty         = errors.New("no bottles in the sea")
	ErrNotConfigured = errors.New("sea has no store configured")

	// ErrIndexDrift means the sampled index was gone by the time it was
	// read, because a trim or another throw moved the list.
	ErrIndexDrift = errors.New("sampled index no longer exists")
)

type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid message: " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StoreError wraps a failure talking to the list store. Retryable marks
// failures a caller may simply try again.
type StoreError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

type CorruptEntryError struct {
	Raw    string
	Reason string
}

func (e *CorruptEntryError) Error() string {
	return "corrupt sea entry: " + e.Reason
}

func IsRetryable(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Retryable
}
