package tkv

import (
	"errors"
	"fmt"
)

// ErrOutOfRange means the list has no element at Index. A missing list
// behaves as an empty one.
type ErrOutOfRange struct {
	Key   string
	Index int64
}

func (e *ErrOutOfRange) Error() string {
	return fmt.Sprintf("index %d out of range for list %s", e.Index, e.Key)
}

// ErrStorage wraps a failure from badger itself.
type ErrStorage struct {
	Err error
}

func (e *ErrStorage) Error() string {
	return "list storage: " + e.Err.Error()
}

func (e *ErrStorage) Unwrap() error {
	return e.Err
}

// ErrCorruptList is returned when a list's bounds disagree with its
// stored elements.
type ErrCorruptList struct {
	Key    string
	Reason string
}

func (e *ErrCorruptList) Error() string {
	return fmt.Sprintf("list %s is corrupt: %s", e.Key, e.Reason)
}

func IsOutOfRange(err error) bool {
	var oor *ErrOutOfRange
	return errors.As(err, &oor)
}
