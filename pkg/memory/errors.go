package memory

import (
	"errors"
	"fmt"
)

// ErrEmptySessionID is wrapped by a [*StoreError] when an operation is called
// without a session id.
var ErrEmptySessionID = errors.New("empty session id")

// StoreError reports a persistence-layer failure. The session state is left
// as of the last successful write.
type StoreError struct {
	// Op is the store operation that failed, e.g. "update state".
	Op string

	// SessionID is the session the operation targeted, if any.
	SessionID string

	// Err is the underlying driver or I/O error.
	Err error
}

func (e *StoreError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("memory: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("memory: %s %q: %v", e.Op, e.SessionID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// WrapErr wraps err in a [*StoreError] unless it is nil or already one.
func WrapErr(op, sessionID string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, SessionID: sessionID, Err: err}
}

// IsStoreError reports whether err is or wraps a [*StoreError].
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
