package journal

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed
	// journal.
	ErrClosed = errors.New("journal is closed")

	// ErrHeaderNotWritten is returned when Update is called before
	// WriteHeader has established the file format.
	ErrHeaderNotWritten = errors.New("journal header has not been written")
)

// PoisonedError is returned by every write-path operation after the
// journal has entered the poisoned state. The failure that caused the
// poisoning is available via errors.Unwrap.
type PoisonedError struct {
	cause error
}

func (e *PoisonedError) Error() string {
	return fmt.Sprintf("journal is poisoned and accepts no further writes: %v", e.cause)
}

func (e *PoisonedError) Unwrap() error { return e.cause }

// LockError indicates that another journal instance already holds the
// exclusive lock on the same file.
type LockError struct {
	Path  string
	cause error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("journal file %q is locked by another instance: %v", e.Path, e.cause)
}

func (e *LockError) Unwrap() error { return e.cause }
