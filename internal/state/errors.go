package state

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupt marks a state document that could not be used.
	ErrCorrupt = errors.New("state document corrupt")
	// ErrLocked is returned when another process owns the document.
	ErrLocked = errors.New("state document locked by another process")
)

// CorruptError reports an unreadable or inconsistent document. The store
// falls back to empty state, so everything will be resent.
type CorruptError struct {
	Path    string
	MovedTo string
	Err     error
}

func (e *CorruptError) Error() string {
	if e.MovedTo != "" {
		return fmt.Sprintf("state document %s corrupt (moved to %s): %v", e.Path, e.MovedTo, e.Err)
	}
	return fmt.Sprintf("state document %s corrupt: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

func (e *CorruptError) Is(target error) bool {
	return target == ErrCorrupt
}
