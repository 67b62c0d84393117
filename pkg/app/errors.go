package app

import (
	"errors"
	"fmt"
)

var (
	// ErrAppExists is returned when adding a working directory that
	// already has an app.
	ErrAppExists = errors.New("App already exists")

	// ErrAppNotFound is returned for a working directory without an app.
	ErrAppNotFound = errors.New("App not found")
)

// StateError is returned when a lifecycle operation is requested in a
// state that does not allow it.
type StateError struct {
	Cwd   string
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s app at %s while %s", e.Op, e.Cwd, e.State)
}
