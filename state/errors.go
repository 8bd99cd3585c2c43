package state

import "errors"

// Error taxonomy for the state package, per the harness's error model:
// every failure is a typed, comparable sentinel wrapped with context,
// never logged-and-swallowed internally.
var (
	// ErrAlreadyExists is returned when a state name collides with one
	// already registered in the same registry.
	ErrAlreadyExists = errors.New("state: name already registered")

	// ErrNotFound is returned when an id or name was never allocated.
	ErrNotFound = errors.New("state: not found")

	// ErrInvalidArgument is returned by CreateStateWithID when the caller's
	// id would require backfilling below the allocation cursor.
	ErrInvalidArgument = errors.New("state: id below allocation cursor")
)
