package harness

import "errors"

var (
	// ErrUnknownMessenger is returned when an order names a messenger
	// instance the harness never created (or already shut down).
	ErrUnknownMessenger = errors.New("harness: unknown messenger")

	// ErrAlreadyExists is returned by CreateMessenger when the name is
	// already in use by a live messenger.
	ErrAlreadyExists = errors.New("harness: messenger already exists")
)
