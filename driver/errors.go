package driver

import "errors"

var (
	// ErrInvalidState is returned when an order is attempted from a
	// lifecycle state that doesn't allow it (e.g. Send before Init, or
	// Stop twice).
	ErrInvalidState = errors.New("driver: invalid lifecycle state for this order")

	// ErrNotConnected is returned by Send/BreakConnection/BreakSocket
	// when the driver has no established connection (Send only when it
	// also has no earlier address to reconnect to).
	ErrNotConnected = errors.New("driver: not connected")

	// ErrForeignState is returned by RegisterAlert when the state id
	// given wasn't allocated by this driver's own registry.
	ErrForeignState = errors.New("driver: state does not belong to this driver's registry")
)
