package alert

import "errors"

var (
	// ErrAlreadyReached is returned by SetReached when the alert has
	// already fired once. An Alert is single-shot: it reports the
	// first time its state was reached, never a second time.
	ErrAlreadyReached = errors.New("alert: already reached")

	// ErrNotGated is returned by Release when called on an alert that
	// was never put into gated mode via RequireSignalToResume.
	ErrNotGated = errors.New("alert: not gated")
)
