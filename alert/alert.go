// Package alert implements the single-shot state-reached rendezvous
// that test code registers against a state before it happens, and the
// instrumented subsystem fires once it does.
package alert

import (
	"context"
	"sync"
)

// Alert is a single-shot notification that some watched state was
// reached. By default SetReached returns immediately once it has
// recorded the payload and woken any waiters. In gated mode
// (RequireSignalToResume), SetReached additionally blocks the
// signaling goroutine until the observer calls Release, giving test
// code a window to inspect state before the subsystem is allowed to
// continue past the point that triggered the alert.
//
// An Alert may be constructed with a caller-supplied mutex so several
// alerts (or an alert and its owning driver) can share one lock and
// avoid the lock-ordering hazards of nested independent locks.
type Alert struct {
	mu   *sync.Mutex
	cond *sync.Cond

	reached bool
	payload any

	gated      bool
	releaseCh  chan struct{}
	releaseSet bool
}

// New returns an ungated Alert with its own private mutex.
func New() *Alert {
	return NewWithMutex(&sync.Mutex{})
}

// NewWithMutex returns an ungated Alert that serializes on the given
// mutex instead of allocating its own. Use this to share a lock with
// the driver that will call SetReached, matching the teacher's
// pattern of threading one lock through related state.
func NewWithMutex(mu *sync.Mutex) *Alert {
	return &Alert{
		mu:   mu,
		cond: sync.NewCond(mu),
	}
}

// RequireSignalToResume switches the alert into gated mode: once
// fired, SetReached will not return to its caller until Release is
// called. Must be called before the alert can fire; calling it after
// SetReached has no effect on the call already in flight.
func (a *Alert) RequireSignalToResume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gated {
		return
	}
	a.gated = true
	a.releaseCh = make(chan struct{})
}

// SetReached records payload as the alert's result and wakes any
// goroutine blocked in WaitUntilReached. It fails with
// ErrAlreadyReached if called more than once. If the alert is gated,
// SetReached blocks the caller until Release is invoked. The mutex is
// not held across that wait, so Release (and any other lock-holding
// operation) can proceed normally while the caller is parked here.
func (a *Alert) SetReached(payload any) error {
	a.mu.Lock()
	if a.reached {
		a.mu.Unlock()
		return ErrAlreadyReached
	}
	a.reached = true
	a.payload = payload
	gated := a.gated
	releaseCh := a.releaseCh
	a.cond.Broadcast()
	a.mu.Unlock()

	if gated {
		<-releaseCh
	}
	return nil
}

// Release opens the gate for a gated alert that has already fired (or
// will fire in the future), letting any goroutine parked in
// SetReached continue. It fails with ErrNotGated if
// RequireSignalToResume was never called. Release is idempotent.
func (a *Alert) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.gated {
		return ErrNotGated
	}
	if a.releaseSet {
		return nil
	}
	a.releaseSet = true
	close(a.releaseCh)
	return nil
}

// IsReached reports whether the alert has fired, without blocking.
func (a *Alert) IsReached() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reached
}

// Payload returns the value passed to SetReached, or nil if the alert
// hasn't fired yet.
func (a *Alert) Payload() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.payload
}

// WaitUntilReached blocks until the alert fires or ctx is done,
// returning the fired payload. On context cancellation it returns
// ctx.Err() and a nil payload.
func (a *Alert) WaitUntilReached(ctx context.Context) (any, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			a.mu.Lock()
			a.cond.Broadcast()
			a.mu.Unlock()
		case <-done:
		}
	}()

	a.mu.Lock()
	defer a.mu.Unlock()
	for !a.reached {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a.cond.Wait()
	}
	return a.payload, nil
}
