// Package fault implements the fault-injection table that lets test
// code arrange for a driver operation to fail a fixed number of times
// at a particular instrumented state, or at any state for a given
// instance.
package fault

import (
	"sync"

	"github.com/msgrtest/harness/state"
)

// Wildcard matches any state for an instance when no row exists for
// the specific state being checked. Ceph represents the same idea
// with a NULL state pointer; Go gets an explicit sentinel id instead
// of overloading a valid one.
const Wildcard = state.ID(-1)

type key struct {
	instance string
	at       state.ID
}

// Table is a mutex-guarded map from (instance, state) to a remaining
// failure count. PreFail/PostFail consult it on every hook call;
// InjectBreak is how test code populates it.
type Table struct {
	mu   sync.Mutex
	rows map[string]map[state.ID]int
}

// NewTable returns an empty fault table.
func NewTable() *Table {
	return &Table{rows: make(map[string]map[state.ID]int)}
}

// InjectBreak arranges for the next count calls to PreFail or PostFail
// for instance at the given state (or Wildcard) to fail. A count of 0
// removes any existing row.
func (t *Table) InjectBreak(instance string, at state.ID, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if count <= 0 {
		if rows, ok := t.rows[instance]; ok {
			delete(rows, at)
			if len(rows) == 0 {
				delete(t.rows, instance)
			}
		}
		return
	}

	rows, ok := t.rows[instance]
	if !ok {
		rows = make(map[state.ID]int)
		t.rows[instance] = rows
	}
	rows[at] = count
}

// PreFail is the hook a driver calls before performing an operation
// associated with at. It returns ErrInjected if a matching row (the
// specific state first, falling back to Wildcard) has a remaining
// count, decrementing that count and erasing the row once exhausted.
func (t *Table) PreFail(instance string, at state.ID) error {
	return t.consume(instance, at)
}

// PostFail is the hook a driver calls after performing an operation,
// with identical matching semantics to PreFail. Ceph's
// FailureInjector exposes pre_fail and post_fail as two independently
// consultable hook points around the same table; callers choose which
// (or both) to wire up per operation.
func (t *Table) PostFail(instance string, at state.ID) error {
	return t.consume(instance, at)
}

func (t *Table) consume(instance string, at state.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows, ok := t.rows[instance]
	if !ok {
		return nil
	}

	match := at
	if _, ok := rows[match]; !ok {
		match = Wildcard
		if _, ok := rows[match]; !ok {
			return nil
		}
	}

	rows[match]--
	if rows[match] <= 0 {
		delete(rows, match)
		if len(rows) == 0 {
			delete(t.rows, instance)
		}
	}
	return ErrInjected
}
