// Package state implements the hierarchical state registry that
// instrumented subsystems use to declare named points of interest and
// that test code uses to look those states up by name.
package state

import (
	"github.com/hashicorp/go-set/v3"
)

// ID is a stable, dense, monotonically-assigned identifier for a State
// within the Registry that created it. Ids are never reused and are
// never valid across two different registries.
type ID int

// State is an immutable record identifying a point of interest inside
// some subsystem. States form a forest: a top-level state has no
// Superstate, and every State knows the Substates linked under it.
//
// Registry and Superstate are non-owning back-references kept purely
// for lookups; the Registry owns the forward edges (its id table and
// each State's Substates collection).
type State struct {
	id         ID
	name       string
	registry   *Registry
	superstate *State
	substates  set.Collection[*State]
}

// ID returns the state's registry-local identifier.
func (s *State) ID() ID { return s.id }

// Name returns the state's name, unique within its registry.
func (s *State) Name() string { return s.name }

// Registry returns the registry this state was created in.
func (s *State) Registry() *Registry { return s.registry }

// Superstate returns the state's parent, if any.
func (s *State) Superstate() (*State, bool) {
	if s.superstate == nil {
		return nil, false
	}
	return s.superstate, true
}

// Substates returns the states linked under this one. The returned
// slice is a snapshot; mutating it does not affect the forest.
func (s *State) Substates() []*State {
	return s.substates.Slice()
}
