package state

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-set/v3"
)

// Registry is a named bag of States belonging to one subsystem, e.g.
// "MessengerDriver" or "Pipe::reader". A registry is created with its
// subsystem name and thereafter only grows: states are never removed
// and ids are never reused. Mutations and lookups serialize on an
// internal mutex so readers always see a consistent snapshot of the
// forest.
type Registry struct {
	mu sync.Mutex

	name string

	// byID is dense from 0 up to nextID-1, except for positions
	// introduced as gaps by CreateWithID, which are left nil and are
	// indistinguishable from "never allocated" to callers.
	byID   []*State
	byName map[string]ID
	nextID ID
}

// NewRegistry constructs an empty registry for the given subsystem
// name. Test code virtually never calls this directly; use
// Directory.Get, which creates registries lazily and shares them
// across every driver.
func NewRegistry(name string) *Registry {
	return &Registry{
		name:   name,
		byName: make(map[string]ID),
	}
}

// Name returns the subsystem name bound at construction.
func (r *Registry) Name() string { return r.name }

// CreateState allocates the next id for name, linking it under
// superstate if one is given. It fails with ErrAlreadyExists if name
// is already registered, or ErrNotFound if superstate names an
// unknown state.
func (r *Registry) CreateState(name string, superstate *ID) (ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return 0, fmt.Errorf("registry %q: state %q: %w", r.name, name, ErrAlreadyExists)
	}

	var super *State
	if superstate != nil {
		s, err := r.lookupLocked(*superstate)
		if err != nil {
			return 0, fmt.Errorf("registry %q: superstate %d: %w", r.name, *superstate, ErrNotFound)
		}
		super = s
	}

	id := r.nextID
	r.nextID++
	r.allocateLocked(name, id, super)
	return id, nil
}

// CreateStateWithID is like CreateState but the caller dictates the
// id. It fails with ErrInvalidArgument if id is below the registry's
// allocation cursor: ids must move forward, never backfill.
func (r *Registry) CreateStateWithID(name string, id ID, superstate *ID) (ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return 0, fmt.Errorf("registry %q: state %q: %w", r.name, name, ErrAlreadyExists)
	}

	var super *State
	if superstate != nil {
		s, err := r.lookupLocked(*superstate)
		if err != nil {
			return 0, fmt.Errorf("registry %q: superstate %d: %w", r.name, *superstate, ErrNotFound)
		}
		super = s
	}

	if id < r.nextID {
		return 0, fmt.Errorf("registry %q: id %d: %w", r.name, id, ErrInvalidArgument)
	}

	r.nextID = id + 1
	r.allocateLocked(name, id, super)
	return id, nil
}

// allocateLocked must be called with mu held. It grows byID to cover
// id, leaving any intervening gap positions nil, and links the new
// state under super if given.
func (r *Registry) allocateLocked(name string, id ID, super *State) {
	for ID(len(r.byID)) <= id {
		r.byID = append(r.byID, nil)
	}

	s := &State{
		id:         id,
		name:       name,
		registry:   r,
		superstate: super,
		substates:  set.New[*State](0),
	}
	r.byID[id] = s
	r.byName[name] = id

	if super != nil {
		super.substates.Insert(s)
	}
}

// LookupState returns the state for id, or (nil, false) if id was
// never allocated.
func (r *Registry) LookupState(id ID) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookupLocked(id)
	if err != nil {
		return nil, false
	}
	return s, true
}

func (r *Registry) lookupLocked(id ID) (*State, error) {
	if id < 0 || int(id) >= len(r.byID) || r.byID[id] == nil {
		return nil, ErrNotFound
	}
	return r.byID[id], nil
}

// LookupID returns the id registered for name, or ErrNotFound.
func (r *Registry) LookupID(name string) (ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	if !ok {
		return 0, fmt.Errorf("registry %q: name %q: %w", r.name, name, ErrNotFound)
	}
	return id, nil
}

// EnsureState returns the id for name, creating a new top-level state
// for it if it doesn't already exist. This is the auto-registration
// path used by report_state when the transport reports a name the
// registry has never seen.
func (r *Registry) EnsureState(name string) ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byName[name]; ok {
		return id
	}

	id := r.nextID
	r.nextID++
	r.allocateLocked(name, id, nil)
	return id
}
