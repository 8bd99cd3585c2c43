package state

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_CreateState_AssignsDenseIDs(t *testing.T) {
	r := NewRegistry("MessengerDriver")

	id0, err := r.CreateState("built", nil)
	require.NoError(t, err)
	require.Equal(t, ID(0), id0)

	id1, err := r.CreateState("running", nil)
	require.NoError(t, err)
	require.Equal(t, ID(1), id1)
}

func TestRegistry_CreateState_DuplicateNameFails(t *testing.T) {
	r := NewRegistry("MessengerDriver")

	id, err := r.CreateState("built", nil)
	require.NoError(t, err)

	_, err = r.CreateState("built", nil)
	require.ErrorIs(t, err, ErrAlreadyExists)

	// the original id is untouched by the failed second registration.
	got, err := r.LookupID("built")
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestRegistry_CreateState_UnknownSuperstateFails(t *testing.T) {
	r := NewRegistry("Pipe::reader")

	bogus := ID(42)
	_, err := r.CreateState("open", &bogus)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_CreateState_LinksSubstates(t *testing.T) {
	r := NewRegistry("Pipe::reader")

	parentID, err := r.CreateState("accept", nil)
	require.NoError(t, err)

	childID, err := r.CreateState("accept::open", &parentID)
	require.NoError(t, err)

	parent, ok := r.LookupState(parentID)
	require.True(t, ok)
	require.Len(t, parent.Substates(), 1)
	require.Equal(t, childID, parent.Substates()[0].ID())

	child, ok := r.LookupState(childID)
	require.True(t, ok)
	super, ok := child.Superstate()
	require.True(t, ok)
	require.Equal(t, parentID, super.ID())
}

func TestRegistry_CreateStateWithID_AllowsGapsAndAdvancesCursor(t *testing.T) {
	r := NewRegistry("MessengerDriver")

	_, err := r.CreateStateWithID("built", 5, nil)
	require.NoError(t, err)

	// the gap ids 0..4 were never allocated.
	for i := ID(0); i < 5; i++ {
		_, ok := r.LookupState(i)
		require.False(t, ok, "id %d should be an unallocated hole", i)
	}

	// the cursor advanced past the caller-chosen id, so the next
	// auto-assigned id continues from there.
	next, err := r.CreateState("running", nil)
	require.NoError(t, err)
	require.Equal(t, ID(6), next)
}

func TestRegistry_CreateStateWithID_RejectsRegression(t *testing.T) {
	r := NewRegistry("MessengerDriver")

	_, err := r.CreateStateWithID("built", 5, nil)
	require.NoError(t, err)

	_, err = r.CreateStateWithID("stopped", 3, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	// the cursor is unchanged by the rejected call: the next auto id
	// still continues from where the accepted call left it.
	next, err := r.CreateState("failed", nil)
	require.NoError(t, err)
	require.Equal(t, ID(6), next)
}

func TestRegistry_LookupState_UnknownIDNotFound(t *testing.T) {
	r := NewRegistry("MessengerDriver")
	_, ok := r.LookupState(99)
	require.False(t, ok)
}

func TestRegistry_LookupID_UnknownNameNotFound(t *testing.T) {
	r := NewRegistry("MessengerDriver")
	_, err := r.LookupID("nope")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestRegistry_LookupID_RoundTripsWithLookupState(t *testing.T) {
	r := NewRegistry("MessengerDriver")

	id, err := r.CreateState("running", nil)
	require.NoError(t, err)

	s, ok := r.LookupState(id)
	require.True(t, ok)

	got, err := r.LookupID(s.Name())
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestRegistry_EnsureState_CreatesOnFirstUseAndReusesAfter(t *testing.T) {
	r := NewRegistry("Pipe::reader")

	id1 := r.EnsureState("create")
	id2 := r.EnsureState("create")
	require.Equal(t, id1, id2)

	s, ok := r.LookupState(id1)
	require.True(t, ok)
	_, hasSuper := s.Superstate()
	require.False(t, hasSuper)
}

func TestDirectory_GetIsLazyAndShared(t *testing.T) {
	d := NewDirectory()

	r1 := d.Get("MessengerDriver")
	r2 := d.Get("MessengerDriver")
	require.Same(t, r1, r2)

	r3 := d.Get("Pipe::reader")
	require.NotSame(t, r1, r3)

	require.ElementsMatch(t, []string{"MessengerDriver", "Pipe::reader"}, d.Names())
}
