package fault

import (
	"testing"

	"github.com/msgrtest/harness/state"
	"github.com/stretchr/testify/require"
)

func TestTable_NoRowsNeverFails(t *testing.T) {
	tb := NewTable()
	require.NoError(t, tb.PreFail("inst-1", state.ID(3)))
}

func TestTable_InjectBreak_CountExhausts(t *testing.T) {
	tb := NewTable()
	tb.InjectBreak("inst-1", state.ID(3), 2)

	require.ErrorIs(t, tb.PreFail("inst-1", state.ID(3)), ErrInjected)
	require.ErrorIs(t, tb.PreFail("inst-1", state.ID(3)), ErrInjected)
	require.NoError(t, tb.PreFail("inst-1", state.ID(3)))
}

func TestTable_SpecificStateBeforeWildcard(t *testing.T) {
	tb := NewTable()
	tb.InjectBreak("inst-1", Wildcard, 5)
	tb.InjectBreak("inst-1", state.ID(3), 1)

	// the specific row is consumed first, leaving the wildcard row
	// untouched; once it is gone, the same state falls back to the
	// wildcard row.
	require.ErrorIs(t, tb.PreFail("inst-1", state.ID(3)), ErrInjected)
	require.ErrorIs(t, tb.PreFail("inst-1", state.ID(3)), ErrInjected)

	// a different state for the same instance still hits the wildcard.
	require.ErrorIs(t, tb.PreFail("inst-1", state.ID(9)), ErrInjected)
}

func TestTable_InjectBreak_ZeroCountClearsRow(t *testing.T) {
	tb := NewTable()
	tb.InjectBreak("inst-1", state.ID(3), 2)
	tb.InjectBreak("inst-1", state.ID(3), 0)

	require.NoError(t, tb.PreFail("inst-1", state.ID(3)))
}

func TestTable_RowsAreScopedPerInstance(t *testing.T) {
	tb := NewTable()
	tb.InjectBreak("inst-1", state.ID(3), 1)

	require.NoError(t, tb.PreFail("inst-2", state.ID(3)))
	require.ErrorIs(t, tb.PreFail("inst-1", state.ID(3)), ErrInjected)
}

func TestTable_PostFail_SameSemanticsAsPreFail(t *testing.T) {
	tb := NewTable()
	tb.InjectBreak("inst-1", state.ID(3), 1)
	require.ErrorIs(t, tb.PostFail("inst-1", state.ID(3)), ErrInjected)
	require.NoError(t, tb.PostFail("inst-1", state.ID(3)))
}
