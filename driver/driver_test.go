package driver

import (
	"context"
	"testing"
	"time"

	"github.com/msgrtest/harness/fault"
	"github.com/msgrtest/harness/msgrtransport"
	"github.com/msgrtest/harness/msgrtransport/mem"
	"github.com/msgrtest/harness/state"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newPair(t *testing.T) (*Driver, *Driver, *state.Directory, *fault.Table) {
	t.Helper()
	net := mem.NewNetwork()
	ta, err := net.NewEndpoint("msgrA")
	require.NoError(t, err)
	tb, err := net.NewEndpoint("msgrB")
	require.NoError(t, err)

	dir := state.NewDirectory()
	faults := fault.NewTable()

	a := New(Config{Name: "msgrA", Transport: ta, Directory: dir, Faults: faults})
	b := New(Config{Name: "msgrB", Transport: tb, Directory: dir, Faults: faults})
	require.NoError(t, a.Init())
	require.NoError(t, b.Init())
	t.Cleanup(func() {
		_ = a.Stop()
		_ = b.Stop()
	})
	return a, b, dir, faults
}

func TestDriver_Lifecycle_DoubleStopFails(t *testing.T) {
	a, _, _, _ := newPair(t)
	require.NoError(t, a.Stop())
	require.ErrorIs(t, a.Stop(), ErrInvalidState)
}

func TestDriver_Send_BeforeConnectFails(t *testing.T) {
	a, _, _, _ := newPair(t)
	err := a.Send(context.Background(), msgrtransport.Message{ID: "m1"})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestDriver_Send_AfterStopFails(t *testing.T) {
	a, _, _, _ := newPair(t)
	require.NoError(t, a.Stop())
	err := a.Send(context.Background(), msgrtransport.Message{ID: "m1"})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestDriver_RoundTrip_MessageFiresNativeAlert(t *testing.T) {
	a, b, _, _ := newPair(t)

	recvAlert, err := b.RegisterAlert(b.msgReceivedID, false)
	require.NoError(t, err)

	require.NoError(t, a.EstablishConnection(context.Background(), "msgrB"))

	msg := msgrtransport.Message{ID: "m1", Body: []byte("hi")}
	require.NoError(t, a.Send(context.Background(), msg))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payload, err := recvAlert.WaitUntilReached(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, payload)
}

func TestDriver_RegisterAlert_ForeignStateFails(t *testing.T) {
	a, _, dir, _ := newPair(t)

	other := dir.Get("Pipe::reader")
	foreignID, err := other.CreateState("whatever", nil)
	require.NoError(t, err)

	_, err = a.RegisterAlert(foreignID, false)
	require.ErrorIs(t, err, ErrForeignState)
}

// BreakSocket injects a counted fault against the live connection; the
// injected failure never reaches the caller, it's absorbed by a
// transparent close-and-reconnect inside Send.
func TestDriver_BreakSocket_AbsorbedTransparentlyOnSend(t *testing.T) {
	a, b, _, _ := newPair(t)
	require.NoError(t, a.EstablishConnection(context.Background(), "msgrB"))
	_ = b

	a.mu.Lock()
	oldConn := a.conn
	a.mu.Unlock()

	require.NoError(t, a.BreakSocket("msgrB", 1))
	require.NoError(t, a.Send(context.Background(), msgrtransport.Message{ID: "m1"}))

	a.mu.Lock()
	newConn := a.conn
	a.mu.Unlock()
	require.NotNil(t, newConn)
	require.NotEqual(t, oldConn.SystemID(), newConn.SystemID())

	// the counter is exhausted; a further send needs no reconnection.
	beforeID := newConn.SystemID()
	require.NoError(t, a.Send(context.Background(), msgrtransport.Message{ID: "m2"}))
	a.mu.Lock()
	require.Equal(t, beforeID, a.conn.SystemID())
	a.mu.Unlock()
}

func TestDriver_BreakSocketIn_TargetsArbitraryInstance(t *testing.T) {
	a, _, _, faults := newPair(t)

	require.NoError(t, a.BreakSocketIn("Pipe::reader#7", 1, state.ID(3)))

	err := faults.PreFail("Pipe::reader#7", state.ID(3))
	require.ErrorIs(t, err, fault.ErrInjected)

	// the single injected failure is consumed; the row is now clean.
	require.NoError(t, faults.PreFail("Pipe::reader#7", state.ID(3)))
}

func TestDriver_Send_FaultInjectionConsumesCounter(t *testing.T) {
	a, b, _, faults := newPair(t)
	require.NoError(t, a.EstablishConnection(context.Background(), "msgrB"))
	_ = b

	a.mu.Lock()
	instance := instanceNameFor(a.conn)
	a.mu.Unlock()

	faults.InjectBreak(instance, fault.Wildcard, 1)

	// the fault is absorbed inside Send, not surfaced to the caller.
	require.NoError(t, a.Send(context.Background(), msgrtransport.Message{ID: "m1"}))
	// the single injected failure was consumed; the row is gone.
	require.NoError(t, faults.PreFail(instance, fault.Wildcard))
	require.NoError(t, a.Send(context.Background(), msgrtransport.Message{ID: "m2"}))
}

// TestDriver_RemoteResetPropagation_RequiresSecondSendToReconnect covers
// break_connection being discovered by the peer only on its next send
// attempt, which fires its own RemoteReset alert and fails; a second
// send is required to reconnect and succeed.
func TestDriver_RemoteResetPropagation_RequiresSecondSendToReconnect(t *testing.T) {
	a, b, _, _ := newPair(t)
	require.NoError(t, a.EstablishConnection(context.Background(), "msgrB"))

	aRemoteReset, err := a.RegisterAlert(a.remoteResetID, false)
	require.NoError(t, err)

	require.NoError(t, b.BreakConnection())

	err = a.Send(context.Background(), msgrtransport.Message{ID: "m1"})
	require.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = aRemoteReset.WaitUntilReached(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Send(context.Background(), msgrtransport.Message{ID: "m2"}))
}

func TestDriver_NewIncomingAlert_FiresOnAccept(t *testing.T) {
	a, b, _, _ := newPair(t)

	incoming := b.RegisterNewIncomingAlert(false)

	require.NoError(t, a.EstablishConnection(context.Background(), "msgrB"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := incoming.WaitUntilReached(ctx)
	require.NoError(t, err)
}

func TestDriver_BreakConnection_NotConnectedFails(t *testing.T) {
	a, _, _, _ := newPair(t)
	err := a.BreakConnection()
	require.ErrorIs(t, err, ErrNotConnected)
}
