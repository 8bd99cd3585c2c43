// Package msgrtransport declares the contract a connection-oriented,
// reconnect-capable message transport must satisfy to be driven by
// this harness, and the callbacks it must invoke so the driver can
// feed the instrumentation tracker and fault injector. Package mem
// provides an in-memory reference implementation exercised by the
// harness's own tests.
package msgrtransport

import (
	"bytes"
	"context"
)

// Message is the unit exchanged over a Connection.
type Message struct {
	ID   string
	Body []byte
}

// Equal reports whether two messages carry the same id and body.
func (m Message) Equal(other Message) bool {
	return m.ID == other.ID && bytes.Equal(m.Body, other.Body)
}

// Connection is one end of an established transport connection.
// SystemID identifies the underlying socket/pipe for fault injection
// purposes, the same kind of value ceph's break_socket keys its table
// on, distinct from the higher-level instance id the harness uses
// elsewhere.
type Connection interface {
	SystemID() int64
	RemoteAddr() string
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Dispatcher receives the events a Connection produces. A driver
// implements Dispatcher and forwards every call into its
// instrumentation tracker, mirroring ms_dispatch/ms_handle_reset/
// ms_handle_remote_reset in the original messenger test driver.
type Dispatcher interface {
	// Dispatch is called once per message the connection receives.
	Dispatch(conn Connection, msg Message)
	// HandleReset is called when the local side tears down a
	// connection it believes was lost (a lossy-connection break).
	HandleReset(conn Connection)
	// HandleRemoteReset is called when the peer reports that it reset
	// the connection first.
	HandleRemoteReset(conn Connection)
	// Accepted is called once when the transport accepts an incoming
	// connection on this dispatcher's endpoint, handing back the
	// Connection so the driver can issue orders (Send, BreakConnection)
	// against the accepted side too, symmetrically with the dialing
	// side's own Connect-returned Connection.
	Accepted(conn Connection)
}

// StateReporter receives named state transitions as the transport
// moves a connection through its lifecycle (e.g. "Pipe::reader":
// "create", "accept::open", "accept::fail_unlocked"). A driver
// implements StateReporter and forwards each call into the shared
// registry for that subsystem, auto-registering names it has never
// seen.
type StateReporter interface {
	ReportState(subsystem, instance, stateName string)
}

// Transport establishes Connections to named peers. A given Transport
// value represents one endpoint's address; Connect dials another
// endpoint by its address and returns the local Connection.
type Transport interface {
	Name() string
	Connect(ctx context.Context, addr string, dispatcher Dispatcher, reporter StateReporter) (Connection, error)
	Close() error
}
