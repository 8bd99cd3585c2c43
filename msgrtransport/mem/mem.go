// Package mem provides an in-memory msgrtransport.Transport, standing
// in for ceph's SimpleMessenger/Pipe pair for connect, send, and a
// fault check on the accept path. It never calls a Dispatcher's
// HandleReset or HandleRemoteReset: a peer that closed its side shows
// up only as an error from the next Send.
// There is no real ceph Pipe type in Go to adapt, so this is new code;
// its shape (a shared registry of named endpoints exchanging messages
// over per-connection channels) follows the teacher's channel-based
// fan-out style (chan *drivers.Fingerprint / chan *drivers.TaskEvent
// in client/pluginmanager/drivermanager) rather than any ceph source.
package mem

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/msgrtest/harness/fault"
	"github.com/msgrtest/harness/msgrtransport"
	"github.com/msgrtest/harness/state"
)

// Network is the shared address space a set of Endpoints connect
// through. Tests typically construct one Network and one Endpoint per
// simulated messenger.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	nextSysID atomic.Int64

	directory *state.Directory
	faults    *fault.Table
}

// NewNetwork returns an empty Network.
func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]*Endpoint)}
}

// SetFaults wires the network's accept path to the fault table a
// harness uses for break_socket_in: once set, accepting a connection
// consults faults before reporting "Pipe::reader"/"accept::open",
// mirroring ceph's Pipe::reader::accept() calling do_fail_checks
// around that state point and reporting "accept::fail_unlocked" on a
// hit instead of proceeding straight through. Call before any Connect;
// it's not safe to change concurrently with an in-flight accept.
func (n *Network) SetFaults(dir *state.Directory, faults *fault.Table) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.directory = dir
	n.faults = faults
}

func (n *Network) faultHit(instance, stateName string) bool {
	n.mu.Lock()
	dir, faults := n.directory, n.faults
	n.mu.Unlock()
	if dir == nil || faults == nil {
		return false
	}
	id := dir.Get("Pipe::reader").EnsureState(stateName)
	return faults.PreFail(instance, id) != nil
}

// NewEndpoint registers and returns a new Endpoint at addr. It fails
// if addr is already taken.
func (n *Network) NewEndpoint(addr string) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.endpoints[addr]; exists {
		return nil, fmt.Errorf("mem: address %q already in use", addr)
	}
	e := &Endpoint{net: n, addr: addr, conns: make(map[int64]*conn)}
	n.endpoints[addr] = e
	return e, nil
}

func (n *Network) lookup(addr string) (*Endpoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.endpoints[addr]
	return e, ok
}

func (n *Network) allocSysID() int64 {
	return n.nextSysID.Add(1)
}

// Endpoint is one simulated messenger's address. It implements
// msgrtransport.Transport.
type Endpoint struct {
	net  *Network
	addr string

	mu    sync.Mutex
	conns map[int64]*conn

	acceptDispatcher msgrtransport.Dispatcher
	acceptReporter   msgrtransport.StateReporter
}

// Name returns the endpoint's address.
func (e *Endpoint) Name() string { return e.addr }

// Listen registers the dispatcher/reporter pair used for connections
// accepted from other endpoints dialing this address. A driver calls
// this once at startup with itself as both.
func (e *Endpoint) Listen(dispatcher msgrtransport.Dispatcher, reporter msgrtransport.StateReporter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acceptDispatcher = dispatcher
	e.acceptReporter = reporter
}

// Connect dials addr, wiring the returned Connection's incoming
// traffic to dispatcher and its Pipe::reader state transitions to
// reporter. If the target endpoint has an accept handler registered
// (via Listen), it is wired symmetrically and sees the new connection
// as a "Pipe::reader"/"create" transition, exactly as ceph's accepting
// Pipe does.
func (e *Endpoint) Connect(ctx context.Context, addr string, dispatcher msgrtransport.Dispatcher, reporter msgrtransport.StateReporter) (msgrtransport.Connection, error) {
	peer, ok := e.net.lookup(addr)
	if !ok {
		return nil, fmt.Errorf("mem: no endpoint registered at %q", addr)
	}

	localID := e.net.allocSysID()
	remoteID := e.net.allocSysID()

	local := &conn{endpoint: e, sysID: localID, remoteAddr: addr, inbox: make(chan msgrtransport.Message, 16)}
	remote := &conn{endpoint: peer, sysID: remoteID, remoteAddr: e.addr, inbox: make(chan msgrtransport.Message, 16)}
	local.peer = remote
	remote.peer = local

	local.dispatcher = dispatcher
	local.reporter = reporter
	e.addConn(local)
	reporter.ReportState("Pipe::reader", local.instanceName(), "connect::open")

	peer.mu.Lock()
	acceptDispatcher, acceptReporter := peer.acceptDispatcher, peer.acceptReporter
	peer.mu.Unlock()
	if acceptDispatcher != nil {
		remote.dispatcher = acceptDispatcher
		remote.reporter = acceptReporter
		peer.addConn(remote)
		acceptDispatcher.Accepted(remote)
		acceptReporter.ReportState("Pipe::reader", remote.instanceName(), "create")
		if e.net.faultHit(remote.instanceName(), "accept::open") {
			acceptReporter.ReportState("Pipe::reader", remote.instanceName(), "accept::fail_unlocked")
		}
		acceptReporter.ReportState("Pipe::reader", remote.instanceName(), "accept::open")
		go remote.readLoop()
	}

	go local.readLoop()
	return local, nil
}

// Close tears down every connection this endpoint holds, without
// firing reset notifications. This is a clean shutdown, not a fault.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	conns := make([]*conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

func (e *Endpoint) addConn(c *conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns[c.sysID] = c
}

func (e *Endpoint) removeConn(sysID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, sysID)
}

// conn is one side of an in-memory connection pair.
type conn struct {
	endpoint   *Endpoint
	peer       *conn
	sysID      int64
	remoteAddr string
	inbox      chan msgrtransport.Message

	dispatcher msgrtransport.Dispatcher
	reporter   msgrtransport.StateReporter

	mu     sync.Mutex
	closed bool
}

func (c *conn) instanceName() string {
	return fmt.Sprintf("%s#%d", c.endpoint.addr, c.sysID)
}

// SystemID returns the connection's underlying socket id, the key
// fault injection matches break_socket/break_socket_in against.
func (c *conn) SystemID() int64 { return c.sysID }

func (c *conn) RemoteAddr() string { return c.remoteAddr }

// Send delivers msg to the peer's inbox. It fails if this side has
// been closed, or if the peer has; the latter is how a driver
// discovers, on its next Send, that the far end tore the connection
// down (break_connection) without it being pushed proactively.
// Fault-injected send failures are the driver layer's responsibility,
// consulted via fault.Table.PreFail/PostFail before this is ever
// called.
func (c *conn) Send(ctx context.Context, msg msgrtransport.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("mem: connection %d closed", c.sysID)
	}
	peer := c.peer
	c.mu.Unlock()

	peer.mu.Lock()
	peerClosed := peer.closed
	peer.mu.Unlock()
	if peerClosed {
		return fmt.Errorf("mem: peer connection %d closed", peer.sysID)
	}

	select {
	case peer.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears this connection down without notifying the peer of a
// reset. It's a graceful shutdown, matching break_connection's
// contract when the connection is simply not established rather than
// broken.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.inbox)
	c.endpoint.removeConn(c.sysID)
	return nil
}

func (c *conn) readLoop() {
	for msg := range c.inbox {
		if c.dispatcher != nil {
			c.dispatcher.Dispatch(c, msg)
		}
	}
}

var _ msgrtransport.Transport = (*Endpoint)(nil)
var _ msgrtransport.Connection = (*conn)(nil)
