// Package driver implements MessengerDriver: the per-transport façade
// that gives test code lifecycle control, message send/connection
// orders, an instrumentation tracker, and fault injection hooks over
// one msgrtransport.Transport endpoint.
package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/msgrtest/harness/alert"
	"github.com/msgrtest/harness/fault"
	"github.com/msgrtest/harness/msgrtransport"
	"github.com/msgrtest/harness/state"
)

// Well-known states every driver registers on its own registry at
// construction, mirroring ceph's STATE_POINTS enum.
const (
	StateMessageReceived      = "message_received"
	StateLossyConnectionBroke = "lossy_connection_broke"
	StateRemoteResetConn      = "remote_reset_connection"
)

// Config configures a Driver.
type Config struct {
	// Name identifies this driver's instance, and doubles as its
	// transport address.
	Name string
	// Transport is the endpoint this driver issues orders against.
	Transport msgrtransport.Transport
	// Directory is the shared registry directory drivers and the
	// harness use to look up/auto-register subsystem states reported
	// by the transport (e.g. "Pipe::reader").
	Directory *state.Directory
	// Faults is the shared fault table consulted on Send.
	Faults *fault.Table
	// Logger defaults to a no-op logger if nil.
	Logger hclog.Logger
}

// Driver is a single transport endpoint under test: it owns the
// connection lifecycle, reports the states that transport produces
// into the instrumentation tracker, and consults the fault table
// before/after sending.
type Driver struct {
	cfg    Config
	logger hclog.Logger

	registry *state.Registry // this driver's own subsystem registry

	msgReceivedID state.ID
	lossyBrokenID state.ID
	remoteResetID state.ID

	mu           sync.Mutex
	lifecycle    Lifecycle
	conn         msgrtransport.Connection
	lastAddr     string // last address Connect succeeded against, for transparent reconnection
	currentState map[string]state.ID // instance -> current state, across all subsystems

	nativeAlerts    map[state.ID][]*alert.Alert
	subsystemAlerts map[string]map[state.ID][]*alert.Alert
	newIncoming     []*alert.Alert
}

// New constructs a Built driver. It does not start anything; call
// Init to bring it to Running.
func New(cfg Config) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	d := &Driver{
		cfg:             cfg,
		logger:          logger.Named("driver").With("name", cfg.Name),
		registry:        state.NewRegistry("MessengerDriver"),
		currentState:    make(map[string]state.ID),
		nativeAlerts:    make(map[state.ID][]*alert.Alert),
		subsystemAlerts: make(map[string]map[state.ID][]*alert.Alert),
	}

	msgID, _ := d.registry.CreateState(StateMessageReceived, nil)
	lossyID, _ := d.registry.CreateState(StateLossyConnectionBroke, nil)
	resetID, _ := d.registry.CreateState(StateRemoteResetConn, nil)
	d.msgReceivedID = msgID
	d.lossyBrokenID = lossyID
	d.remoteResetID = resetID

	return d
}

// Name returns the driver's configured instance name.
func (d *Driver) Name() string { return d.cfg.Name }

// Registry returns the driver's own subsystem registry, the one
// RegisterAlert's state ids must belong to.
func (d *Driver) Registry() *state.Registry { return d.registry }

// Lifecycle returns the driver's current lifecycle state.
func (d *Driver) Lifecycle() Lifecycle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lifecycle
}

// Init transitions the driver from Built to Running and, if the
// transport supports accepting connections, registers this driver as
// the accept-side dispatcher/reporter for its own address.
func (d *Driver) Init() error {
	d.mu.Lock()
	if d.lifecycle != Built {
		d.mu.Unlock()
		return fmt.Errorf("driver %q: init: %w", d.cfg.Name, ErrInvalidState)
	}
	d.lifecycle = Running
	d.mu.Unlock()

	if l, ok := d.cfg.Transport.(interface {
		Listen(msgrtransport.Dispatcher, msgrtransport.StateReporter)
	}); ok {
		l.Listen(d, d)
	}

	d.logger.Debug("initialized")
	return nil
}

// Stop transitions Running to Stopped and closes this driver's
// transport endpoint, which tears down every connection it ever
// tracked, not just the one d.conn currently points to. A fault-
// absorbing reconnect (Send -> absorbFault -> EstablishConnection) can
// leave the accept side holding an earlier, now-orphaned accepted
// connection that Accepted() declined to adopt because d.conn was
// already set. Closing the whole transport reaches those too.
// Stopping an already-Stopped driver fails with ErrInvalidState,
// matching ceph's stop() returning -1 on a double stop.
func (d *Driver) Stop() error {
	d.mu.Lock()
	if d.lifecycle == Stopped {
		d.mu.Unlock()
		return fmt.Errorf("driver %q: stop: %w", d.cfg.Name, ErrInvalidState)
	}
	d.conn = nil
	d.lifecycle = Stopped
	d.mu.Unlock()

	if err := d.cfg.Transport.Close(); err != nil {
		return fmt.Errorf("driver %q: stop: %w", d.cfg.Name, err)
	}
	return nil
}

// Send delivers msg over the established connection, consulting the
// fault table against the destination instance's current state before
// and after the transmission. Three outcomes are possible:
//   - no connection and no prior address to reconnect to: ErrNotConnected.
//   - pre_fail consumes an injected-fault row: the send is transparently
//     retried once over a freshly re-established connection, absorbing
//     the fault the way break_socket's injected failures are meant to
//     be absorbed.
//   - the transport reports the connection itself is gone (the peer
//     tore it down via break_connection): this driver fires its own
//     RemoteReset alerts and drops the connection. The caller sees the
//     transport error and must call Send again to trigger reconnection,
//     since break_connection's effect is only observed on the next
//     send attempt, not pushed proactively.
func (d *Driver) Send(ctx context.Context, msg msgrtransport.Message) error {
	d.mu.Lock()
	if d.lifecycle != Running {
		d.mu.Unlock()
		return fmt.Errorf("driver %q: send: %w", d.cfg.Name, ErrInvalidState)
	}
	conn := d.conn
	addr := d.lastAddr
	d.mu.Unlock()

	if conn == nil {
		if addr == "" {
			return fmt.Errorf("driver %q: send: %w", d.cfg.Name, ErrNotConnected)
		}
		if err := d.EstablishConnection(ctx, addr); err != nil {
			return err
		}
		d.mu.Lock()
		conn = d.conn
		d.mu.Unlock()
	}

	instance := instanceNameFor(conn)

	if d.cfg.Faults != nil {
		curState, _ := d.CurrentState(instance)
		if err := d.cfg.Faults.PreFail(instance, curState); err != nil {
			conn = d.absorbFault(ctx, conn, addr)
			if conn == nil {
				return err
			}
		}
	}

	if err := conn.Send(ctx, msg); err != nil {
		d.reportOwnState(instance, d.remoteResetID)
		d.mu.Lock()
		d.conn = nil
		d.mu.Unlock()
		return err
	}

	if d.cfg.Faults != nil {
		curState, _ := d.CurrentState(instance)
		if err := d.cfg.Faults.PostFail(instance, curState); err != nil {
			return err
		}
	}
	return nil
}

// absorbFault tears down conn and re-establishes it against addr,
// returning the fresh connection, or nil if reconnection failed.
func (d *Driver) absorbFault(ctx context.Context, conn msgrtransport.Connection, addr string) msgrtransport.Connection {
	_ = conn.Close()
	d.mu.Lock()
	d.conn = nil
	d.mu.Unlock()

	if err := d.EstablishConnection(ctx, addr); err != nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

// EstablishConnection dials addr. It no-ops if a connection is
// already established, matching ceph's establish_connection.
func (d *Driver) EstablishConnection(ctx context.Context, addr string) error {
	d.mu.Lock()
	if d.conn != nil {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	conn, err := d.cfg.Transport.Connect(ctx, addr, d, d)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.conn = conn
	d.lastAddr = addr
	d.mu.Unlock()
	return nil
}

// Accepted implements msgrtransport.Dispatcher. It is called once by
// the transport when it accepts an incoming connection on this
// driver's own address, letting the accepting side hold a Connection
// of its own to issue Send/BreakConnection/BreakSocket against,
// symmetrically with the dialing side's EstablishConnection. It
// no-ops if this driver already has a connection established.
func (d *Driver) Accepted(conn msgrtransport.Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return
	}
	d.conn = conn
	d.lastAddr = conn.RemoteAddr()
}

// BreakConnection closes the established connection without
// signaling a reset to either side. The peer only discovers the break
// the next time it attempts to Send over it.
func (d *Driver) BreakConnection() error {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("driver %q: break_connection: %w", d.cfg.Name, ErrNotConnected)
	}
	return conn.Close()
}

// BreakSocket finds the instance-id of the connection to dest and
// arranges for the next count pre/post-fail checks against it (at any
// state) to fail, via the shared fault table. Absorbing that failure
// is Send's responsibility, not BreakSocket's.
func (d *Driver) BreakSocket(dest string, count int) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	if conn == nil || conn.RemoteAddr() != dest {
		return fmt.Errorf("driver %q: break_socket: %w", d.cfg.Name, ErrNotConnected)
	}
	d.cfg.Faults.InjectBreak(instanceNameFor(conn), fault.Wildcard, count)
	return nil
}

// BreakSocketIn arranges for the next count pre/post-fail checks
// against instanceID, specifically while it is in state at, to fail.
// Unlike BreakSocket, this targets an arbitrary instance-id directly
// (typically one reported by another subsystem, e.g. a "Pipe::reader"
// instance-id obtained from a NewIncomingConnection alert's payload)
// and requires no connection of its own.
func (d *Driver) BreakSocketIn(instanceID string, count int, at state.ID) error {
	d.cfg.Faults.InjectBreak(instanceID, at, count)
	return nil
}

// RegisterAlert registers a single-shot alert against one of this
// driver's own states (message_received, lossy_connection_broke,
// remote_reset_connection, or any state a test registered directly on
// d.Registry()). It fails with ErrForeignState if at wasn't allocated
// by this driver's registry.
func (d *Driver) RegisterAlert(at state.ID, gated bool) (*alert.Alert, error) {
	if _, ok := d.registry.LookupState(at); !ok {
		return nil, fmt.Errorf("driver %q: register_alert: %w", d.cfg.Name, ErrForeignState)
	}

	a := alert.New()
	if gated {
		a.RequireSignalToResume()
	}

	d.mu.Lock()
	d.nativeAlerts[at] = append(d.nativeAlerts[at], a)
	d.mu.Unlock()
	return a, nil
}

// RegisterSubsystemAlert registers a single-shot alert against a
// state reported by another subsystem the transport drives (e.g.
// "Pipe::reader"'s "accept::open"). The state id is stored as given and
// is not checked against the shared Directory's registry for that
// subsystem name, which may not have allocated it yet. The caller is
// responsible for passing an id obtained from that registry (typically
// via EnsureState, through the Directory).
func (d *Driver) RegisterSubsystemAlert(subsystem string, at state.ID, gated bool) *alert.Alert {
	a := alert.New()
	if gated {
		a.RequireSignalToResume()
	}

	d.mu.Lock()
	if d.subsystemAlerts[subsystem] == nil {
		d.subsystemAlerts[subsystem] = make(map[state.ID][]*alert.Alert)
	}
	d.subsystemAlerts[subsystem][at] = append(d.subsystemAlerts[subsystem][at], a)
	d.mu.Unlock()
	return a
}

// RegisterNewIncomingAlert registers a single-shot alert that fires
// the first time this driver accepts an incoming connection, mirrored
// on ceph's Pipe::reader "create" special case in
// report_state_changed.
func (d *Driver) RegisterNewIncomingAlert(gated bool) *alert.Alert {
	a := alert.New()
	if gated {
		a.RequireSignalToResume()
	}

	d.mu.Lock()
	d.newIncoming = append(d.newIncoming, a)
	d.mu.Unlock()
	return a
}

// Dispatch implements msgrtransport.Dispatcher. It records the
// message_received state for the sending connection's instance and
// fires any matching native alerts with msg as their payload.
func (d *Driver) Dispatch(conn msgrtransport.Connection, msg msgrtransport.Message) {
	d.mu.Lock()
	d.currentState[instanceNameFor(conn)] = d.msgReceivedID
	matched := d.nativeAlerts[d.msgReceivedID]
	delete(d.nativeAlerts, d.msgReceivedID)
	d.mu.Unlock()

	for _, a := range matched {
		_ = a.SetReached(msg)
	}
}

// HandleReset implements msgrtransport.Dispatcher.
func (d *Driver) HandleReset(conn msgrtransport.Connection) {
	d.reportOwnState(instanceNameFor(conn), d.lossyBrokenID)
}

// HandleRemoteReset implements msgrtransport.Dispatcher.
func (d *Driver) HandleRemoteReset(conn msgrtransport.Connection) {
	d.reportOwnState(instanceNameFor(conn), d.remoteResetID)
}

func instanceNameFor(conn msgrtransport.Connection) string {
	return fmt.Sprintf("%s#%d", conn.RemoteAddr(), conn.SystemID())
}

// reportOwnState updates currentState and fires matching native
// alerts, collecting them under the lock and firing outside it so a
// gated alert can't deadlock against a concurrent order on this
// driver.
func (d *Driver) reportOwnState(instance string, at state.ID) {
	d.mu.Lock()
	d.currentState[instance] = at
	matched := d.nativeAlerts[at]
	delete(d.nativeAlerts, at)
	d.mu.Unlock()

	for _, a := range matched {
		_ = a.SetReached(instance)
	}
}

// ReportState implements msgrtransport.StateReporter for subsystems
// other than the driver's own ("Pipe::reader" and friends). Unknown
// state names are auto-registered with no superstate, matching
// report_state_changed's behavior when it sees a name for the first
// time. "Pipe::reader"/"create" additionally fires every registered
// new-incoming alert, mirroring ceph's new_incoming(id) special case.
func (d *Driver) ReportState(subsystem, instance, stateName string) {
	reg := d.cfg.Directory.Get(subsystem)
	id := reg.EnsureState(stateName)

	d.mu.Lock()
	d.currentState[subsystem+"/"+instance] = id
	var matched []*alert.Alert
	if byID, ok := d.subsystemAlerts[subsystem]; ok {
		matched = byID[id]
		delete(byID, id)
	}
	var incoming []*alert.Alert
	if subsystem == "Pipe::reader" && stateName == "create" {
		incoming = d.newIncoming
		d.newIncoming = nil
	}
	d.mu.Unlock()

	for _, a := range matched {
		_ = a.SetReached(instance)
	}
	for _, a := range incoming {
		_ = a.SetReached(instance)
	}
}

// ConnectionInstance returns the instance name fault injection keys
// against for this driver's currently established connection, and
// whether one exists. Harness-level test
// code that doesn't have access to the driver's unexported conn field
// uses this to target break_socket/break_socket_in at the right row.
func (d *Driver) ConnectionInstance() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return "", false
	}
	return instanceNameFor(d.conn), true
}

// CurrentState returns the most recently reported state id for
// instance, and whether anything has been reported for it at all.
func (d *Driver) CurrentState(instance string) (state.ID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.currentState[instance]
	return id, ok
}
