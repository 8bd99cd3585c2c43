// Package harness implements the top-level test orchestrator: it owns
// every driver created during a test, the shared state registry
// directory they report into, and the shared fault table test code
// injects through. It corresponds to ceph's TestDriver.
package harness

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	uuid "github.com/hashicorp/go-uuid"
	"github.com/msgrtest/harness/alert"
	"github.com/msgrtest/harness/driver"
	"github.com/msgrtest/harness/fault"
	"github.com/msgrtest/harness/msgrtransport"
	"github.com/msgrtest/harness/state"
	"golang.org/x/sync/errgroup"
)

// NewTransportFunc builds a new transport endpoint bound to addr. The
// harness is transport-agnostic: it only needs something that
// satisfies msgrtransport.Transport, typically backed by a shared
// msgrtransport/mem.Network for in-process tests.
type NewTransportFunc func(addr string) (msgrtransport.Transport, error)

// Config configures a Harness.
type Config struct {
	Logger       hclog.Logger
	NewTransport NewTransportFunc
}

// Harness owns every messenger driver live in a test, plus the shared
// state registry directory and fault table they're all wired to.
type Harness struct {
	logger       hclog.Logger
	newTransport NewTransportFunc

	directory *state.Directory
	faults    *fault.Table

	mu      sync.Mutex
	drivers map[string]*driver.Driver
}

// New constructs an empty Harness.
func New(cfg Config) *Harness {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Harness{
		logger:       logger.Named("harness"),
		newTransport: cfg.NewTransport,
		directory:    state.NewDirectory(),
		faults:       fault.NewTable(),
		drivers:      make(map[string]*driver.Driver),
	}
}

// Directory returns the shared registry directory, for tests that
// want to inspect auto-registered subsystem states directly.
func (h *Harness) Directory() *state.Directory { return h.directory }

// Faults returns the shared fault table.
func (h *Harness) Faults() *fault.Table { return h.faults }

// CreateMessenger builds, registers, and initializes a new driver
// named name. If name is empty, a random name is generated with
// go-uuid, matching the harness's convention of per-transport nonces
// when a test doesn't care about a specific address.
func (h *Harness) CreateMessenger(name string) (*driver.Driver, error) {
	if name == "" {
		n, err := uuid.GenerateUUID()
		if err != nil {
			return nil, fmt.Errorf("harness: generate messenger name: %w", err)
		}
		name = n
	}

	h.mu.Lock()
	if _, exists := h.drivers[name]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("harness: messenger %q: %w", name, ErrAlreadyExists)
	}
	h.mu.Unlock()

	transport, err := h.newTransport(name)
	if err != nil {
		return nil, fmt.Errorf("harness: messenger %q: new transport: %w", name, err)
	}

	d := driver.New(driver.Config{
		Name:      name,
		Transport: transport,
		Directory: h.directory,
		Faults:    h.faults,
		Logger:    h.logger,
	})
	if err := d.Init(); err != nil {
		return nil, fmt.Errorf("harness: messenger %q: init: %w", name, err)
	}

	h.mu.Lock()
	h.drivers[name] = d
	h.mu.Unlock()

	h.logger.Debug("created messenger", "name", name)
	return d, nil
}

// ShutdownMessenger stops and forgets the named messenger.
func (h *Harness) ShutdownMessenger(name string) error {
	h.mu.Lock()
	d, ok := h.drivers[name]
	if ok {
		delete(h.drivers, name)
	}
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("harness: messenger %q: %w", name, ErrUnknownMessenger)
	}
	return d.Stop()
}

// ConnectMessengers has the from messenger establish a connection to
// the to messenger.
func (h *Harness) ConnectMessengers(ctx context.Context, from, to string) error {
	fromDriver, err := h.lookup(from)
	if err != nil {
		return err
	}
	if _, err := h.lookup(to); err != nil {
		return err
	}
	return fromDriver.EstablishConnection(ctx, to)
}

// GenerateAlert registers a native alert against one of messenger's
// own states (message_received, lossy_connection_broke,
// remote_reset_connection, or any state registered directly through
// messenger.Registry()).
func (h *Harness) GenerateAlert(messenger string, at state.ID, gated bool) (*alert.Alert, error) {
	d, err := h.lookup(messenger)
	if err != nil {
		return nil, err
	}
	return d.RegisterAlert(at, gated)
}

// GenerateSubsystemAlert registers an alert against a state reported
// by another subsystem the named messenger's transport drives, e.g.
// "Pipe::reader".
func (h *Harness) GenerateSubsystemAlert(messenger, subsystem string, at state.ID, gated bool) (*alert.Alert, error) {
	d, err := h.lookup(messenger)
	if err != nil {
		return nil, err
	}
	return d.RegisterSubsystemAlert(subsystem, at, gated), nil
}

// LookupState resolves a state id on the named messenger's own
// registry.
func (h *Harness) LookupState(messenger string, id state.ID) (*state.State, error) {
	d, err := h.lookup(messenger)
	if err != nil {
		return nil, err
	}
	s, ok := d.Registry().LookupState(id)
	if !ok {
		return nil, fmt.Errorf("harness: messenger %q: state %d: %w", messenger, id, state.ErrNotFound)
	}
	return s, nil
}

// LookupSubsystemState resolves a state id on the shared directory's
// registry for subsystem (e.g. "Pipe::reader").
func (h *Harness) LookupSubsystemState(subsystem string, id state.ID) (*state.State, error) {
	s, ok := h.directory.Get(subsystem).LookupState(id)
	if !ok {
		return nil, fmt.Errorf("harness: subsystem %q: state %d: %w", subsystem, id, state.ErrNotFound)
	}
	return s, nil
}

func (h *Harness) lookup(name string) (*driver.Driver, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.drivers[name]
	if !ok {
		return nil, fmt.Errorf("harness: messenger %q: %w", name, ErrUnknownMessenger)
	}
	return d, nil
}

// CleanUp stops every remaining messenger concurrently, returning an
// aggregate of every failure encountered.
func (h *Harness) CleanUp() error {
	h.mu.Lock()
	drivers := make([]*driver.Driver, 0, len(h.drivers))
	for _, d := range h.drivers {
		drivers = append(drivers, d)
	}
	h.drivers = make(map[string]*driver.Driver)
	h.mu.Unlock()

	var g errgroup.Group
	var mu sync.Mutex
	var result *multierror.Error

	for _, d := range drivers {
		d := d
		g.Go(func() error {
			if err := d.Stop(); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("messenger %q: %w", d.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return result.ErrorOrNil()
}
