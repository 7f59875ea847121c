// Package loopback is an in-process driver that simulates NETCONF devices.
//
// A Fabric holds the state of every simulated device: the running
// configuration, a pending confirmed commit, the session lock and the
// persisted applied-state record. Drivers built from a Fabric operate on that
// shared state, so tests and the run command can inspect what a transaction
// left on each device afterwards.
package loopback

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/roach88/fabricd/internal/driver"
)

// Fault makes a simulated device misbehave on the next transactions.
type Fault struct {
	// Unreachable devices never answer Connect.
	Unreachable bool `json:"unreachable" yaml:"unreachable"`
	// RejectSession devices refuse Connect.
	RejectSession bool `json:"reject_session" yaml:"reject_session"`
	// RejectConfig devices fail the validation check on UpdateOrDelete.
	RejectConfig bool `json:"reject_config" yaml:"reject_config"`
	// FailPersist makes PersistAppliedState fail.
	FailPersist bool `json:"fail_persist" yaml:"fail_persist"`
}

type deviceState struct {
	running   []byte
	previous  []byte
	pending   bool
	sessionID int
	persisted []byte
	fault     Fault
}

// Fabric is the shared state of a set of simulated devices.
// Devices are created on first use.
type Fabric struct {
	mu          sync.Mutex
	devices     map[string]*deviceState
	nextSession int
	logger      *zap.Logger
}

// NewFabric creates an empty fabric.
func NewFabric(logger *zap.Logger) *Fabric {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fabric{
		devices: make(map[string]*deviceState),
		logger:  logger.Named("loopback"),
	}
}

func (f *Fabric) device(name string) *deviceState {
	d, ok := f.devices[name]
	if !ok {
		d = &deviceState{}
		f.devices[name] = d
	}
	return d
}

// SetFault replaces the fault profile of a device.
func (f *Fabric) SetFault(name string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.device(name).fault = fault
}

// Seed sets a device's running configuration, as if applied earlier.
func (f *Fabric) Seed(name string, running []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.device(name).running = append([]byte(nil), running...)
}

// Running returns a copy of the device's running configuration.
func (f *Fabric) Running(name string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.devices[name]; ok {
		return append([]byte(nil), d.running...)
	}
	return nil
}

// Persisted returns the device's persisted applied state, if any.
func (f *Fabric) Persisted(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[name]
	if !ok || d.persisted == nil {
		return nil, false
	}
	return append([]byte(nil), d.persisted...), true
}

// Pending reports whether the device holds an unconfirmed commit.
func (f *Fabric) Pending(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[name]
	return ok && d.pending
}

// Factory returns a driver factory bound to this fabric.
func (f *Fabric) Factory() driver.Factory {
	return func(dev driver.Device) (driver.Driver, error) {
		return &Driver{fabric: f}, nil
	}
}

// Driver is one session against a simulated device.
type Driver struct {
	fabric    *Fabric
	dev       driver.Device
	sessionID int
	candidate []byte
	deleted   bool
}

var (
	_ driver.Driver     = (*Driver)(nil)
	_ driver.Rollbacker = (*Driver)(nil)
	_ driver.Closer     = (*Driver)(nil)
)

func (d *Driver) log() *zap.Logger {
	return d.fabric.logger.With(zap.String("device", d.dev.Name))
}

// Start binds the driver to a device.
func (d *Driver) Start(ctx context.Context, dev driver.Device, payload []byte) error {
	if dev.Name == "" {
		return fmt.Errorf("loopback: device name is required")
	}
	d.dev = dev
	d.candidate = append([]byte(nil), payload...)
	return nil
}

// Connect takes the device's session lock.
func (d *Driver) Connect(ctx context.Context) error {
	f := d.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	st := f.device(d.dev.Name)
	switch {
	case st.fault.Unreachable:
		return driver.ErrNoResponse
	case st.fault.RejectSession:
		return driver.ErrConnectRejected
	case st.sessionID != 0:
		return fmt.Errorf("%w: locked by session %d", driver.ErrConnectRejected, st.sessionID)
	}

	f.nextSession++
	st.sessionID = f.nextSession
	d.sessionID = st.sessionID
	d.log().Debug("session opened", zap.Int("session", d.sessionID))
	return nil
}

// UpdateOrDelete stages the candidate configuration.
func (d *Driver) UpdateOrDelete(ctx context.Context, op driver.Operation, payload []byte) error {
	f := d.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	st := f.device(d.dev.Name)
	if st.fault.RejectConfig {
		return driver.ErrValidation
	}

	switch op {
	case driver.OpUpdate:
		d.candidate = append([]byte(nil), payload...)
		d.deleted = false
	case driver.OpDelete:
		if len(st.running) == 0 {
			return driver.ErrNothingToDelete
		}
		d.candidate = nil
		d.deleted = true
	default:
		return fmt.Errorf("loopback: unsupported operation %s", op)
	}
	return nil
}

// Reserve applies the candidate as a confirmed commit, keeping the previous
// running configuration for rollback.
func (d *Driver) Reserve(ctx context.Context) error {
	f := d.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	st := f.device(d.dev.Name)
	if st.sessionID != d.sessionID {
		return fmt.Errorf("loopback: reserve without session")
	}
	st.previous = st.running
	st.running = d.candidate
	st.pending = true
	return nil
}

// Rollback reverts a reserved commit.
func (d *Driver) Rollback(ctx context.Context) error {
	f := d.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	st := f.device(d.dev.Name)
	if st.pending {
		st.running = st.previous
		st.previous = nil
		st.pending = false
		d.log().Info("confirmed commit reverted")
	}
	if st.sessionID == d.sessionID {
		st.sessionID = 0
	}
	return nil
}

// Enable confirms the reserved commit.
func (d *Driver) Enable(ctx context.Context) error {
	f := d.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	st := f.device(d.dev.Name)
	if !st.pending {
		return fmt.Errorf("loopback: no commit to confirm")
	}
	st.pending = false
	st.previous = nil
	return nil
}

// Disconnect releases the session lock.
func (d *Driver) Disconnect(ctx context.Context) error {
	f := d.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	st := f.device(d.dev.Name)
	if st.sessionID == d.sessionID {
		st.sessionID = 0
	}
	d.log().Debug("session closed", zap.Int("session", d.sessionID))
	return nil
}

// Close drops the session without confirming. Like a NETCONF
// close-session, an unconfirmed commit made in this session is reverted.
func (d *Driver) Close(ctx context.Context) error {
	f := d.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	st := f.device(d.dev.Name)
	if d.sessionID == 0 || st.sessionID != d.sessionID {
		return nil
	}
	if st.pending {
		st.running = st.previous
		st.previous = nil
		st.pending = false
		d.log().Info("unconfirmed commit reverted on close")
	}
	st.sessionID = 0
	d.log().Debug("session dropped", zap.Int("session", d.sessionID))
	return nil
}

// PersistAppliedState records the running configuration as applied state.
// A deleted configuration persists as an empty record.
func (d *Driver) PersistAppliedState(ctx context.Context) error {
	f := d.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	st := f.device(d.dev.Name)
	if st.fault.FailPersist {
		return fmt.Errorf("loopback: persist applied state for %s failed", d.dev.Name)
	}
	if d.deleted {
		st.persisted = []byte{}
		return nil
	}
	st.persisted = bytes.Clone(st.running)
	if st.persisted == nil {
		st.persisted = []byte{}
	}
	return nil
}
