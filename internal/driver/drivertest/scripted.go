// Package drivertest provides a scripted driver for engine and harness tests.
package drivertest

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/fabricd/internal/driver"
)

// Driver call names, as recorded in the call log and keyed in scripts.
const (
	CallStart               = "Start"
	CallConnect             = "Connect"
	CallUpdateOrDelete      = "UpdateOrDelete"
	CallReserve             = "Reserve"
	CallEnable              = "Enable"
	CallDisconnect          = "Disconnect"
	CallPersistAppliedState = "PersistAppliedState"
	CallRollback            = "Rollback"
	CallClose               = "Close"
)

// Script configures how a Scripted driver answers each call.
// Missing entries succeed immediately.
type Script struct {
	Errors map[string]error
	Delays map[string]time.Duration
}

// Scripted is a driver whose outcomes come from a Script.
// Safe for concurrent inspection while an agent drives it.
type Scripted struct {
	mu     sync.Mutex
	script Script
	dev    driver.Device
	calls  []string
}

var (
	_ driver.Driver     = (*Scripted)(nil)
	_ driver.Rollbacker = (*Scripted)(nil)
	_ driver.Closer     = (*Scripted)(nil)
)

// NewScripted creates a driver that follows script.
func NewScripted(script Script) *Scripted {
	return &Scripted{script: script}
}

func (s *Scripted) call(ctx context.Context, name string) error {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	err := s.script.Errors[name]
	delay := s.script.Delays[name]
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Calls returns the call log in order.
func (s *Scripted) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Called reports whether name appears in the call log.
func (s *Scripted) Called(name string) bool {
	for _, c := range s.Calls() {
		if c == name {
			return true
		}
	}
	return false
}

// Device returns the device passed to Start.
func (s *Scripted) Device() driver.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev
}

func (s *Scripted) Start(ctx context.Context, dev driver.Device, payload []byte) error {
	s.mu.Lock()
	s.dev = dev
	s.mu.Unlock()
	return s.call(ctx, CallStart)
}

func (s *Scripted) Connect(ctx context.Context) error { return s.call(ctx, CallConnect) }

func (s *Scripted) UpdateOrDelete(ctx context.Context, op driver.Operation, payload []byte) error {
	return s.call(ctx, CallUpdateOrDelete)
}

func (s *Scripted) Reserve(ctx context.Context) error    { return s.call(ctx, CallReserve) }
func (s *Scripted) Enable(ctx context.Context) error     { return s.call(ctx, CallEnable) }
func (s *Scripted) Disconnect(ctx context.Context) error { return s.call(ctx, CallDisconnect) }
func (s *Scripted) Rollback(ctx context.Context) error   { return s.call(ctx, CallRollback) }
func (s *Scripted) Close(ctx context.Context) error      { return s.call(ctx, CallClose) }

func (s *Scripted) PersistAppliedState(ctx context.Context) error {
	return s.call(ctx, CallPersistAppliedState)
}

// Fleet hands out one Scripted driver per device name.
// Devices without a script get an always-succeeding driver.
type Fleet struct {
	mu      sync.Mutex
	scripts map[string]Script
	drivers map[string]*Scripted
}

// NewFleet creates a fleet with per-device scripts.
func NewFleet(scripts map[string]Script) *Fleet {
	if scripts == nil {
		scripts = map[string]Script{}
	}
	return &Fleet{scripts: scripts, drivers: make(map[string]*Scripted)}
}

// Factory builds (and remembers) the driver for each device.
func (f *Fleet) Factory() driver.Factory {
	return func(dev driver.Device) (driver.Driver, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		d := NewScripted(f.scripts[dev.Name])
		f.drivers[dev.Name] = d
		return d, nil
	}
}

// Driver returns the most recent driver built for name, or nil.
func (f *Fleet) Driver(name string) *Scripted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drivers[name]
}

// Registry returns a registry whose wildcard entry is this fleet.
func (f *Fleet) Registry() *driver.Registry {
	r := driver.NewRegistry()
	r.MustRegister(driver.Wildcard, driver.Wildcard, driver.Wildcard, f.Factory())
	return r
}
