// Package driver defines the device-driver contract consumed by device agents
// and a static registry that selects a driver implementation per device.
//
// Drivers are bound one instance per device agent. The registry is filled once
// at startup and resolves a Factory by (platform, os, firmware) with wildcard
// fallback; nothing is loaded at runtime.
//
// Call outcomes are reported with the sentinel errors below. Callers test them
// with errors.Is; any other non-nil error is an "other failure" for that call.
package driver

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConnectRejected means the device refused the session.
	ErrConnectRejected = errors.New("driver: connection rejected")

	// ErrNoResponse means the device did not answer.
	ErrNoResponse = errors.New("driver: no response")

	// ErrValidation means the device rejected the configuration during its
	// validation check.
	ErrValidation = errors.New("driver: validation check failed")

	// ErrNothingToDelete is returned by a delete when the device carries none
	// of the configuration the order removes.
	ErrNothingToDelete = errors.New("driver: nothing to delete")

	// ErrNoDriver is returned by Registry lookups that match no entry.
	ErrNoDriver = errors.New("driver: no driver registered")
)

// Operation selects what UpdateOrDelete pushes.
type Operation int

const (
	OpUpdate Operation = iota + 1
	OpDelete
)

// String returns the operation name as used in configuration.
func (o Operation) String() string {
	switch o {
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("Operation(%d)", int(o))
	}
}

// ParseOperation parses "update" or "delete".
func ParseOperation(s string) (Operation, error) {
	switch s {
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	default:
		return 0, fmt.Errorf("unknown driver operation %q", s)
	}
}

// Device identifies a managed device and the keys used to pick its driver.
type Device struct {
	Name     string `json:"name" yaml:"name" toml:"name"`
	Platform string `json:"platform" yaml:"platform" toml:"platform"`
	OS       string `json:"os" yaml:"os" toml:"os"`
	Firmware string `json:"firmware" yaml:"firmware" toml:"firmware"`
}

// Driver is one device session driven through a provisioning transaction.
//
// Calls arrive strictly in the order listed, from a single goroutine, and
// each call runs to completion: agents observe cancellation only between
// calls.
type Driver interface {
	// Start binds the driver to the device and the order payload.
	Start(ctx context.Context, dev Device, payload []byte) error

	// Connect opens the device session. Returns ErrConnectRejected or
	// ErrNoResponse on the two expected failures.
	Connect(ctx context.Context) error

	// UpdateOrDelete pushes the configuration diff into the candidate.
	// Returns ErrValidation when the device's check fails and
	// ErrNothingToDelete when a delete finds nothing.
	UpdateOrDelete(ctx context.Context, op Operation, payload []byte) error

	// Reserve issues the confirmed (revertible) commit.
	Reserve(ctx context.Context) error

	// Enable confirms the reserved commit.
	Enable(ctx context.Context) error

	// Disconnect closes the session.
	Disconnect(ctx context.Context) error

	// PersistAppliedState durably records the applied device state.
	PersistAppliedState(ctx context.Context) error
}

// Rollbacker is implemented by drivers that can revert a reserved commit
// explicitly. Drivers without it rely on the device's own confirmed-commit
// timer to revert. Rollback also ends the session.
type Rollbacker interface {
	Rollback(ctx context.Context) error
}

// Closer is implemented by drivers that hold a device session which must be
// dropped when a transaction ends without Disconnect: a failed step after
// Connect, or a rollback on a driver without Rollbacker. Close never
// confirms a reserved commit.
type Closer interface {
	Close(ctx context.Context) error
}

// Factory builds a fresh driver instance for one device.
type Factory func(dev Device) (Driver, error)
