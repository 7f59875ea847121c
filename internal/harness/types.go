package harness

import (
	"github.com/roach88/fabricd/internal/engine"
	"github.com/roach88/fabricd/internal/txn"
)

// DeviceTrace is what one device went through during a scenario run.
type DeviceTrace struct {
	Name string `json:"name"`
	// Phases lists every status row the agent wrote, in order.
	Phases []txn.DevicePhase `json:"phases"`
	// Calls lists every driver call, in order.
	Calls []string `json:"calls"`
}

// Final returns the last phase written, or Unknown.
func (d DeviceTrace) Final() txn.DevicePhase {
	if len(d.Phases) == 0 {
		return txn.DevUnknown
	}
	return d.Phases[len(d.Phases)-1]
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if the expect clause and all assertions match.
	Pass bool `json:"pass"`

	// Reply is the dispatcher's answer to the scenario's order.
	Reply engine.Reply `json:"reply"`

	// TransactionPhases lists the transaction phases the dispatcher wrote.
	TransactionPhases []txn.TransactionPhase `json:"transaction_phases"`

	// Devices holds one trace per scenario device, sorted by name.
	Devices []DeviceTrace `json:"devices"`

	// RowsLeft lists transaction ids still in the store after the run.
	RowsLeft []string `json:"rows_left,omitempty"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:              true,
		TransactionPhases: []txn.TransactionPhase{},
		Devices:           []DeviceTrace{},
		Errors:            []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Device returns the trace for name. Names are matched normalized.
func (r *Result) Device(name string) (DeviceTrace, bool) {
	name = txn.NormalizeDeviceName(name)
	for _, d := range r.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceTrace{}, false
}
