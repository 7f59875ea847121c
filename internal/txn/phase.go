package txn

import (
	"fmt"
	"strings"
)

// TransactionPhase is the transaction-wide step the dispatcher is driving.
type TransactionPhase int

const (
	// TxOrderError is absorbing; reached on validation/dispatch failure
	// before any device work starts.
	TxOrderError TransactionPhase = -1
	TxUnknown    TransactionPhase = 0
	TxRunning    TransactionPhase = 1
	TxEditConfig TransactionPhase = 2
	// TxConfirmedCommit: devices hold a revertible configuration.
	TxConfirmedCommit TransactionPhase = 3
	TxCommit          TransactionPhase = 4
	TxDone            TransactionPhase = 5
)

var transactionPhaseNames = map[TransactionPhase]string{
	TxOrderError:      "OrderError",
	TxUnknown:         "Unknown",
	TxRunning:         "Running",
	TxEditConfig:      "EditConfig",
	TxConfirmedCommit: "ConfirmedCommit",
	TxCommit:          "Commit",
	TxDone:            "Done",
}

// String returns the phase name.
func (p TransactionPhase) String() string {
	if name, ok := transactionPhaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("TransactionPhase(%d)", int(p))
}

// ParseTransactionPhase parses a phase name (case-insensitive).
func ParseTransactionPhase(s string) (TransactionPhase, error) {
	for p, name := range transactionPhaseNames {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	return TxUnknown, fmt.Errorf("unknown transaction phase %q", s)
}

// BarrierPhases lists the phases the dispatcher advances through after
// Running, in order. Each one is a barrier every device must reach.
var BarrierPhases = []TransactionPhase{TxEditConfig, TxConfirmedCommit, TxCommit, TxDone}

// DevicePhase is the step a single device agent has reached.
type DevicePhase int

const (
	// DevUnknown means no status row was observed for the device.
	DevUnknown         DevicePhase = 0
	DevRunning         DevicePhase = 1
	DevEditConfig      DevicePhase = 2
	DevConfirmedCommit DevicePhase = 3
	DevCommit          DevicePhase = 4
	DevDone            DevicePhase = 5

	// Rollback branch.
	DevRollBack    DevicePhase = 6
	DevRollBackEnd DevicePhase = 7

	// Terminal errors, in ascending classification priority.
	DevErrorTemp    DevicePhase = 8
	DevErrorOther   DevicePhase = 9
	DevErrorCompare DevicePhase = 10
	DevErrorInfo    DevicePhase = 11
	DevErrorCheck   DevicePhase = 12
)

var devicePhaseNames = map[DevicePhase]string{
	DevUnknown:         "Unknown",
	DevRunning:         "Running",
	DevEditConfig:      "EditConfig",
	DevConfirmedCommit: "ConfirmedCommit",
	DevCommit:          "Commit",
	DevDone:            "Done",
	DevRollBack:        "RollBack",
	DevRollBackEnd:     "RollBackEnd",
	DevErrorTemp:       "ErrorTemp",
	DevErrorOther:      "ErrorOther",
	DevErrorCompare:    "ErrorCompare",
	DevErrorInfo:       "ErrorInfo",
	DevErrorCheck:      "ErrorCheck",
}

// String returns the phase name.
func (p DevicePhase) String() string {
	if name, ok := devicePhaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("DevicePhase(%d)", int(p))
}

// ParseDevicePhase parses a phase name (case-insensitive).
func ParseDevicePhase(s string) (DevicePhase, error) {
	for p, name := range devicePhaseNames {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	return DevUnknown, fmt.Errorf("unknown device phase %q", s)
}

// MarshalText encodes the phase by name so replies and traces stay readable.
func (p DevicePhase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name.
func (p *DevicePhase) UnmarshalText(b []byte) error {
	parsed, err := ParseDevicePhase(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// IsFailure reports whether the phase is on the rollback or error branch.
func (p DevicePhase) IsFailure() bool {
	return p >= DevRollBack
}

// IsError reports whether the phase is one of the terminal Error* phases.
func (p DevicePhase) IsError() bool {
	return p >= DevErrorTemp && p <= DevErrorCheck
}

// IsTerminal reports whether an agent in this phase has stopped writing.
func (p DevicePhase) IsTerminal() bool {
	return p == DevDone || p == DevRollBackEnd || p.IsError()
}

// Reached reports whether a device in phase p satisfies barrier target.
// Failure phases never satisfy a barrier.
func (p DevicePhase) Reached(target TransactionPhase) bool {
	return !p.IsFailure() && int(p) >= int(target)
}

// CanAdvanceTo reports whether an agent currently in p may write next.
//
// The normal branch is non-decreasing. A single move into the failure family
// is legal from any non-terminal phase, and RollBack may only be followed by
// RollBackEnd. Nothing follows a terminal phase.
func (p DevicePhase) CanAdvanceTo(next DevicePhase) bool {
	if p.IsTerminal() {
		return false
	}
	if next == DevUnknown || next > DevErrorCheck {
		return false
	}
	if p == DevRollBack {
		return next == DevRollBackEnd
	}
	if next.IsFailure() {
		// RollBackEnd is only reachable through RollBack.
		return next != DevRollBackEnd
	}
	return next >= p
}

// ResultCode is the transaction-level outcome reported to the caller.
type ResultCode string

const (
	ResultOK                          ResultCode = "OK"
	ResultRollbackCompleted           ResultCode = "RollbackCompleted"
	ResultValidationCheckFailed       ResultCode = "ValidationCheckFailed"
	ResultInadequateRequest           ResultCode = "InadequateRequest"
	ResultReconciliationMismatch      ResultCode = "ReconciliationMismatch"
	ResultStoredInfoMissing           ResultCode = "StoredInfoMissing"
	ResultTemporaryFailure            ResultCode = "TemporaryFailure"
	ResultOtherFailure                ResultCode = "OtherFailure"
	ResultPreCommitConfigUnavailable  ResultCode = "PreCommitConfigUnavailable"
	ResultDeviceSettingFailed         ResultCode = "DeviceSettingFailed"
	ResultPostCommitConfigUnavailable ResultCode = "PostCommitConfigUnavailable"
)

// ResultCodes lists the full taxonomy in a stable order.
var ResultCodes = []ResultCode{
	ResultOK,
	ResultRollbackCompleted,
	ResultValidationCheckFailed,
	ResultInadequateRequest,
	ResultReconciliationMismatch,
	ResultStoredInfoMissing,
	ResultTemporaryFailure,
	ResultOtherFailure,
	ResultPreCommitConfigUnavailable,
	ResultDeviceSettingFailed,
	ResultPostCommitConfigUnavailable,
}

// OK reports whether the code means full success.
func (c ResultCode) OK() bool { return c == ResultOK }

// classification maps a device phase to the transaction-level result code.
// Fixed table; phases not listed (in-flight normal phases) classify as
// OtherFailure because a transaction never ends while they are observed
// except through a timeout.
var classification = map[DevicePhase]ResultCode{
	DevDone:         ResultOK,
	DevRollBack:     ResultRollbackCompleted,
	DevRollBackEnd:  ResultRollbackCompleted,
	DevErrorTemp:    ResultTemporaryFailure,
	DevErrorOther:   ResultOtherFailure,
	DevErrorCompare: ResultReconciliationMismatch,
	DevErrorInfo:    ResultStoredInfoMissing,
	DevErrorCheck:   ResultValidationCheckFailed,
}

// Classify maps a device phase to a result code.
func Classify(p DevicePhase) ResultCode {
	if code, ok := classification[p]; ok {
		return code
	}
	return ResultOtherFailure
}

// Worst returns the highest-priority phase in phases: the largest failure
// phase if any device failed, otherwise the largest phase overall.
func Worst(phases []DevicePhase) DevicePhase {
	worst := DevUnknown
	for _, p := range phases {
		if p > worst {
			worst = p
		}
	}
	return worst
}
