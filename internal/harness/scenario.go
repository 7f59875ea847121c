package harness

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fabricd/internal/config"
	"github.com/roach88/fabricd/internal/driver"
	"github.com/roach88/fabricd/internal/driver/drivertest"
	"github.com/roach88/fabricd/internal/txn"
)

// Scenario defines a conformance test scenario.
// A scenario submits one order against a set of scripted devices and asserts
// on the reply, the phases each device wrote and the store afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are keyed by it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// TransactionPrefix seeds deterministic transaction ids
	// ("<prefix>-0001"). Defaults to "tx".
	TransactionPrefix string `yaml:"transaction_prefix,omitempty"`

	// Scenario is the single scenario table entry the order resolves to.
	Scenario ScenarioSpec `yaml:"scenario"`

	// Timers overrides dispatcher timing. Zero values use harness defaults.
	Timers TimerSpec `yaml:"timers,omitempty"`

	// Devices lists the scripted devices.
	Devices []DeviceSpec `yaml:"devices"`

	// Order describes the submitted order.
	Order OrderSpec `yaml:"order"`

	// Expect is the expected reply.
	Expect ExpectClause `yaml:"expect"`

	// Assertions validate the device traces and the store.
	// Supported types: device_phases, driver_calls, driver_not_called,
	// transaction_phases, rows_deleted
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// ScenarioSpec mirrors one config scenarios entry.
type ScenarioSpec struct {
	Service        string `yaml:"service"`
	Order          string `yaml:"order"`
	PhaseTimeoutMS int    `yaml:"phase_timeout_ms"`
	Operation      string `yaml:"operation,omitempty"`
	Force          bool   `yaml:"force,omitempty"`
}

// TimerSpec overrides dispatcher timing.
type TimerSpec struct {
	CommitWindowMS int `yaml:"commit_window_ms,omitempty"`
	PollIntervalMS int `yaml:"poll_interval_ms,omitempty"`
}

// DeviceSpec is one scripted device.
type DeviceSpec struct {
	Name     string `yaml:"name"`
	Platform string `yaml:"platform,omitempty"`

	// Fail maps a driver call (Start, Connect, UpdateOrDelete, Reserve,
	// Enable, Disconnect, PersistAppliedState, Rollback) to a failure kind.
	Fail map[string]string `yaml:"fail,omitempty"`

	// DelayMS maps a driver call to a delay before it answers.
	DelayMS map[string]int `yaml:"delay_ms,omitempty"`
}

// OrderSpec describes the order body. Unset fields default from the
// scenario entry and device list.
type OrderSpec struct {
	Service   string   `yaml:"service,omitempty"`
	Operation string   `yaml:"operation,omitempty"`
	Devices   []string `yaml:"devices,omitempty"`

	// Raw, when set, is submitted verbatim instead of a generated body.
	Raw string `yaml:"raw,omitempty"`
}

// ExpectClause specifies the expected reply.
type ExpectClause struct {
	// Result is the expected result code (e.g., "OK", "TemporaryFailure").
	Result string `yaml:"result"`

	// Devices maps device names to their expected last phase.
	// Subset match - only listed devices are validated.
	Devices map[string]string `yaml:"devices,omitempty"`
}

// Assertion validates device traces or the store.
type Assertion struct {
	// Type specifies the assertion type:
	// - "device_phases": Device wrote exactly Phases, in order
	// - "driver_calls": Device driver saw Calls in order (others may intervene)
	// - "driver_not_called": Device driver never saw Call
	// - "transaction_phases": Dispatcher wrote exactly Phases, in order
	// - "rows_deleted": No transaction rows remain
	Type string `yaml:"type"`

	// Device is the device name (used by device_phases, driver_calls,
	// driver_not_called).
	Device string `yaml:"device,omitempty"`

	// Phases is the expected phase sequence (used by device_phases,
	// transaction_phases).
	Phases []string `yaml:"phases,omitempty"`

	// Calls is the expected call order (used by driver_calls).
	Calls []string `yaml:"calls,omitempty"`

	// Call is the driver call name (used by driver_not_called).
	Call string `yaml:"call,omitempty"`
}

// Assertion type constants.
const (
	AssertDevicePhases      = "device_phases"
	AssertDriverCalls       = "driver_calls"
	AssertDriverNotCalled   = "driver_not_called"
	AssertTransactionPhases = "transaction_phases"
	AssertRowsDeleted       = "rows_deleted"
)

// errScripted is the failure injected by the "error" kind.
var errScripted = errors.New("scripted driver failure")

// failureKinds maps scenario failure names to driver errors.
var failureKinds = map[string]error{
	"no_response":       driver.ErrNoResponse,
	"rejected":          driver.ErrConnectRejected,
	"validation":        driver.ErrValidation,
	"nothing_to_delete": driver.ErrNothingToDelete,
	"error":             errScripted,
}

var driverCalls = map[string]bool{
	drivertest.CallStart:               true,
	drivertest.CallConnect:             true,
	drivertest.CallUpdateOrDelete:      true,
	drivertest.CallReserve:             true,
	drivertest.CallEnable:              true,
	drivertest.CallDisconnect:          true,
	drivertest.CallPersistAppliedState: true,
	drivertest.CallRollback:            true,
	drivertest.CallClose:               true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.Scenario.Service == "" {
		return fmt.Errorf("scenario.service is required")
	}
	if _, err := txn.ParseOrderKind(s.Scenario.Order); err != nil {
		return fmt.Errorf("scenario.order: %w", err)
	}
	if s.Scenario.PhaseTimeoutMS <= 0 {
		return fmt.Errorf("scenario.phase_timeout_ms must be positive")
	}

	if len(s.Devices) == 0 {
		return fmt.Errorf("devices list is required and must be non-empty")
	}

	seen := make(map[string]bool, len(s.Devices))
	for i, d := range s.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d]: name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("devices[%d]: duplicate device %q", i, d.Name)
		}
		seen[d.Name] = true

		for call, kind := range d.Fail {
			if !driverCalls[call] {
				return fmt.Errorf("devices[%d].fail: unknown driver call %q", i, call)
			}
			if _, ok := failureKinds[kind]; !ok {
				return fmt.Errorf("devices[%d].fail.%s: unknown failure kind %q", i, call, kind)
			}
		}
		for call, ms := range d.DelayMS {
			if !driverCalls[call] {
				return fmt.Errorf("devices[%d].delay_ms: unknown driver call %q", i, call)
			}
			if ms < 0 {
				return fmt.Errorf("devices[%d].delay_ms.%s: must be non-negative", i, call)
			}
		}
	}

	if s.Expect.Result == "" {
		return fmt.Errorf("expect.result is required")
	}
	if !knownResult(txn.ResultCode(s.Expect.Result)) {
		return fmt.Errorf("expect.result: unknown result code %q", s.Expect.Result)
	}
	for name, phase := range s.Expect.Devices {
		if _, err := txn.ParseDevicePhase(phase); err != nil {
			return fmt.Errorf("expect.devices.%s: %w", name, err)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func knownResult(code txn.ResultCode) bool {
	for _, c := range txn.ResultCodes {
		if c == code {
			return true
		}
	}
	return false
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertDevicePhases:
		if a.Device == "" {
			return fmt.Errorf("assertions[%d]: device is required for device_phases", index)
		}
		for _, p := range a.Phases {
			if _, err := txn.ParseDevicePhase(p); err != nil {
				return fmt.Errorf("assertions[%d]: %w", index, err)
			}
		}
	case AssertDriverCalls:
		if a.Device == "" {
			return fmt.Errorf("assertions[%d]: device is required for driver_calls", index)
		}
		if len(a.Calls) == 0 {
			return fmt.Errorf("assertions[%d]: calls list is required for driver_calls", index)
		}
	case AssertDriverNotCalled:
		if a.Device == "" || a.Call == "" {
			return fmt.Errorf("assertions[%d]: device and call are required for driver_not_called", index)
		}
		if !driverCalls[a.Call] {
			return fmt.Errorf("assertions[%d]: unknown driver call %q", index, a.Call)
		}
	case AssertTransactionPhases:
		for _, p := range a.Phases {
			if _, err := txn.ParseTransactionPhase(p); err != nil {
				return fmt.Errorf("assertions[%d]: %w", index, err)
			}
		}
	case AssertRowsDeleted:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

// scenarioConfig returns the config entry the harness registers.
func (s *Scenario) scenarioConfig() config.ScenarioConfig {
	return config.ScenarioConfig{
		Service:        s.Scenario.Service,
		Order:          s.Scenario.Order,
		Scenario:       s.Name,
		PhaseTimeoutMS: s.Scenario.PhaseTimeoutMS,
		Operation:      s.Scenario.Operation,
		Force:          s.Scenario.Force,
	}
}

// scripts converts device specs into driver scripts.
func (s *Scenario) scripts() map[string]drivertest.Script {
	scripts := make(map[string]drivertest.Script, len(s.Devices))
	for _, d := range s.Devices {
		script := drivertest.Script{
			Errors: make(map[string]error, len(d.Fail)),
			Delays: make(map[string]time.Duration, len(d.DelayMS)),
		}
		for call, kind := range d.Fail {
			script.Errors[call] = failureKinds[kind]
		}
		for call, ms := range d.DelayMS {
			script.Delays[call] = time.Duration(ms) * time.Millisecond
		}
		scripts[txn.NormalizeDeviceName(d.Name)] = script
	}
	return scripts
}

// deviceNames returns the normalized device names, sorted.
func (s *Scenario) deviceNames() []string {
	names := make([]string, 0, len(s.Devices))
	for _, d := range s.Devices {
		names = append(names, txn.NormalizeDeviceName(d.Name))
	}
	sort.Strings(names)
	return names
}

// orderBody builds the JSON order submitted to the dispatcher.
func (s *Scenario) orderBody() ([]byte, error) {
	if s.Order.Raw != "" {
		return []byte(s.Order.Raw), nil
	}

	type orderDevice struct {
		Name     string            `json:"name"`
		Platform string            `json:"platform,omitempty"`
		Config   map[string]string `json:"config"`
	}
	order := struct {
		Service   string        `json:"service"`
		Operation string        `json:"operation"`
		Devices   []orderDevice `json:"devices"`
	}{
		Service:   s.Order.Service,
		Operation: s.Order.Operation,
	}
	if order.Service == "" {
		order.Service = s.Scenario.Service
	}
	if order.Operation == "" {
		order.Operation = s.Scenario.Order
	}

	platforms := make(map[string]string, len(s.Devices))
	for _, d := range s.Devices {
		platforms[d.Name] = d.Platform
	}
	names := s.Order.Devices
	if len(names) == 0 {
		for _, d := range s.Devices {
			names = append(names, d.Name)
		}
	}
	for _, name := range names {
		order.Devices = append(order.Devices, orderDevice{
			Name:     name,
			Platform: platforms[name],
			Config:   map[string]string{"scenario": s.Name},
		})
	}

	return json.Marshal(order)
}
