package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// TraceSnapshot captures everything deterministic about a scenario run.
// Wall-clock timestamps and error texts are left out so the snapshot is
// byte-identical across runs.
type TraceSnapshot struct {
	ScenarioName      string           `json:"scenario_name"`
	TransactionID     string           `json:"transaction_id"`
	Result            string           `json:"result"`
	TransactionPhases []string         `json:"transaction_phases"`
	Devices           []DeviceSnapshot `json:"devices"`
}

// DeviceSnapshot is the snapshot form of a DeviceTrace.
type DeviceSnapshot struct {
	Name   string   `json:"name"`
	Phases []string `json:"phases"`
	Calls  []string `json:"calls"`
}

// NewTraceSnapshot builds the snapshot for a result.
func NewTraceSnapshot(scenarioName string, result *Result) TraceSnapshot {
	s := TraceSnapshot{
		ScenarioName:      scenarioName,
		TransactionID:     result.Reply.TransactionID,
		Result:            string(result.Reply.Result),
		TransactionPhases: make([]string, 0, len(result.TransactionPhases)),
		Devices:           make([]DeviceSnapshot, 0, len(result.Devices)),
	}
	for _, p := range result.TransactionPhases {
		s.TransactionPhases = append(s.TransactionPhases, p.String())
	}
	for _, d := range result.Devices {
		ds := DeviceSnapshot{
			Name:   d.Name,
			Phases: make([]string, 0, len(d.Phases)),
			Calls:  append([]string{}, d.Calls...),
		}
		for _, p := range d.Phases {
			ds.Phases = append(ds.Phases, p.String())
		}
		s.Devices = append(s.Devices, ds)
	}
	return s
}

// Marshal renders the snapshot as indented JSON with a trailing newline.
func (s TraceSnapshot) Marshal() ([]byte, error) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}

	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := NewTraceSnapshot(scenarioName, result).Marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)

	return nil
}
