// Package harness provides conformance testing for fabricd transactions.
//
// The harness runs a real dispatcher against scripted device drivers and
// validates the externally visible contract: the reply, the phases each
// device wrote, the driver calls made, and an empty store afterwards.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	scenario:
//	  service: l2vpn
//	  order: merge
//	  phase_timeout_ms: 5000
//	devices:
//	  - name: leaf1
//	    fail: { Connect: no_response }
//	    delay_ms: { UpdateOrDelete: 50 }
//	  - name: leaf2
//	order:
//	  devices: [leaf1, leaf2]
//	expect:
//	  result: TemporaryFailure
//	  devices: { leaf1: ErrorTemp }
//	assertions:
//	  - type: device_phases
//	    device: leaf1
//	    phases: [Running, ErrorTemp]
//	  - type: rows_deleted
//
// Failure kinds are no_response, rejected, validation, nothing_to_delete
// and error.
//
// # Assertion Types
//
// The following assertion types are supported:
//
//   - device_phases: Verifies a device wrote exactly the given phases
//   - driver_calls: Verifies driver calls appear in the given order
//   - driver_not_called: Verifies a driver call never happened
//   - transaction_phases: Verifies the dispatcher's phase writes
//   - rows_deleted: Verifies teardown left no rows
//
// # Deterministic Testing
//
// The harness uses:
//   - Sequential transaction ids (from scenario.transaction_prefix)
//   - A fake wall clock (testutil.FakeClock)
//   - In-memory SQLite database (isolated per run)
//
// Timing only matters where a scenario scripts delays against its phase
// timeout; keep those margins wide.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/two_device_merge.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if !result.Pass {
//	    for _, err := range result.Errors {
//	        log.Println(err)
//	    }
//	}
package harness
