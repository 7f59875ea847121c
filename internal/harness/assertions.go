package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/fabricd/internal/txn"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string        // Assertion type for categorization
	Expected string        // Human-readable expected outcome
	Actual   string        // Human-readable actual outcome
	Devices  []DeviceTrace // Every device trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Devices) > 0 {
		fmt.Fprintf(&buf, "\nDevice traces:\n")
		for _, d := range e.Devices {
			fmt.Fprintf(&buf, "  %s: %s | %s\n", d.Name, joinPhases(d.Phases), strings.Join(d.Calls, " "))
		}
	}

	return buf.String()
}

func joinPhases[P fmt.Stringer](phases []P) string {
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = p.String()
	}
	return strings.Join(names, " ")
}

// assertDevicePhases checks that a device wrote exactly the given phases.
func assertDevicePhases(result *Result, assertion Assertion) error {
	trace, ok := result.Device(assertion.Device)
	if !ok {
		return &AssertionError{
			Type:     AssertDevicePhases,
			Expected: fmt.Sprintf("device %s", assertion.Device),
			Actual:   "device not in scenario",
			Devices:  result.Devices,
		}
	}

	want := make([]txn.DevicePhase, 0, len(assertion.Phases))
	for _, name := range assertion.Phases {
		p, err := txn.ParseDevicePhase(name)
		if err != nil {
			return err
		}
		want = append(want, p)
	}

	if !slices.Equal(trace.Phases, want) {
		return &AssertionError{
			Type:     AssertDevicePhases,
			Expected: fmt.Sprintf("%s wrote [%s]", assertion.Device, joinPhases(want)),
			Actual:   fmt.Sprintf("[%s]", joinPhases(trace.Phases)),
			Devices:  result.Devices,
		}
	}
	return nil
}

// assertDriverCalls checks that calls appear in the device's call log in
// the specified order. Calls don't need to be consecutive.
func assertDriverCalls(result *Result, assertion Assertion) error {
	trace, _ := result.Device(assertion.Device)

	next := 0
	for _, call := range trace.Calls {
		if next < len(assertion.Calls) && call == assertion.Calls[next] {
			next++
		}
	}
	if next == len(assertion.Calls) {
		return nil
	}

	return &AssertionError{
		Type:     AssertDriverCalls,
		Expected: fmt.Sprintf("%s driver calls in order: %v", assertion.Device, assertion.Calls),
		Actual:   fmt.Sprintf("missing or out of order: %s (log %v)", assertion.Calls[next], trace.Calls),
		Devices:  result.Devices,
	}
}

// assertDriverNotCalled checks that a driver call never happened.
func assertDriverNotCalled(result *Result, assertion Assertion) error {
	trace, _ := result.Device(assertion.Device)
	for _, call := range trace.Calls {
		if call == assertion.Call {
			return &AssertionError{
				Type:     AssertDriverNotCalled,
				Expected: fmt.Sprintf("%s never called %s", assertion.Device, assertion.Call),
				Actual:   fmt.Sprintf("call log %v", trace.Calls),
				Devices:  result.Devices,
			}
		}
	}
	return nil
}

// assertTransactionPhases checks the dispatcher's phase writes.
func assertTransactionPhases(result *Result, assertion Assertion) error {
	want := make([]txn.TransactionPhase, 0, len(assertion.Phases))
	for _, name := range assertion.Phases {
		p, err := txn.ParseTransactionPhase(name)
		if err != nil {
			return err
		}
		want = append(want, p)
	}

	if !slices.Equal(result.TransactionPhases, want) {
		return &AssertionError{
			Type:     AssertTransactionPhases,
			Expected: fmt.Sprintf("[%s]", joinPhases(want)),
			Actual:   fmt.Sprintf("[%s]", joinPhases(result.TransactionPhases)),
		}
	}
	return nil
}

// assertRowsDeleted checks that teardown left no rows behind.
func assertRowsDeleted(result *Result) error {
	if len(result.RowsLeft) == 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertRowsDeleted,
		Expected: "no transaction rows",
		Actual:   fmt.Sprintf("rows left for %v", result.RowsLeft),
	}
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertDevicePhases:
			err = assertDevicePhases(result, assertion)
		case AssertDriverCalls:
			err = assertDriverCalls(result, assertion)
		case AssertDriverNotCalled:
			err = assertDriverNotCalled(result, assertion)
		case AssertTransactionPhases:
			err = assertTransactionPhases(result, assertion)
		case AssertRowsDeleted:
			err = assertRowsDeleted(result)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
