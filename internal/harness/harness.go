package harness

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/fabricd/internal/config"
	"github.com/roach88/fabricd/internal/driver/drivertest"
	"github.com/roach88/fabricd/internal/engine"
	"github.com/roach88/fabricd/internal/store"
	"github.com/roach88/fabricd/internal/testutil"
	"github.com/roach88/fabricd/internal/txn"
)

// Harness timing defaults. Short enough to keep scenarios fast, long enough
// that scripted delays stay well ordered.
const (
	DefaultPollInterval = 5 * time.Millisecond
	DefaultCommitWindow = time.Minute
	runTimeout          = 30 * time.Second
)

// Harness is the test execution engine.
// It runs one scenario against a real dispatcher with scripted drivers,
// a recording store and deterministic transaction ids.
type Harness struct {
	store    *store.Store
	recorder *testutil.RecordingStore
	fleet    *drivertest.Fleet
	dispatch *engine.Dispatcher
}

// Option configures a harness run.
type Option func(*runOptions)

type runOptions struct {
	logger *zap.Logger
}

// WithLogger routes dispatcher and agent logs to l. Default: discarded.
func WithLogger(l *zap.Logger) Option {
	return func(o *runOptions) { o.logger = l }
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Deterministic helpers ensure reproducible results.
//
// Execution flow:
// 1. Create fresh in-memory database and scripted device fleet
// 2. Start a dispatcher with the scenario's single scenario entry
// 3. Submit the order and wait for the reply
// 4. Collect per-device traces and leftover rows
// 5. Check expect clause and assertions
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	o := runOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	table, err := config.NewScenarioTable([]config.ScenarioConfig{scenario.scenarioConfig()})
	if err != nil {
		return nil, fmt.Errorf("failed to build scenario table: %w", err)
	}

	h := &Harness{
		store:    st,
		recorder: testutil.NewRecordingStore(st),
		fleet:    drivertest.NewFleet(scenario.scripts()),
	}
	h.dispatch = engine.NewDispatcher(
		h.recorder,
		engine.JSONClassifier{},
		table,
		h.fleet.Registry(),
		engine.WithLogger(o.logger),
		engine.WithTxIDGenerator(testutil.NewSequentialIDGenerator(scenario.TransactionPrefix)),
		engine.WithClock(testutil.NewFakeClock(time.Time{})),
		engine.WithPollInterval(durationOr(scenario.Timers.PollIntervalMS, DefaultPollInterval)),
		engine.WithCommitWindow(durationOr(scenario.Timers.CommitWindowMS, DefaultCommitWindow)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	reply, err := h.submit(ctx, scenario)
	if err != nil {
		return nil, fmt.Errorf("failed to execute order: %w", err)
	}

	result := NewResult()
	result.Reply = reply
	if err := h.collect(ctx, scenario, result); err != nil {
		return nil, fmt.Errorf("failed to collect traces: %w", err)
	}

	checkExpect(scenario.Expect, result)
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}

	return result, nil
}

// submit runs the dispatcher for exactly one order.
func (h *Harness) submit(ctx context.Context, scenario *Scenario) (engine.Reply, error) {
	body, err := scenario.orderBody()
	if err != nil {
		return engine.Reply{}, fmt.Errorf("build order: %w", err)
	}

	ch := make(chan engine.Reply, 1)
	if err := h.dispatch.Submit(engine.Request{Body: body}, ch); err != nil {
		return engine.Reply{}, err
	}
	h.dispatch.Stop()

	if err := h.dispatch.Run(ctx); err != nil {
		return engine.Reply{}, fmt.Errorf("dispatcher: %w", err)
	}

	select {
	case r := <-ch:
		return r, nil
	default:
		return engine.Reply{}, fmt.Errorf("no reply for order")
	}
}

// collect fills result with the traces the run left behind.
func (h *Harness) collect(ctx context.Context, scenario *Scenario, result *Result) error {
	phases := h.recorder.TransactionPhases()
	if phases != nil {
		result.TransactionPhases = phases
	}

	for _, name := range scenario.deviceNames() {
		trace := DeviceTrace{
			Name:   name,
			Phases: h.recorder.DevicePhases(name),
			Calls:  []string{},
		}
		if trace.Phases == nil {
			trace.Phases = []txn.DevicePhase{}
		}
		if drv := h.fleet.Driver(name); drv != nil {
			trace.Calls = drv.Calls()
		}
		result.Devices = append(result.Devices, trace)
	}

	ids, err := h.store.ListOutstandingTransactions(ctx)
	if err != nil {
		return err
	}
	result.RowsLeft = ids
	return nil
}

// checkExpect compares the reply with the expect clause.
func checkExpect(expect ExpectClause, result *Result) {
	if string(result.Reply.Result) != expect.Result {
		result.AddError(fmt.Sprintf("expected result %s, got %s (%s)",
			expect.Result, result.Reply.Result, result.Reply.Err))
	}

	got := make(map[string]txn.DevicePhase, len(result.Reply.Devices))
	for _, d := range result.Reply.Devices {
		got[d.Name] = d.Phase
	}
	for name, want := range expect.Devices {
		phase, ok := got[txn.NormalizeDeviceName(name)]
		if !ok {
			result.AddError(fmt.Sprintf("expected device %s in reply, not found", name))
			continue
		}
		if wantPhase, _ := txn.ParseDevicePhase(want); phase != wantPhase {
			result.AddError(fmt.Sprintf("expected device %s at %s, got %s", name, want, phase))
		}
	}
}

func durationOr(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
