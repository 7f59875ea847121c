package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/fabricd/internal/config"
	"github.com/roach88/fabricd/internal/driver"
	"github.com/roach88/fabricd/internal/driver/drivertest"
	"github.com/roach88/fabricd/internal/store"
	"github.com/roach88/fabricd/internal/testutil"
	"github.com/roach88/fabricd/internal/txn"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(dir + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testScenarios(t *testing.T) *config.ScenarioTable {
	t.Helper()
	table, err := config.NewScenarioTable([]config.ScenarioConfig{
		{Service: "l2vpn", Order: "merge", Scenario: "l2vpn-merge", PhaseTimeoutMS: 5000},
		{Service: "l2vpn", Order: "delete", Scenario: "l2vpn-delete", PhaseTimeoutMS: 5000, Force: true},
		{Service: "slow", Order: "merge", Scenario: "slow-merge", PhaseTimeoutMS: 50},
		{Service: "tight", Order: "merge", Scenario: "tight-merge", PhaseTimeoutMS: 300},
	})
	require.NoError(t, err)
	return table
}

func orderBody(t *testing.T, service, operation string, devices ...string) []byte {
	t.Helper()
	type dev struct {
		Name     string         `json:"name"`
		Platform string         `json:"platform"`
		Config   map[string]any `json:"config"`
	}
	order := struct {
		Service   string `json:"service"`
		Operation string `json:"operation"`
		Devices   []dev  `json:"devices"`
	}{Service: service, Operation: operation}
	for _, d := range devices {
		order.Devices = append(order.Devices, dev{Name: d, Platform: "qfx", Config: map[string]any{"vlan": 100}})
	}
	b, err := json.Marshal(order)
	require.NoError(t, err)
	return b
}

type dispatcherFixture struct {
	d     *Dispatcher
	store *testutil.RecordingStore
	fleet *drivertest.Fleet
}

func newDispatcherFixture(t *testing.T, drivers DriverSource, fleet *drivertest.Fleet, opts ...Option) dispatcherFixture {
	t.Helper()
	rs := testutil.NewRecordingStore(setupTestStore(t))
	if drivers == nil {
		drivers = fleet.Registry()
	}

	base := []Option{
		WithLogger(zaptest.NewLogger(t)),
		WithTxIDGenerator(testutil.NewSequentialIDGenerator("tx")),
		WithPollInterval(5 * time.Millisecond),
		WithCommitWindow(time.Minute),
	}
	d := NewDispatcher(rs, JSONClassifier{}, testScenarios(t), drivers, append(base, opts...)...)
	return dispatcherFixture{d: d, store: rs, fleet: fleet}
}

// start runs the dispatcher until the test ends.
func (f dispatcherFixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f dispatcherFixture) do(t *testing.T, body []byte) Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r, err := f.d.Do(ctx, Request{Body: body})
	require.NoError(t, err)
	return r
}

func (f dispatcherFixture) assertNoRowsLeft(t *testing.T) {
	t.Helper()
	ids, err := f.store.ListOutstandingTransactions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids, "transaction rows must be deleted after teardown")
}

func TestDispatcher_TwoDevicesOK(t *testing.T) {
	f := newDispatcherFixture(t, nil, drivertest.NewFleet(nil))
	f.start(t)

	r := f.do(t, orderBody(t, "l2vpn", "merge", "leaf1", "leaf2"))

	assert.Equal(t, "tx-0001", r.TransactionID)
	assert.Equal(t, txn.ResultOK, r.Result)
	assert.Empty(t, r.Err)
	assert.Equal(t, []DeviceResult{
		{Name: "leaf1", Phase: txn.DevDone},
		{Name: "leaf2", Phase: txn.DevDone},
	}, r.Devices)

	assert.Equal(t, []txn.TransactionPhase{
		txn.TxRunning, txn.TxEditConfig, txn.TxConfirmedCommit, txn.TxCommit, txn.TxDone,
	}, f.store.TransactionPhases())
	for _, name := range []string{"leaf1", "leaf2"} {
		assertMonotonic(t, f.store.DevicePhases(name))
		assert.True(t, f.fleet.Driver(name).Called(drivertest.CallEnable))
	}

	assert.Equal(t, []string{"tx-0001"}, f.store.Deletes())
	f.assertNoRowsLeft(t)
}

func TestDispatcher_OneDeviceNoResponse(t *testing.T) {
	fleet := drivertest.NewFleet(map[string]drivertest.Script{
		"leaf1": {Errors: map[string]error{drivertest.CallConnect: driver.ErrNoResponse}},
	})
	f := newDispatcherFixture(t, nil, fleet)
	f.start(t)

	r := f.do(t, orderBody(t, "l2vpn", "merge", "leaf1"))

	assert.Equal(t, txn.ResultTemporaryFailure, r.Result)
	assert.Equal(t, []DeviceResult{{Name: "leaf1", Phase: txn.DevErrorTemp}}, r.Devices)
	f.assertNoRowsLeft(t)
}

func TestDispatcher_PeerFailureRollsBackParkedDevices(t *testing.T) {
	fleet := drivertest.NewFleet(map[string]drivertest.Script{
		"leaf2": {Errors: map[string]error{drivertest.CallConnect: driver.ErrNoResponse}},
	})
	f := newDispatcherFixture(t, nil, fleet)
	f.start(t)

	r := f.do(t, orderBody(t, "tight", "merge", "leaf1", "leaf2", "leaf3"))

	// Healthy devices park at the commit point and are released into
	// rollback as soon as the failure is seen. The result keeps the
	// failed device's classification.
	assert.Equal(t, txn.ResultTemporaryFailure, r.Result)
	assert.Equal(t, []DeviceResult{
		{Name: "leaf1", Phase: txn.DevRollBackEnd},
		{Name: "leaf2", Phase: txn.DevErrorTemp},
		{Name: "leaf3", Phase: txn.DevRollBackEnd},
	}, r.Devices)
	for _, name := range []string{"leaf1", "leaf3"} {
		assert.False(t, fleet.Driver(name).Called(drivertest.CallEnable), "%s must not be enabled", name)
		assertMonotonic(t, f.store.DevicePhases(name))
	}
	f.assertNoRowsLeft(t)
}

func TestDispatcher_ValidationFailureWithDefaultTimers(t *testing.T) {
	fleet := drivertest.NewFleet(map[string]drivertest.Script{
		"leaf2": {Errors: map[string]error{drivertest.CallUpdateOrDelete: driver.ErrValidation}},
	})
	// Configured timers: an 80s commit window. The scenario's phase
	// timeout is 5s.
	f := newDispatcherFixture(t, nil, fleet, WithCommitWindow(config.Timers{}.CommitWindow()))
	f.start(t)

	start := time.Now()
	r := f.do(t, orderBody(t, "l2vpn", "merge", "leaf1", "leaf2"))

	assert.Equal(t, txn.ResultValidationCheckFailed, r.Result)
	assert.Equal(t, []DeviceResult{
		{Name: "leaf1", Phase: txn.DevRollBackEnd},
		{Name: "leaf2", Phase: txn.DevErrorCheck},
	}, r.Devices)
	assert.Less(t, time.Since(start), 3*time.Second, "peer must not wait out the phase timeout")

	leaf1 := fleet.Driver("leaf1")
	assert.True(t, leaf1.Called(drivertest.CallRollback))
	assert.False(t, leaf1.Called(drivertest.CallEnable))
	assert.True(t, fleet.Driver("leaf2").Called(drivertest.CallClose), "failed device must drop its session")
	assert.NotContains(t, f.store.TransactionPhases(), txn.TxDone)
	f.assertNoRowsLeft(t)
}

func TestDispatcher_TimeoutRollsBack(t *testing.T) {
	fleet := drivertest.NewFleet(map[string]drivertest.Script{
		"leaf1": {Delays: map[string]time.Duration{drivertest.CallConnect: 150 * time.Millisecond}},
	})
	f := newDispatcherFixture(t, nil, fleet)
	f.start(t)

	r := f.do(t, orderBody(t, "slow", "merge", "leaf1"))

	assert.Equal(t, txn.ResultOtherFailure, r.Result)
	assert.Equal(t, []DeviceResult{{Name: "leaf1", Phase: txn.DevRollBackEnd}}, r.Devices)
	assert.False(t, fleet.Driver("leaf1").Called(drivertest.CallEnable))
	assert.NotContains(t, f.store.TransactionPhases(), txn.TxDone)
	f.assertNoRowsLeft(t)
}

func TestDispatcher_ForceDeleteNothingToDelete(t *testing.T) {
	fleet := drivertest.NewFleet(map[string]drivertest.Script{
		"leaf1": {Errors: map[string]error{drivertest.CallUpdateOrDelete: driver.ErrNothingToDelete}},
	})
	f := newDispatcherFixture(t, nil, fleet)
	f.start(t)

	r := f.do(t, orderBody(t, "l2vpn", "delete", "leaf1", "leaf2"))

	assert.Equal(t, txn.ResultOK, r.Result)
	assert.Equal(t, []DeviceResult{
		{Name: "leaf1", Phase: txn.DevDone},
		{Name: "leaf2", Phase: txn.DevDone},
	}, r.Devices)
	assert.False(t, fleet.Driver("leaf1").Called(drivertest.CallReserve))
	assert.True(t, fleet.Driver("leaf2").Called(drivertest.CallReserve))
}

func TestDispatcher_InadequateRequest(t *testing.T) {
	f := newDispatcherFixture(t, nil, drivertest.NewFleet(nil))
	f.start(t)

	r := f.do(t, []byte(`{"service": "l2vpn", "operation": "merge", "devices": []}`))

	assert.Equal(t, txn.ResultInadequateRequest, r.Result)
	assert.Empty(t, r.Devices)
	assert.NotEmpty(t, r.Err)
	assert.Empty(t, f.store.TransactionPhases(), "rejected requests write no rows")
}

func TestDispatcher_UnresolvedScenario(t *testing.T) {
	f := newDispatcherFixture(t, nil, drivertest.NewFleet(nil))
	f.start(t)

	r := f.do(t, orderBody(t, "evpn", "merge", "leaf1"))

	assert.Equal(t, txn.ResultOtherFailure, r.Result)
	assert.Equal(t, []DeviceResult{{Name: "leaf1", Phase: txn.DevUnknown}}, r.Devices)
	assert.Contains(t, r.Err, "scenario not found")
	assert.Equal(t, []txn.TransactionPhase{txn.TxOrderError}, f.store.TransactionPhases())
	assert.Empty(t, f.store.Writes(), "no agent runs for an unresolved scenario")
	assert.Equal(t, []string{"tx-0001"}, f.store.Deletes())
	f.assertNoRowsLeft(t)
}

func TestDispatcher_DriverLookupFailure(t *testing.T) {
	f := newDispatcherFixture(t, driver.NewRegistry(), drivertest.NewFleet(nil))
	f.start(t)

	r := f.do(t, orderBody(t, "l2vpn", "merge", "leaf1"))

	assert.Equal(t, txn.ResultOtherFailure, r.Result)
	assert.Equal(t, []DeviceResult{{Name: "leaf1", Phase: txn.DevUnknown}}, r.Devices)
	assert.Contains(t, r.Err, "load driver")
	assert.Equal(t, []txn.TransactionPhase{txn.TxRunning}, f.store.TransactionPhases())
	f.assertNoRowsLeft(t)
}

func TestDispatcher_SequentialTransactions(t *testing.T) {
	f := newDispatcherFixture(t, nil, drivertest.NewFleet(nil))
	f.start(t)

	r1 := f.do(t, orderBody(t, "l2vpn", "merge", "leaf1"))
	r2 := f.do(t, orderBody(t, "l2vpn", "merge", "leaf1", "spine1"))

	assert.Equal(t, "tx-0001", r1.TransactionID)
	assert.Equal(t, "tx-0002", r2.TransactionID)
	assert.Equal(t, txn.ResultOK, r1.Result)
	assert.Equal(t, txn.ResultOK, r2.Result)
	assert.Equal(t, []string{"tx-0001", "tx-0002"}, f.store.Deletes())
	f.assertNoRowsLeft(t)
}

func TestDispatcher_EleventhSubmitRejected(t *testing.T) {
	f := newDispatcherFixture(t, nil, drivertest.NewFleet(nil))
	// Not running: nothing drains the queue.

	for i := 0; i < DefaultQueueCapacity; i++ {
		require.NoError(t, f.d.Submit(Request{Body: orderBody(t, "l2vpn", "merge", "leaf1")}, make(chan Reply, 1)))
	}
	assert.Equal(t, DefaultQueueCapacity, f.d.QueueLen())

	err := f.d.Submit(Request{Body: orderBody(t, "l2vpn", "merge", "leaf1")}, make(chan Reply, 1))
	require.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, IsQueueFull(err))

	r, err := f.d.Do(context.Background(), Request{Body: orderBody(t, "l2vpn", "merge", "leaf1")})
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, txn.ResultTemporaryFailure, r.Result)
}

func TestDispatcher_QueueCapacityOption(t *testing.T) {
	f := newDispatcherFixture(t, nil, drivertest.NewFleet(nil), WithQueueCapacity(2))

	require.NoError(t, f.d.Submit(Request{}, nil))
	require.NoError(t, f.d.Submit(Request{}, nil))
	require.ErrorIs(t, f.d.Submit(Request{}, nil), ErrQueueFull)
}

func TestDispatcher_CancelAnswersQueuedRequests(t *testing.T) {
	f := newDispatcherFixture(t, nil, drivertest.NewFleet(nil))

	replies := make([]chan Reply, 3)
	for i := range replies {
		replies[i] = make(chan Reply, 1)
		require.NoError(t, f.d.Submit(Request{Body: orderBody(t, "l2vpn", "merge", "leaf1")}, replies[i]))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The first request may or may not be served before cancellation is
	// seen; every request still gets exactly one reply.
	err := f.d.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	for i, ch := range replies {
		select {
		case r := <-ch:
			assert.NotEqual(t, txn.ResultOK, r.Result, "reply %d", i)
		default:
			t.Fatalf("request %d got no reply", i)
		}
	}
	f.assertNoRowsLeft(t)

	require.ErrorIs(t, f.d.Submit(Request{}, nil), ErrStopped)
}

func TestDispatcher_StopDrainsQueue(t *testing.T) {
	f := newDispatcherFixture(t, nil, drivertest.NewFleet(nil))

	ch := make(chan Reply, 1)
	require.NoError(t, f.d.Submit(Request{Body: orderBody(t, "l2vpn", "merge", "leaf1")}, ch))
	f.d.Stop()

	require.ErrorIs(t, f.d.Submit(Request{}, nil), ErrStopped)

	done := make(chan error, 1)
	go func() { done <- f.d.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	r := <-ch
	assert.Equal(t, txn.ResultOK, r.Result, "requests queued before Stop are still served")
}

func TestDeviceResults_UnknownForMissingRows(t *testing.T) {
	targets := []Target{
		{Device: driver.Device{Name: "leaf1"}},
		{Device: driver.Device{Name: "leaf2"}},
	}
	rows := []txn.DeviceStatus{{DeviceName: "leaf2", Phase: txn.DevCommit}}

	assert.Equal(t, []DeviceResult{
		{Name: "leaf1", Phase: txn.DevUnknown},
		{Name: "leaf2", Phase: txn.DevCommit},
	}, deviceResults(targets, rows))
}

func TestReply_JSON(t *testing.T) {
	r := Reply{
		TransactionID: "tx-1",
		Result:        txn.ResultRollbackCompleted,
		Devices:       []DeviceResult{{Name: "leaf1", Phase: txn.DevRollBackEnd}},
	}
	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"transaction_id": "tx-1",
		"result": "RollbackCompleted",
		"devices": [{"name": "leaf1", "phase": "RollBackEnd"}]
	}`, string(b))
}
