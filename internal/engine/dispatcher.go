package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fabricd/internal/config"
	"github.com/roach88/fabricd/internal/driver"
	"github.com/roach88/fabricd/internal/metrics"
	"github.com/roach88/fabricd/internal/txn"
)

// Defaults for dispatcher options.
const (
	DefaultQueueCapacity = config.DefaultQueueCapacity
	DefaultPollInterval  = time.Duration(config.DefaultTransactionDBWatchMS) * time.Millisecond
)

// ScenarioResolver maps (service, order) to a scenario.
// Implemented by *config.ScenarioTable.
type ScenarioResolver interface {
	Resolve(service string, order txn.OrderKind) (config.Scenario, error)
}

// DriverSource builds a driver for a device. Implemented by *driver.Registry.
type DriverSource interface {
	New(dev driver.Device) (driver.Driver, error)
}

// DeviceResult is the last known phase of one targeted device.
type DeviceResult struct {
	Name  string          `json:"name"`
	Phase txn.DevicePhase `json:"phase"`
}

// Reply is the single answer to a submitted request.
type Reply struct {
	TransactionID string         `json:"transaction_id"`
	Result        txn.ResultCode `json:"result"`
	Devices       []DeviceResult `json:"devices"`
	Err           string         `json:"error,omitempty"`
}

// Dispatcher is the single worker that turns requests into transactions.
//
// Requests enter through Submit, which never blocks, and are served one at a
// time by Run. For each request the dispatcher owns the transaction phase:
// it writes the transaction row, starts one Agent per device, advances
// through the barrier phases with a Monitor, and always tears the
// transaction down before taking the next request.
//
// Thread-safety model:
//   - Submit(), Do(), Stop(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
type Dispatcher struct {
	store      StatusStore
	classifier Classifier
	scenarios  ScenarioResolver
	drivers    DriverSource

	queue        *requestQueue
	capacity     int
	idGen        TxIDGenerator
	clock        Clock
	commitWindow time.Duration
	pollInterval time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. Default: no-op.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithQueueCapacity bounds the inbound queue. Default: 10.
func WithQueueCapacity(n int) Option {
	return func(d *Dispatcher) { d.capacity = n }
}

// WithTxIDGenerator sets the transaction id source. Default: UUIDv7.
func WithTxIDGenerator(g TxIDGenerator) Option {
	return func(d *Dispatcher) { d.idGen = g }
}

// WithClock sets the clock used for timestamps. Default: WallClock.
func WithClock(c Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithMetrics enables metrics. Default: none.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTimers takes the commit window and poll interval from configured
// timers.
func WithTimers(t config.Timers) Option {
	return func(d *Dispatcher) {
		d.commitWindow = t.CommitWindow()
		d.pollInterval = t.PollInterval()
	}
}

// WithCommitWindow sets the agents' own commit-wait bound directly.
func WithCommitWindow(w time.Duration) Option {
	return func(d *Dispatcher) { d.commitWindow = w }
}

// WithPollInterval sets the monitor poll interval directly.
func WithPollInterval(p time.Duration) Option {
	return func(d *Dispatcher) { d.pollInterval = p }
}

// NewDispatcher creates a dispatcher. Run must be started to serve requests.
func NewDispatcher(
	store StatusStore,
	classifier Classifier,
	scenarios ScenarioResolver,
	drivers DriverSource,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		classifier:   classifier,
		scenarios:    scenarios,
		drivers:      drivers,
		capacity:     DefaultQueueCapacity,
		idGen:        UUIDv7Generator{},
		clock:        WallClock{},
		commitWindow: config.Timers{}.CommitWindow(),
		pollInterval: DefaultPollInterval,
		logger:       zap.NewNop(),
	}

	for _, opt := range opts {
		opt(d)
	}

	d.queue = newRequestQueue(d.capacity)
	d.logger = d.logger.Named("dispatcher")
	return d
}

// Submit enqueues a request without blocking. The reply is sent on reply
// once the transaction is torn down; reply should be buffered.
//
// Returns ErrQueueFull when saturated and ErrStopped after Stop.
func (d *Dispatcher) Submit(req Request, reply chan<- Reply) error {
	err := d.queue.Enqueue(job{req: req, reply: reply, enqueuedAt: time.Now()})
	if errors.Is(err, ErrQueueFull) {
		d.metrics.QueueRejected()
		d.logger.Warn("request rejected, queue full", zap.Int("capacity", d.capacity))
	}
	d.metrics.SetQueueDepth(d.queue.Len())
	return err
}

// Do submits req and waits for its reply. A rejected submit is answered
// locally with the mapped result code and the returned error.
func (d *Dispatcher) Do(ctx context.Context, req Request) (Reply, error) {
	ch := make(chan Reply, 1)
	if err := d.Submit(req, ch); err != nil {
		return Reply{Result: ResultCodeOf(err), Devices: []DeviceResult{}, Err: err.Error()}, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// QueueLen returns the number of requests waiting.
func (d *Dispatcher) QueueLen() int {
	return d.queue.Len()
}

// Run serves requests until ctx is cancelled or Stop is called.
//
// CRITICAL: Must be called from exactly ONE goroutine.
//
// After Stop, requests already queued are still served before Run returns
// nil. On ctx cancellation, queued requests are answered with OtherFailure
// and Run returns ctx.Err().
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher starting", zap.Int("queue_capacity", d.capacity))

	for {
		if ctx.Err() != nil {
			d.logger.Info("dispatcher stopping: context cancelled")
			d.queue.Close()
			d.drain(ctx.Err())
			return ctx.Err()
		}

		if j, ok := d.queue.TryDequeue(); ok {
			d.metrics.SetQueueDepth(d.queue.Len())
			d.serve(ctx, j)
			continue
		}

		select {
		case <-ctx.Done():
			// Handled at the top of the loop.

		case <-d.queue.Wait():
			// The signal channel closes when the queue is closed.
			if d.queue.Closed() && d.queue.Len() == 0 {
				d.logger.Info("dispatcher stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop rejects new requests. Run returns once the queue is empty.
func (d *Dispatcher) Stop() {
	d.queue.Close()
}

// drain answers every queued request after shutdown.
func (d *Dispatcher) drain(cause error) {
	for {
		j, ok := d.queue.TryDequeue()
		if !ok {
			return
		}
		if j.reply == nil {
			continue
		}
		select {
		case j.reply <- Reply{
			Result:  txn.ResultOtherFailure,
			Devices: []DeviceResult{},
			Err:     fmt.Sprintf("dispatcher stopped: %v", cause),
		}:
		default:
		}
	}
}

// serve runs one request end to end and replies. Errors never escape: the
// loop always moves on to the next request.
func (d *Dispatcher) serve(ctx context.Context, j job) {
	started := time.Now()
	id := d.idGen.Generate()
	log := d.logger.With(zap.String("transaction_id", id))

	reply, scenario := d.process(ctx, id, j.req, log)

	d.metrics.TransactionFinished(scenario, string(reply.Result), time.Since(started))
	log.Info("transaction finished",
		zap.String("result", string(reply.Result)),
		zap.Duration("queued", started.Sub(j.enqueuedAt)),
		zap.Duration("elapsed", time.Since(started)),
	)
	d.send(ctx, j.reply, reply)
}

func (d *Dispatcher) send(ctx context.Context, ch chan<- Reply, r Reply) {
	if ch == nil {
		return
	}
	select {
	case ch <- r:
	case <-ctx.Done():
		// Still deliver to a buffered channel with room.
		select {
		case ch <- r:
		default:
			d.logger.Warn("reply dropped", zap.String("transaction_id", r.TransactionID))
		}
	}
}

// process classifies, resolves and executes one request. Returns the reply
// and the scenario name (empty when unresolved).
func (d *Dispatcher) process(ctx context.Context, id string, req Request, log *zap.Logger) (Reply, string) {
	cls, err := d.classifier.Classify(req)
	if err != nil {
		oe := newOrchestrationError(txn.ResultInadequateRequest, id, "classify request", err)
		log.Warn("request rejected", zap.Error(oe))
		return Reply{TransactionID: id, Result: oe.Code, Devices: []DeviceResult{}, Err: oe.Error()}, ""
	}

	scenario, err := d.scenarios.Resolve(cls.ServiceKind, cls.OrderKind)
	if err != nil {
		oe := newOrchestrationError(txn.ResultOtherFailure, id, "resolve scenario", err)
		log.Warn("transaction aborted",
			zap.Stringer("phase", txn.TxOrderError),
			zap.Error(oe),
		)
		d.recordOrderError(ctx, txn.Transaction{
			ID:          id,
			ServiceKind: cls.ServiceKind,
			OrderKind:   cls.OrderKind,
			Payload:     cls.Payload,
			Phase:       txn.TxOrderError,
			DeviceCount: len(cls.Targets),
			CreatedAt:   d.clock.Now(),
		}, log)
		return Reply{TransactionID: id, Result: oe.Code, Devices: unknownResults(cls.Targets), Err: oe.Error()}, ""
	}

	tx := txn.Transaction{
		ID:          id,
		ServiceKind: cls.ServiceKind,
		OrderKind:   cls.OrderKind,
		Payload:     cls.Payload,
		DeviceCount: len(cls.Targets),
		CreatedAt:   d.clock.Now(),
	}

	log = log.With(zap.String("scenario", scenario.Name))
	t := &transaction{row: tx, signals: newSignals(), abandon: make(chan struct{})}
	code, err := d.execute(ctx, t, scenario, cls.Targets, log)

	reply := Reply{TransactionID: id, Result: code, Devices: deviceResults(cls.Targets, t.finalRows)}
	if err != nil {
		reply.Err = err.Error()
	}
	return reply, scenario.Name
}

// recordOrderError writes the OrderError row for a transaction that ended
// before any device work, then deletes it. No agent ever runs for it.
func (d *Dispatcher) recordOrderError(ctx context.Context, row txn.Transaction, log *zap.Logger) {
	bg := context.WithoutCancel(ctx)
	if err := d.store.UpsertTransaction(bg, row); err != nil {
		log.Warn("write order error phase failed", zap.Error(err))
	}
	if err := d.store.DeleteTransaction(bg, row.ID); err != nil {
		log.Error("delete transaction rows failed", zap.Error(err))
	}
}

// unknownResults lists every target with phase Unknown.
func unknownResults(targets []Target) []DeviceResult {
	return deviceResults(targets, nil)
}

// deviceResults lists every target in order with its last observed phase.
// Targets without a row report Unknown.
func deviceResults(targets []Target, rows []txn.DeviceStatus) []DeviceResult {
	phases := make(map[string]txn.DevicePhase, len(rows))
	for _, r := range rows {
		phases[r.DeviceName] = r.Phase
	}

	results := make([]DeviceResult, 0, len(targets))
	for _, t := range targets {
		name := txn.NormalizeDeviceName(t.Device.Name)
		results = append(results, DeviceResult{Name: name, Phase: phases[name]})
	}
	return results
}

// transaction is the dispatcher's in-memory handle on one running
// transaction. Dropped after teardown.
type transaction struct {
	row       txn.Transaction
	guard     *TimeoutGuard
	signals   *signals
	agents    []*Agent
	group     errgroup.Group
	started   bool
	finalRows []txn.DeviceStatus

	// abandon is closed once the transaction can no longer succeed, so
	// agents parked at the commit wait roll back without waiting out the
	// guard or their own windows.
	abandon     chan struct{}
	abandonOnce sync.Once
}

func (t *transaction) abandonAgents() {
	t.abandonOnce.Do(func() { close(t.abandon) })
}

// execute runs the phase loop and always tears down. The returned error
// explains a non-OK code when the dispatcher itself ended the transaction.
func (d *Dispatcher) execute(
	ctx context.Context,
	t *transaction,
	scenario config.Scenario,
	targets []Target,
	log *zap.Logger,
) (code txn.ResultCode, err error) {
	row := t.row

	defer func() {
		d.teardown(ctx, t, code, log)
	}()

	t.row.Phase = txn.TxRunning
	if err := d.writePhase(ctx, t); err != nil {
		return txn.ResultOtherFailure, err
	}
	t.guard = NewTimeoutGuard(scenario.PhaseTimeout)

	for _, target := range targets {
		drv, err := d.drivers.New(target.Device)
		if err != nil {
			return txn.ResultOtherFailure, newOrchestrationError(txn.ResultOtherFailure, row.ID, "load driver", err)
		}
		a, err := NewAgent(AgentParams{
			TransactionID: row.ID,
			Target:        target,
			Scenario:      scenario,
			Driver:        drv,
			Store:         d.store,
			Guard:         t.guard,
			Release:       t.signals.Wait(txn.TxCommit),
			Abandon:       t.abandon,
			CommitWindow:  d.commitWindow,
			Clock:         d.clock,
			Logger:        d.logger,
			Metrics:       d.metrics,
		})
		if err != nil {
			return txn.ResultOtherFailure, newOrchestrationError(txn.ResultOtherFailure, row.ID, "build agent", err)
		}
		t.agents = append(t.agents, a)
	}

	for _, a := range t.agents {
		a := a
		t.group.Go(func() error { return a.Run(ctx) })
	}
	t.started = true

	monitor := NewMonitor(d.store, t.guard, d.pollInterval, log, d.metrics)
	monitor.OnFailure(t.abandonAgents)

	for _, phase := range txn.BarrierPhases {
		t.row.Phase = phase
		if err := d.writePhase(ctx, t); err != nil {
			return txn.ResultOtherFailure, err
		}

		ok, result := monitor.Await(ctx, row.ID, row.DeviceCount, phase)
		if !ok {
			return result, nil
		}

		switch phase {
		case txn.TxEditConfig:
			d.notify(t, phase, log)
		case txn.TxCommit:
			// Past this point the transaction no longer times out. A guard
			// that fired first wins: parked agents are already rolling back.
			if !t.guard.Stop() {
				return txn.ResultOtherFailure, nil
			}
			d.notify(t, phase, log)
		}
	}

	d.notify(t, txn.TxDone, log)
	return txn.ResultOK, nil
}

func (d *Dispatcher) notify(t *transaction, phase txn.TransactionPhase, log *zap.Logger) {
	log.Debug("phase boundary notified", zap.Stringer("phase", phase))
	t.signals.Notify(phase)
}

func (d *Dispatcher) writePhase(ctx context.Context, t *transaction) error {
	if err := d.store.UpsertTransaction(ctx, t.row); err != nil {
		return newOrchestrationError(txn.ResultOtherFailure, t.row.ID,
			fmt.Sprintf("write transaction phase %s", t.row.Phase), err)
	}
	return nil
}

// teardown waits for every agent, captures the final device phases into
// the reply, deletes the transaction's rows and disarms the guard.
// Store work here ignores ctx cancellation so a shutdown still cleans up.
func (d *Dispatcher) teardown(ctx context.Context, t *transaction, code txn.ResultCode, log *zap.Logger) {
	if code != txn.ResultOK {
		// Agents parked at the commit wait roll back now instead of
		// waiting out their own timers.
		if t.abandon != nil {
			t.abandonAgents()
		}
		if t.guard != nil {
			t.guard.Fire()
		}
	}
	if t.guard != nil {
		t.guard.Stop()
	}

	if t.started {
		if err := t.group.Wait(); err != nil {
			log.Error("agent status write failed", zap.Error(err))
		}
	}

	bg := context.WithoutCancel(ctx)
	if rows, err := d.store.ListDeviceStatus(bg, t.row.ID); err != nil {
		log.Warn("read final device phases failed", zap.Error(err))
	} else {
		t.finalRows = rows
	}

	if err := d.store.DeleteTransaction(bg, t.row.ID); err != nil {
		log.Error("delete transaction rows failed", zap.Error(err))
	}
	t.agents = nil
}
