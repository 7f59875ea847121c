package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/roach88/fabricd/internal/config"
	"github.com/roach88/fabricd/internal/driver"
	"github.com/roach88/fabricd/internal/metrics"
	"github.com/roach88/fabricd/internal/txn"
)

// Agent states, as tracked by the agent's state machine.
const (
	AgentStateIdle         = "idle"
	AgentStateStarted      = "started"
	AgentStateConnected    = "connected"
	AgentStateEdited       = "edited"
	AgentStateReserved     = "reserved"
	AgentStateReleased     = "released"
	AgentStateRolledBack   = "rolled_back"
	AgentStateEnabled      = "enabled"
	AgentStateDisconnected = "disconnected"
	AgentStatePersisted    = "persisted"
	AgentStateFailed       = "failed"
)

// Agent events.
const (
	agentEventStart      = "start"
	agentEventConnect    = "connect"
	agentEventEdit       = "edit"
	agentEventReserve    = "reserve"
	agentEventRelease    = "release"
	agentEventRollback   = "rollback"
	agentEventEnable     = "enable"
	agentEventDisconnect = "disconnect"
	agentEventPersist    = "persist"
	agentEventFail       = "fail"
)

var agentTransitions = fsm.Events{
	{Name: agentEventStart, Src: []string{AgentStateIdle}, Dst: AgentStateStarted},
	{Name: agentEventConnect, Src: []string{AgentStateStarted}, Dst: AgentStateConnected},
	{Name: agentEventEdit, Src: []string{AgentStateConnected}, Dst: AgentStateEdited},
	{Name: agentEventReserve, Src: []string{AgentStateEdited}, Dst: AgentStateReserved},
	{Name: agentEventRelease, Src: []string{AgentStateReserved}, Dst: AgentStateReleased},
	{Name: agentEventRollback, Src: []string{AgentStateReserved}, Dst: AgentStateRolledBack},
	{Name: agentEventEnable, Src: []string{AgentStateReleased}, Dst: AgentStateEnabled},
	// Force-mode deletes skip from connected straight to disconnect.
	{Name: agentEventDisconnect, Src: []string{AgentStateEnabled, AgentStateConnected}, Dst: AgentStateDisconnected},
	{Name: agentEventPersist, Src: []string{AgentStateDisconnected}, Dst: AgentStatePersisted},
	// Every non-terminal state can fail. rolled_back, persisted and failed
	// have no way out.
	{Name: agentEventFail, Src: []string{
		AgentStateIdle, AgentStateStarted, AgentStateConnected, AgentStateEdited,
		AgentStateReserved, AgentStateReleased, AgentStateEnabled, AgentStateDisconnected,
	}, Dst: AgentStateFailed},
}

// AgentParams configures one agent. Scenario carries every per-service
// difference; there is one agent implementation for all scenarios.
type AgentParams struct {
	TransactionID string
	Target        Target
	Scenario      config.Scenario
	Driver        driver.Driver
	Store         StatusStore

	// Guard is the transaction-wide timeout. Nil never fires.
	Guard *TimeoutGuard
	// Release is closed when the dispatcher's Commit notification closes
	// the transaction-wide commit window.
	Release <-chan struct{}
	// Abandon is closed when the transaction can no longer succeed, such
	// as after a peer device failed. Nil never closes.
	Abandon <-chan struct{}
	// CommitWindow bounds the agent's own wait at the commit point.
	CommitWindow time.Duration

	Clock   Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Agent drives one device through one transaction.
//
// Its only outputs are its own status rows. Every driver call runs as the
// body of a state machine event, so a call the current state does not allow
// is never made. Every write is checked against device phase ordering, and
// exactly one terminal phase is written.
type Agent struct {
	p      AgentParams
	name   string
	fsm    *fsm.FSM
	phase  txn.DevicePhase
	logger *zap.Logger
}

// NewAgent validates params and builds an idle agent.
func NewAgent(p AgentParams) (*Agent, error) {
	if p.TransactionID == "" {
		return nil, fmt.Errorf("new agent: empty transaction id")
	}
	name := txn.NormalizeDeviceName(p.Target.Device.Name)
	if name == "" {
		return nil, fmt.Errorf("new agent: empty device name")
	}
	if p.Driver == nil {
		return nil, fmt.Errorf("new agent %s: nil driver", name)
	}
	if p.Store == nil {
		return nil, fmt.Errorf("new agent %s: nil status store", name)
	}
	if p.CommitWindow <= 0 {
		p.CommitWindow = config.Timers{}.CommitWindow()
	}
	if p.Clock == nil {
		p.Clock = WallClock{}
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	p.Target.Device.Name = name

	a := &Agent{
		p:    p,
		name: name,
		logger: p.Logger.With(
			zap.String("transaction_id", p.TransactionID),
			zap.String("device", name),
		),
	}
	a.fsm = fsm.NewFSM(
		AgentStateIdle,
		agentTransitions,
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				a.logger.Debug("agent state", zap.String("from", e.Src), zap.String("to", e.Dst))
			},
		},
	)
	return a, nil
}

// Name returns the normalized device name.
func (a *Agent) Name() string { return a.name }

// Phase returns the last phase the agent wrote. Read it after Run returns.
func (a *Agent) Phase() txn.DevicePhase { return a.phase }

// State returns the agent's state machine state.
func (a *Agent) State() string { return a.fsm.Current() }

// Run drives the device to a terminal phase. The returned error is non-nil
// only when a status write failed or the state machine refused a step;
// device failures are reported through status rows.
func (a *Agent) Run(ctx context.Context) error {
	drv := a.p.Driver
	target := a.p.Target

	err := a.step(ctx, agentEventStart, func(ctx context.Context) error {
		return drv.Start(ctx, target.Device, target.Payload)
	})
	if err != nil {
		return a.stepFailed(ctx, "start", txn.DevErrorTemp, err)
	}
	if err := a.write(ctx, txn.DevRunning); err != nil {
		return a.abort(ctx, err)
	}

	if err := a.step(ctx, agentEventConnect, drv.Connect); err != nil {
		phase := txn.DevErrorTemp
		if errors.Is(err, driver.ErrConnectRejected) {
			phase = txn.DevErrorOther
		}
		return a.stepFailed(ctx, "connect", phase, err)
	}

	if err := a.write(ctx, txn.DevEditConfig); err != nil {
		return a.abort(ctx, err)
	}
	err = a.step(ctx, agentEventEdit, func(ctx context.Context) error {
		return drv.UpdateOrDelete(ctx, a.p.Scenario.Operation, target.Payload)
	})
	switch {
	case err == nil:
	case a.p.Scenario.Force && errors.Is(err, driver.ErrNothingToDelete):
		a.logger.Info("nothing to delete, skipping commit")
		return a.finish(ctx)
	case errors.Is(err, driver.ErrValidation), errors.Is(err, driver.ErrNothingToDelete):
		return a.stepFailed(ctx, "update_or_delete", txn.DevErrorCheck, err)
	default:
		return a.stepFailed(ctx, "update_or_delete", txn.DevErrorTemp, err)
	}

	if err := a.write(ctx, txn.DevConfirmedCommit); err != nil {
		return a.abort(ctx, err)
	}
	if err := a.step(ctx, agentEventReserve, drv.Reserve); err != nil {
		return a.stepFailed(ctx, "reserve", txn.DevErrorTemp, err)
	}

	// The local timer runs from before the Commit write so a slow store
	// cannot stretch the window.
	timer := time.NewTimer(a.p.CommitWindow)
	defer timer.Stop()

	if err := a.write(ctx, txn.DevCommit); err != nil {
		return a.rollback(ctx, "status write failed")
	}

	if reason, timedOut := a.waitForRelease(ctx, timer); timedOut {
		return a.rollback(ctx, reason)
	}

	err = a.step(ctx, agentEventRelease, nil)
	if err == nil {
		err = a.step(ctx, agentEventEnable, drv.Enable)
	}
	if err != nil {
		return a.stepFailed(ctx, "enable", txn.DevErrorTemp, err)
	}

	return a.finish(ctx)
}

// waitForRelease blocks at the commit point. A fired guard or an abandoned
// transaction wins over a release that is also ready.
func (a *Agent) waitForRelease(ctx context.Context, timer *time.Timer) (string, bool) {
	var guardDone <-chan struct{}
	if g := a.p.Guard; g != nil {
		if g.Fired() {
			return "transaction timeout", true
		}
		guardDone = g.Done()
	}
	select {
	case <-a.p.Abandon:
		return "transaction abandoned", true
	default:
	}

	select {
	case <-a.p.Release:
		timer.Stop()
		return "", false
	case <-a.p.Abandon:
		return "transaction abandoned", true
	case <-timer.C:
		return "commit window expired", true
	case <-guardDone:
		return "transaction timeout", true
	case <-ctx.Done():
		return "cancelled", true
	}
}

// finish disconnects, persists the applied state and writes Done.
// Persisting comes first so Done is the single terminal write.
func (a *Agent) finish(ctx context.Context) error {
	drv := a.p.Driver

	if err := a.step(ctx, agentEventDisconnect, drv.Disconnect); err != nil {
		return a.stepFailed(ctx, "disconnect", txn.DevErrorTemp, err)
	}

	var persistErr error
	err := a.step(ctx, agentEventPersist, func(ctx context.Context) error {
		if persistErr = drv.PersistAppliedState(ctx); persistErr != nil {
			return persistErr
		}
		return a.write(ctx, txn.DevDone)
	})
	switch {
	case err == nil:
		a.logger.Info("device done")
		return nil
	case persistErr != nil:
		phase := txn.DevErrorOther
		if a.p.Scenario.Force {
			phase = txn.DevErrorInfo
		}
		return a.stepFailed(ctx, "persist_applied_state", phase, err)
	default:
		return a.abort(ctx, err)
	}
}

// rollback writes RollBack, reverts the reserved commit when the driver
// supports it, and writes RollBackEnd. Enable and Disconnect are not called.
func (a *Agent) rollback(ctx context.Context, reason string) error {
	if err := a.step(ctx, agentEventRollback, nil); err != nil {
		return a.abort(ctx, err)
	}
	a.logger.Warn("rolling back", zap.String("reason", reason))

	if err := a.write(ctx, txn.DevRollBack); err != nil {
		a.logger.Error("write rollback failed", zap.Error(err))
	}

	if rb, ok := a.p.Driver.(driver.Rollbacker); ok {
		if err := rb.Rollback(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("driver rollback failed, device timer will revert", zap.Error(err))
		}
	} else {
		a.closeSession(ctx)
	}

	return a.write(ctx, txn.DevRollBackEnd)
}

// stepFailed ends the device after a failed step. A refused transition
// records ErrorOther; a driver error records phase.
func (a *Agent) stepFailed(ctx context.Context, step string, phase txn.DevicePhase, err error) error {
	if errors.Is(err, ErrIllegalTransition) {
		return a.abort(ctx, err)
	}
	return a.fail(ctx, phase, step, err)
}

// fail writes a terminal error phase for a driver failure, dropping the
// device session first when one is open.
func (a *Agent) fail(ctx context.Context, phase txn.DevicePhase, step string, cause error) error {
	a.logger.Warn("device step failed",
		zap.String("step", step),
		zap.Stringer("phase", phase),
		zap.Error(cause),
	)
	open := a.sessionOpen()
	if err := a.step(ctx, agentEventFail, nil); err != nil {
		return err
	}
	if open {
		a.closeSession(ctx)
	}
	return a.write(ctx, phase)
}

// abort handles a failed status write or a refused transition: one attempt
// to record ErrorOther, then give up.
func (a *Agent) abort(ctx context.Context, cause error) error {
	a.logger.Error("agent aborted", zap.Error(cause))
	open := a.sessionOpen()
	if err := a.step(ctx, agentEventFail, nil); err != nil {
		return errors.Join(cause, err)
	}
	if open {
		a.closeSession(ctx)
	}
	if err := a.write(ctx, txn.DevErrorOther); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// step runs action as the body of event. The action runs only when the
// state machine allows event from the current state, and the state moves
// only once the action succeeded. A nil action just moves the state.
func (a *Agent) step(ctx context.Context, event string, action func(context.Context) error) error {
	if !a.fsm.Can(event) {
		return fmt.Errorf("%w: %s from %s (device %s)", ErrIllegalTransition, event, a.fsm.Current(), a.name)
	}
	if action != nil {
		if err := action(ctx); err != nil {
			return err
		}
	}
	if err := a.fsm.Event(context.WithoutCancel(ctx), event); err != nil {
		return fmt.Errorf("%w: %v", ErrIllegalTransition, err)
	}
	return nil
}

// sessionOpen reports whether the current state holds a device session.
func (a *Agent) sessionOpen() bool {
	switch a.fsm.Current() {
	case AgentStateConnected, AgentStateEdited, AgentStateReserved, AgentStateReleased, AgentStateEnabled:
		return true
	}
	return false
}

// closeSession drops the device session on drivers that need it.
func (a *Agent) closeSession(ctx context.Context) {
	c, ok := a.p.Driver.(driver.Closer)
	if !ok {
		return
	}
	if err := c.Close(context.WithoutCancel(ctx)); err != nil {
		a.logger.Warn("close session failed", zap.Error(err))
	}
}

// write records phase for this device. Store writes do not observe ctx
// cancellation so a terminal phase still lands during shutdown.
func (a *Agent) write(ctx context.Context, phase txn.DevicePhase) error {
	if !a.phase.CanAdvanceTo(phase) {
		return fmt.Errorf("%w: %s -> %s (device %s)", ErrIllegalPhase, a.phase, phase, a.name)
	}

	err := a.p.Store.UpsertDeviceStatus(context.WithoutCancel(ctx), txn.DeviceStatus{
		TransactionID: a.p.TransactionID,
		DeviceName:    a.name,
		Phase:         phase,
		UpdatedAt:     a.p.Clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("write %s for %s: %w", phase, a.name, err)
	}

	a.phase = phase
	a.p.Metrics.PhaseWritten(phase.String())
	a.logger.Debug("phase written", zap.Stringer("phase", phase))
	return nil
}
