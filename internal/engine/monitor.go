package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/fabricd/internal/metrics"
	"github.com/roach88/fabricd/internal/txn"
)

// Verdict is the outcome of evaluating one poll of device rows.
type Verdict int

const (
	// VerdictRetry means the barrier is not resolved yet.
	VerdictRetry Verdict = iota
	// VerdictAdvance means every device reached the target phase.
	VerdictAdvance
	// VerdictFail means a device failed and every device is terminal.
	VerdictFail
	// VerdictDrain means a device failed and some peers are not terminal
	// yet. Parked peers should be released into rollback.
	VerdictDrain
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case VerdictAdvance:
		return "advance"
	case VerdictFail:
		return "fail"
	case VerdictDrain:
		return "drain"
	default:
		return "retry"
	}
}

// Evaluate decides one barrier poll for target given the rows read.
//
//   - with no failed device, a row count different from deviceCount
//     retries and every row at or past target advances;
//   - once any device failed, the verdict drains until every device has a
//     terminal row and then classifies by the worst phase.
func Evaluate(rows []txn.DeviceStatus, deviceCount int, target txn.TransactionPhase) (Verdict, txn.ResultCode) {
	failed := false
	for _, r := range rows {
		if r.Phase.IsFailure() {
			failed = true
			break
		}
	}

	if !failed {
		if len(rows) != deviceCount {
			return VerdictRetry, ""
		}
		for _, r := range rows {
			if !r.Phase.Reached(target) {
				return VerdictRetry, ""
			}
		}
		return VerdictAdvance, txn.ResultOK
	}

	if len(rows) != deviceCount {
		return VerdictDrain, ""
	}
	phases := make([]txn.DevicePhase, 0, len(rows))
	for _, r := range rows {
		if !r.Phase.IsTerminal() {
			return VerdictDrain, ""
		}
		phases = append(phases, r.Phase)
	}
	return VerdictFail, txn.Classify(txn.Worst(phases))
}

// Monitor is the per-transaction barrier. It polls the status store at a
// fixed interval; the store, not any in-memory signal, decides.
type Monitor struct {
	store     StatusStore
	guard     *TimeoutGuard
	interval  time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics
	onFailure func()
}

// NewMonitor creates a monitor. A nil guard never fires.
func NewMonitor(store StatusStore, guard *TimeoutGuard, interval time.Duration, logger *zap.Logger, m *metrics.Metrics) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{store: store, guard: guard, interval: interval, logger: logger, metrics: m}
}

// OnFailure registers f to run once, on the first poll that sees a failed
// device while peers are still converging.
func (m *Monitor) OnFailure(f func()) {
	m.onFailure = f
}

// Await polls until every device of txID reached target, or the transaction
// failed. There is no poll cap: the guard or ctx bounds the wait.
//
// Returns (true, OK) on success and (false, code) otherwise. Once a device
// failed, the guard no longer ends the wait: the result is classified from
// the terminal rows. A guard that fired before any failure, or a cancelled
// ctx, yields OtherFailure.
func (m *Monitor) Await(ctx context.Context, txID string, deviceCount int, target txn.TransactionPhase) (bool, txn.ResultCode) {
	var guardDone <-chan struct{}
	if m.guard != nil {
		guardDone = m.guard.Done()
	}

	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	draining := false
	for polls := 1; ; polls++ {
		rows, err := m.store.ListDeviceStatus(ctx, txID)
		m.metrics.MonitorPolled()
		verdict, code := VerdictRetry, txn.ResultCode("")
		if err != nil {
			m.logger.Debug("status poll failed, retrying",
				zap.String("transaction_id", txID),
				zap.Error(err),
			)
		} else {
			verdict, code = Evaluate(rows, deviceCount, target)
		}

		switch {
		case verdict == VerdictFail:
			m.logger.Info("transaction failed",
				zap.String("transaction_id", txID),
				zap.Stringer("phase", target),
				zap.String("result", string(code)),
			)
			return false, code
		case verdict == VerdictDrain && !draining:
			draining = true
			m.logger.Info("device failed, waiting for peers to finish",
				zap.String("transaction_id", txID),
				zap.Stringer("phase", target),
			)
			if m.onFailure != nil {
				m.onFailure()
			}
		case draining:
			// Only terminal rows end a drain.
		case m.guard != nil && m.guard.Fired():
			m.logger.Info("transaction timed out",
				zap.String("transaction_id", txID),
				zap.Stringer("phase", target),
			)
			return false, txn.ResultOtherFailure
		case verdict == VerdictAdvance:
			m.logger.Debug("barrier reached",
				zap.String("transaction_id", txID),
				zap.Stringer("phase", target),
				zap.Int("polls", polls),
			)
			return true, txn.ResultOK
		}

		select {
		case <-ctx.Done():
			return false, txn.ResultOtherFailure
		case <-guardDone:
			// Loop back; the next poll reports it. Closed channels stay
			// ready, so stop selecting on it.
			guardDone = nil
		case <-timer.C:
			timer.Reset(m.interval)
		}
	}
}
