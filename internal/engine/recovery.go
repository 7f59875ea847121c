package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/fabricd/internal/metrics"
)

// # Restart Recovery
//
// A process that dies mid-transaction leaves rows behind and, possibly,
// devices holding a confirmed commit that was never made permanent. Those
// devices revert on their own once the confirmed-commit timer expires.
//
// Recovery does not try to finish or reconcile anything. It waits until the
// latest leftover transaction's commit window has certainly expired on every
// device, then deletes every leftover row:
//
//	registered_at(latest) + window  ≤  now   →  wipe
//
// Transactions that never got a device row never reached a device and are
// wiped without waiting.

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	Outstanding        []string      `json:"outstanding"`
	LatestRegisteredAt time.Time     `json:"latest_registered_at,omitempty"`
	Waited             time.Duration `json:"waited"`
	Wiped              int           `json:"wiped"`
}

// Recover wipes transactions left over from a previous process. It must run
// before the dispatcher starts serving.
//
// window is the full device-side revert window: the confirmed-commit timeout
// plus its offsets. The wait goes through clock, so it is ctx-aware and
// testable. A cancelled ctx aborts before anything is deleted.
func Recover(ctx context.Context, store StatusStore, clock Clock, window time.Duration, logger *zap.Logger, m *metrics.Metrics) (RecoveryReport, error) {
	if clock == nil {
		clock = WallClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("recovery")

	var report RecoveryReport

	ids, err := store.ListOutstandingTransactions(ctx)
	if err != nil {
		return report, fmt.Errorf("recover: list outstanding transactions: %w", err)
	}
	report.Outstanding = ids
	if len(ids) == 0 {
		logger.Info("no outstanding transactions")
		return report, nil
	}

	logger.Warn("outstanding transactions found", zap.Int("count", len(ids)), zap.Strings("transaction_ids", ids))

	for _, id := range ids {
		at, err := latestActivity(ctx, store, id)
		if err != nil {
			return report, fmt.Errorf("recover: read transaction %s: %w", id, err)
		}
		if at.After(report.LatestRegisteredAt) {
			report.LatestRegisteredAt = at
		}
	}

	if !report.LatestRegisteredAt.IsZero() {
		wait := report.LatestRegisteredAt.Add(window).Sub(clock.Now())
		if wait > 0 {
			logger.Info("waiting for device commit timers to expire",
				zap.Time("latest_registered_at", report.LatestRegisteredAt),
				zap.Duration("wait", wait),
			)
			if err := clock.Sleep(ctx, wait); err != nil {
				return report, fmt.Errorf("recover: wait interrupted: %w", err)
			}
			report.Waited = wait
		}
	}

	var errs []error
	for _, id := range ids {
		if err := store.DeleteTransaction(context.WithoutCancel(ctx), id); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
			continue
		}
		report.Wiped++
	}

	m.RecoveryWiped(report.Wiped)
	logger.Info("recovery finished",
		zap.Int("wiped", report.Wiped),
		zap.Duration("waited", report.Waited),
	)
	if len(errs) > 0 {
		return report, fmt.Errorf("recover: %w", errors.Join(errs...))
	}
	return report, nil
}

// latestActivity returns the time the transaction's commit window started
// counting on devices. Zero means no device row exists, so no device can
// hold a pending commit. An orphaned device row without a transaction row
// falls back to the newest device update.
func latestActivity(ctx context.Context, store StatusStore, id string) (time.Time, error) {
	rows, err := store.ListDeviceStatus(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	if len(rows) == 0 {
		return time.Time{}, nil
	}

	at, ok, err := store.ReadTransactionRegisteredAt(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		return at, nil
	}

	var latest time.Time
	for _, r := range rows {
		if r.UpdatedAt.After(latest) {
			latest = r.UpdatedAt
		}
	}
	return latest, nil
}
