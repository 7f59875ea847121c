// Package store provides the SQLite-backed status store for fabricd.
//
// The store holds two kinds of orchestration rows:
//   - transactions: one row per in-flight transaction, written only by the
//     dispatcher (phase, device count, registration time, order payload)
//   - device_status: one row per (transaction, device), written only by the
//     device agent driving that device
//
// These rows are the synchronization medium between independent device
// agents and the transaction monitor, and they survive a process restart so
// recovery can find work a previous process left behind.
//
// # Write Rules
//
//   - Every write is an upsert keyed by (transaction_id[, device_name]).
//     Concurrent agents never conflict because their keys are disjoint.
//   - DeleteTransaction removes both tables' rows for an id in one SQL
//     transaction. Deleting an absent id is a no-op.
//   - Failures are returned to the caller. The store never retries.
//
// # Database Configuration
//
//   - WAL mode: monitor polls read while agents write
//   - synchronous=NORMAL
//   - busy_timeout=5000: agents wait out each other's writes
//
// No foreign keys: agents may write before the dispatcher's row exists.
//
// Timestamps are stored as unix nanoseconds in INTEGER columns.
package store
