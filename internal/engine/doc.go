// Package engine implements the fabricd transaction orchestration engine.
//
// The engine turns provisioning orders into all-or-nothing transactions
// across a set of network devices, using NETCONF confirmed commit so a
// device that never hears "make it permanent" reverts on its own.
//
// ARCHITECTURE:
//
// Single-Worker Dispatcher:
// Requests enter a bounded FIFO queue and are served one at a time by
// Dispatcher.Run. At most one transaction is active per process. This
// ensures:
// - A device is never touched by two transactions at once
// - Phase rows for a transaction are never interleaved with another's
// - Shutdown only ever has one transaction to tear down
//
// Transaction Flow:
// 1. Request classified into (service, order, targets); scenario resolved
// 2. Transaction row written at Running, TimeoutGuard armed
// 3. One Agent per device started under an errgroup
// 4. Dispatcher writes each barrier phase and waits on a Monitor:
//    EditConfig → ConfirmedCommit → Commit → Done
// 5. Teardown: guard disarmed, agents joined, rows deleted, reply sent
//
// Agents and the dispatcher never talk directly except for the Commit
// release signal. The status store is the only barrier: the Monitor polls
// device rows and decides advance, retry or fail from what it reads.
//
// CRITICAL PATTERNS:
//
// Monotonic Device Phases:
// An agent only ever writes a phase at or after its previous one, and
// exactly one terminal phase. Agent.write rejects anything else with
// ErrIllegalPhase.
//
// Per-Transaction Cancellation:
// The TimeoutGuard belongs to one transaction and is passed explicitly to
// its monitor and agents. Nothing is process-wide.
//
// Rollback by Omission:
// A device rolled back is one that never received the final commit. Its
// own confirmed-commit timer reverts the candidate; the agent only records
// RollBack and RollBackEnd.
package engine
