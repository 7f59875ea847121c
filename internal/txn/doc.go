// Package txn defines the orchestration data model shared by the dispatcher,
// the device agents, the monitor and the status store.
//
// Two phase ladders exist:
//
//   - TransactionPhase is owned by the dispatcher and only moves forward
//     (Running → EditConfig → ConfirmedCommit → Commit → Done), or jumps to the
//     absorbing OrderError phase before any device work starts.
//   - DevicePhase is owned by exactly one device agent. The normal branch is
//     numbered 1..5; every phase numbered above Done is a failure phase
//     (the rollback branch followed by the Error* family).
//
// The numeric order of the failure phases is the classification priority:
// when several devices fail, the transaction result is derived from the
// largest failure phase observed.
package txn
