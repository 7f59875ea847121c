package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/fabricd/internal/config"
	"github.com/roach88/fabricd/internal/txn"
)

var (
	// ErrQueueFull is returned by Submit when the inbound queue is at
	// capacity. Callers report it upstream as TemporaryFailure.
	ErrQueueFull = errors.New("dispatcher queue full")

	// ErrStopped is returned by Submit after the dispatcher stopped.
	ErrStopped = errors.New("dispatcher stopped")

	// ErrInadequateRequest wraps every classifier rejection.
	ErrInadequateRequest = errors.New("inadequate request")

	// ErrScenarioNotFound is returned when no scenario serves a request.
	ErrScenarioNotFound = config.ErrScenarioNotFound

	// ErrIllegalPhase is returned when an agent would write a phase that
	// breaks device phase ordering.
	ErrIllegalPhase = errors.New("illegal device phase transition")

	// ErrIllegalTransition is returned when an agent step is not allowed
	// from the agent's current state.
	ErrIllegalTransition = errors.New("illegal agent state transition")
)

// OrchestrationError is a transaction-ending error carrying the result code
// reported to the caller.
type OrchestrationError struct {
	// Code is the transaction-level result.
	Code txn.ResultCode

	// TransactionID identifies the affected transaction, if one was issued.
	TransactionID string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *OrchestrationError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.TransactionID != "" {
		return fmt.Sprintf("%s: %s (transaction=%s)", e.Code, msg, e.TransactionID)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

func newOrchestrationError(code txn.ResultCode, txID, msg string, err error) *OrchestrationError {
	return &OrchestrationError{Code: code, TransactionID: txID, Message: msg, Err: err}
}

// ResultCodeOf maps an error to the result code a caller should report.
// Uses errors.As to handle wrapped errors.
func ResultCodeOf(err error) txn.ResultCode {
	if err == nil {
		return txn.ResultOK
	}
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe.Code
	}
	switch {
	case errors.Is(err, ErrQueueFull):
		return txn.ResultTemporaryFailure
	case errors.Is(err, ErrInadequateRequest):
		return txn.ResultInadequateRequest
	default:
		return txn.ResultOtherFailure
	}
}

// IsQueueFull reports whether err is a queue saturation rejection.
func IsQueueFull(err error) bool {
	return errors.Is(err, ErrQueueFull)
}
