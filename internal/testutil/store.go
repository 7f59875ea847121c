package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/fabricd/internal/txn"
)

// StatusStore mirrors engine.StatusStore. It is redeclared here so the
// engine's own tests can import testutil.
type StatusStore interface {
	UpsertTransaction(ctx context.Context, t txn.Transaction) error
	DeleteTransaction(ctx context.Context, id string) error
	UpsertDeviceStatus(ctx context.Context, st txn.DeviceStatus) error
	ListDeviceStatus(ctx context.Context, id string) ([]txn.DeviceStatus, error)
	ListOutstandingTransactions(ctx context.Context) ([]string, error)
	ReadTransactionRegisteredAt(ctx context.Context, id string) (time.Time, bool, error)
}

// FailFunc decides whether a device status write fails. Returning nil lets
// the write through.
type FailFunc func(st txn.DeviceStatus) error

// RecordingStore wraps a StatusStore and records every device status and
// transaction phase write in order. Writes are recorded only when they
// reach the inner store successfully.
//
// Thread-safety: safe for concurrent use; agents write from their own
// goroutines.
type RecordingStore struct {
	inner StatusStore

	mu        sync.Mutex
	writes    []txn.DeviceStatus
	txPhases  []txn.TransactionPhase
	deletes   []string
	failWrite FailFunc
	failList  error
}

// NewRecordingStore wraps inner.
func NewRecordingStore(inner StatusStore) *RecordingStore {
	return &RecordingStore{inner: inner}
}

// FailDeviceWrites installs f to inject device write failures. Nil clears it.
func (s *RecordingStore) FailDeviceWrites(f FailFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrite = f
}

// FailReads makes ListDeviceStatus return err until cleared with nil.
func (s *RecordingStore) FailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failList = err
}

// UpsertTransaction records the phase and forwards.
func (s *RecordingStore) UpsertTransaction(ctx context.Context, t txn.Transaction) error {
	if err := s.inner.UpsertTransaction(ctx, t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txPhases = append(s.txPhases, t.Phase)
	return nil
}

// DeleteTransaction records the id and forwards.
func (s *RecordingStore) DeleteTransaction(ctx context.Context, id string) error {
	if err := s.inner.DeleteTransaction(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, id)
	return nil
}

// UpsertDeviceStatus applies any injected failure, forwards and records.
func (s *RecordingStore) UpsertDeviceStatus(ctx context.Context, st txn.DeviceStatus) error {
	s.mu.Lock()
	fail := s.failWrite
	s.mu.Unlock()
	if fail != nil {
		if err := fail(st); err != nil {
			return err
		}
	}

	if err := s.inner.UpsertDeviceStatus(ctx, st); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, st)
	return nil
}

// ListDeviceStatus forwards unless a read failure is injected.
func (s *RecordingStore) ListDeviceStatus(ctx context.Context, id string) ([]txn.DeviceStatus, error) {
	s.mu.Lock()
	err := s.failList
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.inner.ListDeviceStatus(ctx, id)
}

// ListOutstandingTransactions forwards.
func (s *RecordingStore) ListOutstandingTransactions(ctx context.Context) ([]string, error) {
	return s.inner.ListOutstandingTransactions(ctx)
}

// ReadTransactionRegisteredAt forwards.
func (s *RecordingStore) ReadTransactionRegisteredAt(ctx context.Context, id string) (time.Time, bool, error) {
	return s.inner.ReadTransactionRegisteredAt(ctx, id)
}

// Writes returns every recorded device status write in order.
func (s *RecordingStore) Writes() []txn.DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]txn.DeviceStatus(nil), s.writes...)
}

// DevicePhases returns the phases written for one device, in order.
func (s *RecordingStore) DevicePhases(device string) []txn.DevicePhase {
	s.mu.Lock()
	defer s.mu.Unlock()

	var phases []txn.DevicePhase
	for _, w := range s.writes {
		if w.DeviceName == device {
			phases = append(phases, w.Phase)
		}
	}
	return phases
}

// TransactionPhases returns the transaction phases written, in order.
func (s *RecordingStore) TransactionPhases() []txn.TransactionPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]txn.TransactionPhase(nil), s.txPhases...)
}

// Deletes returns the ids passed to successful DeleteTransaction calls.
func (s *RecordingStore) Deletes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deletes...)
}
