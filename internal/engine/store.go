package engine

import (
	"context"
	"time"

	"github.com/roach88/fabricd/internal/txn"
)

// StatusStore is the durable row store the engine synchronizes through.
// Implemented by *store.Store. Failures are returned, never retried by the
// store itself.
type StatusStore interface {
	UpsertTransaction(ctx context.Context, t txn.Transaction) error
	DeleteTransaction(ctx context.Context, id string) error
	UpsertDeviceStatus(ctx context.Context, st txn.DeviceStatus) error
	ListDeviceStatus(ctx context.Context, id string) ([]txn.DeviceStatus, error)
	ListOutstandingTransactions(ctx context.Context) ([]string, error)
	ReadTransactionRegisteredAt(ctx context.Context, id string) (time.Time, bool, error)
}
