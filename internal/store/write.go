package store

import (
	"context"
	"fmt"

	"github.com/roach88/fabricd/internal/txn"
)

// UpsertTransaction inserts or updates the transaction row.
// The registration time (created_at) is kept from the first insert; later
// upserts only move phase, device count and payload.
func (s *Store) UpsertTransaction(ctx context.Context, t txn.Transaction) error {
	if t.ID == "" {
		return fmt.Errorf("upsert transaction: empty transaction id")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions
		(transaction_id, service_kind, order_kind, payload, phase, device_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO UPDATE SET
			service_kind = excluded.service_kind,
			order_kind   = excluded.order_kind,
			payload      = excluded.payload,
			phase        = excluded.phase,
			device_count = excluded.device_count
	`,
		t.ID,
		t.ServiceKind,
		string(t.OrderKind),
		t.Payload,
		int(t.Phase),
		t.DeviceCount,
		t.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert transaction %s: %w", t.ID, err)
	}

	return nil
}

// UpsertDeviceStatus inserts or updates one device's status row.
func (s *Store) UpsertDeviceStatus(ctx context.Context, st txn.DeviceStatus) error {
	if st.TransactionID == "" || st.DeviceName == "" {
		return fmt.Errorf("upsert device status: transaction id and device name are required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_status
		(transaction_id, device_name, phase, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(transaction_id, device_name) DO UPDATE SET
			phase      = excluded.phase,
			updated_at = excluded.updated_at
	`,
		st.TransactionID,
		st.DeviceName,
		int(st.Phase),
		st.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert device status %s/%s: %w", st.TransactionID, st.DeviceName, err)
	}

	return nil
}

// DeleteTransaction removes the transaction row and every device row for id
// in a single SQL transaction. Deleting an id with no rows is a no-op.
func (s *Store) DeleteTransaction(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete transaction %s: begin tx: %w", id, err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, `DELETE FROM device_status WHERE transaction_id = ?`, id); err != nil {
		return fmt.Errorf("delete transaction %s: device rows: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE transaction_id = ?`, id); err != nil {
		return fmt.Errorf("delete transaction %s: transaction row: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete transaction %s: commit: %w", id, err)
	}

	return nil
}
