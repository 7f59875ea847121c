package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fabricd/internal/txn"
)

// ListDeviceStatus returns every device row for a transaction, ordered by
// device name. Returns an empty slice (not nil) when no rows exist.
func (s *Store) ListDeviceStatus(ctx context.Context, id string) ([]txn.DeviceStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, device_name, phase, updated_at
		FROM device_status
		WHERE transaction_id = ?
		ORDER BY device_name COLLATE BINARY ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query device status: %w", err)
	}
	defer rows.Close()

	statuses := []txn.DeviceStatus{}
	for rows.Next() {
		var st txn.DeviceStatus
		var phase int
		var updatedAt int64
		if err := rows.Scan(&st.TransactionID, &st.DeviceName, &phase, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan device status: %w", err)
		}
		st.Phase = txn.DevicePhase(phase)
		st.UpdatedAt = fromUnixNano(updatedAt)
		statuses = append(statuses, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device status: %w", err)
	}

	return statuses, nil
}

// ListOutstandingTransactions returns the ids of every transaction with a
// transaction row or at least one device row, ordered by id.
func (s *Store) ListOutstandingTransactions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id FROM transactions
		UNION
		SELECT transaction_id FROM device_status
		ORDER BY transaction_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query outstanding transactions: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan transaction id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outstanding transactions: %w", err)
	}

	return ids, nil
}

// ReadTransactionRegisteredAt returns when the transaction was registered.
// The bool is false when no transaction row exists.
func (s *Store) ReadTransactionRegisteredAt(ctx context.Context, id string) (time.Time, bool, error) {
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at FROM transactions WHERE transaction_id = ?
	`, id).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read registered_at %s: %w", id, err)
	}
	return fromUnixNano(createdAt), true, nil
}

// ReadTransaction retrieves a single transaction row.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadTransaction(ctx context.Context, id string) (txn.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT transaction_id, service_kind, order_kind, payload, phase, device_count, created_at
		FROM transactions
		WHERE transaction_id = ?
	`, id)

	return scanTransaction(row)
}

// ListTransactions returns every transaction row ordered by registration time.
func (s *Store) ListTransactions(ctx context.Context) ([]txn.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, service_kind, order_kind, payload, phase, device_count, created_at
		FROM transactions
		ORDER BY created_at ASC, transaction_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	transactions := []txn.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}

	return transactions, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (txn.Transaction, error) {
	var t txn.Transaction
	var orderKind string
	var phase int
	var createdAt int64

	if err := row.Scan(&t.ID, &t.ServiceKind, &orderKind, &t.Payload, &phase, &t.DeviceCount, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return txn.Transaction{}, err
		}
		return txn.Transaction{}, fmt.Errorf("scan transaction: %w", err)
	}

	t.OrderKind = txn.OrderKind(orderKind)
	t.Phase = txn.TransactionPhase(phase)
	t.CreatedAt = fromUnixNano(createdAt)
	return t, nil
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
