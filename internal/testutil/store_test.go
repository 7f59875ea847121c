package testutil

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fabricd/internal/store"
	"github.com/roach88/fabricd/internal/txn"
)

func setupRecordingStore(t *testing.T) *RecordingStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewRecordingStore(s)
}

func TestRecordingStore_RecordsInOrder(t *testing.T) {
	rs := setupRecordingStore(t)
	ctx := context.Background()

	require.NoError(t, rs.UpsertTransaction(ctx, txn.Transaction{ID: "tx-1", Phase: txn.TxRunning, DeviceCount: 2}))
	for _, w := range []txn.DeviceStatus{
		{TransactionID: "tx-1", DeviceName: "leaf1", Phase: txn.DevRunning},
		{TransactionID: "tx-1", DeviceName: "leaf2", Phase: txn.DevRunning},
		{TransactionID: "tx-1", DeviceName: "leaf1", Phase: txn.DevEditConfig},
	} {
		require.NoError(t, rs.UpsertDeviceStatus(ctx, w))
	}

	assert.Len(t, rs.Writes(), 3)
	assert.Equal(t, []txn.DevicePhase{txn.DevRunning, txn.DevEditConfig}, rs.DevicePhases("leaf1"))
	assert.Equal(t, []txn.DevicePhase{txn.DevRunning}, rs.DevicePhases("leaf2"))
	assert.Equal(t, []txn.TransactionPhase{txn.TxRunning}, rs.TransactionPhases())

	// Reads go through to the wrapped store
	rows, err := rs.ListDeviceStatus(ctx, "tx-1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRecordingStore_InjectedWriteFailure(t *testing.T) {
	rs := setupRecordingStore(t)
	ctx := context.Background()
	boom := errors.New("disk full")

	rs.FailDeviceWrites(func(st txn.DeviceStatus) error {
		if st.Phase == txn.DevEditConfig {
			return boom
		}
		return nil
	})

	require.NoError(t, rs.UpsertDeviceStatus(ctx, txn.DeviceStatus{TransactionID: "tx-1", DeviceName: "leaf1", Phase: txn.DevRunning}))
	err := rs.UpsertDeviceStatus(ctx, txn.DeviceStatus{TransactionID: "tx-1", DeviceName: "leaf1", Phase: txn.DevEditConfig})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, []txn.DevicePhase{txn.DevRunning}, rs.DevicePhases("leaf1"), "failed write must not be recorded")

	rs.FailDeviceWrites(nil)
	require.NoError(t, rs.UpsertDeviceStatus(ctx, txn.DeviceStatus{TransactionID: "tx-1", DeviceName: "leaf1", Phase: txn.DevEditConfig}))
	assert.Len(t, rs.Writes(), 2)
}

func TestRecordingStore_InjectedReadFailure(t *testing.T) {
	rs := setupRecordingStore(t)
	ctx := context.Background()
	boom := errors.New("locked")

	rs.FailReads(boom)
	_, err := rs.ListDeviceStatus(ctx, "tx-1")
	require.ErrorIs(t, err, boom)

	rs.FailReads(nil)
	rows, err := rs.ListDeviceStatus(ctx, "tx-1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRecordingStore_Deletes(t *testing.T) {
	rs := setupRecordingStore(t)
	ctx := context.Background()

	require.NoError(t, rs.UpsertDeviceStatus(ctx, txn.DeviceStatus{TransactionID: "tx-1", DeviceName: "leaf1", Phase: txn.DevDone}))
	require.NoError(t, rs.DeleteTransaction(ctx, "tx-1"))

	assert.Equal(t, []string{"tx-1"}, rs.Deletes())
	ids, err := rs.ListOutstandingTransactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
