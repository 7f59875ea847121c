package cli

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fabricd/internal/store"
	"github.com/roach88/fabricd/internal/txn"
)

var seedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// seedLeftovers writes what a process killed mid-commit leaves behind: one
// transaction at ConfirmedCommit with two device rows, and an orphaned
// device row whose transaction row is gone.
func seedLeftovers(t *testing.T, configPath string) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(dbPath(configPath))
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.UpsertTransaction(ctx, txn.Transaction{
		ID:          "tx-a",
		ServiceKind: "l2vpn",
		OrderKind:   txn.OrderMerge,
		Payload:     []byte(mergeBoth),
		Phase:       txn.TxConfirmedCommit,
		DeviceCount: 2,
		CreatedAt:   seedTime,
	}))
	for _, name := range []string{"leaf1", "leaf2"} {
		require.NoError(t, st.UpsertDeviceStatus(ctx, txn.DeviceStatus{
			TransactionID: "tx-a",
			DeviceName:    name,
			Phase:         txn.DevConfirmedCommit,
			UpdatedAt:     seedTime.Add(time.Second),
		}))
	}
	require.NoError(t, st.UpsertDeviceStatus(ctx, txn.DeviceStatus{
		TransactionID: "tx-orphan",
		DeviceName:    "leaf3",
		Phase:         txn.DevEditConfig,
		UpdatedAt:     seedTime,
	}))
}

func decodeStatus(t *testing.T, stdout string) StatusResult {
	t.Helper()
	var resp struct {
		Status string       `json:"status"`
		Data   StatusResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp), stdout)
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestStatus_Empty(t *testing.T) {
	cfg := writeConfig(t, testConfig)

	stdout, _, code := executeCLI(t, nil, "status", "--config", cfg)
	assert.Equal(t, ExitSuccess, code)
	assert.Equal(t, "No outstanding transactions.\n", stdout)
}

func TestStatus_ListsLeftovers(t *testing.T) {
	cfg := writeConfig(t, testConfig)
	seedLeftovers(t, cfg)

	stdout, _, code := executeCLI(t, nil, "status", "--config", cfg, "--format", "json")
	require.Equal(t, ExitSuccess, code, stdout)

	result := decodeStatus(t, stdout)
	require.Len(t, result.Transactions, 2)

	byID := map[string]TransactionStatus{}
	for _, ts := range result.Transactions {
		byID[ts.ID] = ts
	}

	a := byID["tx-a"]
	assert.Equal(t, "l2vpn", a.Service)
	assert.Equal(t, "merge", a.Order)
	assert.Equal(t, "ConfirmedCommit", a.Phase)
	assert.Equal(t, 2, a.DeviceCount)
	require.NotNil(t, a.CreatedAt)
	assert.True(t, seedTime.Equal(*a.CreatedAt))
	require.Len(t, a.Devices, 2)
	for _, d := range a.Devices {
		assert.Equal(t, "ConfirmedCommit", d.Phase)
	}

	orphan := byID["tx-orphan"]
	assert.Equal(t, "Unknown", orphan.Phase)
	assert.Nil(t, orphan.CreatedAt)
	require.Len(t, orphan.Devices, 1)
	assert.Equal(t, "leaf3", orphan.Devices[0].Name)
	assert.Equal(t, "EditConfig", orphan.Devices[0].Phase)
}

func TestStatus_TextOutput(t *testing.T) {
	cfg := writeConfig(t, testConfig)
	seedLeftovers(t, cfg)

	stdout, _, code := executeCLI(t, nil, "status", "--config", cfg, "-t", "tx-a")
	require.Equal(t, ExitSuccess, code, stdout)
	assert.Contains(t, stdout, "tx-a  l2vpn merge  phase=ConfirmedCommit  devices=2/2")
	assert.Contains(t, stdout, "leaf1")
	assert.NotContains(t, stdout, "tx-orphan")
}

func TestStatus_FilterNotFound(t *testing.T) {
	cfg := writeConfig(t, testConfig)
	seedLeftovers(t, cfg)

	stdout, _, code := executeCLI(t, nil, "status", "--config", cfg, "--transaction", "tx-zzz")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stdout, "Error [E_NOT_FOUND]: transaction not found: tx-zzz")
}

func TestStatus_BadConfig(t *testing.T) {
	cfg := writeConfig(t, "queue_size: 3\n")

	stdout, _, code := executeCLI(t, nil, "status", "--config", cfg)
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stdout, "Error [E_CONFIG]: failed to load config")
}
