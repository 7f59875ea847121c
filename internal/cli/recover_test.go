package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fabricd/internal/store"
	"github.com/roach88/fabricd/internal/testutil"
)

func runRecoverWith(t *testing.T, opts *RecoverOptions) (string, error) {
	t.Helper()
	var stdout bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&stdout)
	cmd.SetErr(&bytes.Buffer{})
	err := runRecover(opts, cmd)
	return stdout.String(), err
}

func outstanding(t *testing.T, configPath string) []string {
	t.Helper()
	st, err := store.Open(dbPath(configPath))
	require.NoError(t, err)
	defer st.Close()
	ids, err := st.ListOutstandingTransactions(context.Background())
	require.NoError(t, err)
	return ids
}

func TestRecover_NothingOutstanding(t *testing.T) {
	cfg := writeConfig(t, testConfig)

	stdout, _, code := executeCLI(t, nil, "recover", "--config", cfg)
	assert.Equal(t, ExitSuccess, code)
	assert.Equal(t, "No outstanding transactions.\n", stdout)
}

func TestRecover_WaitsOutCommitWindowThenWipes(t *testing.T) {
	cfg := writeConfig(t, testConfig)
	seedLeftovers(t, cfg)

	clock := testutil.NewFakeClock(seedTime)
	stdout, err := runRecoverWith(t, &RecoverOptions{
		RootOptions: &RootOptions{Format: "json", ConfigPath: cfg},
		Window:      -1,
		Clock:       clock,
	})
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   RecoverResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)

	// Configured window: 60s confirmed commit + 20s offset + 10s restart offset.
	assert.Equal(t, 90*time.Second, resp.Data.Window)
	assert.ElementsMatch(t, []string{"tx-a", "tx-orphan"}, resp.Data.Outstanding)
	assert.Equal(t, 2, resp.Data.Wiped)
	assert.Equal(t, 90*time.Second, resp.Data.Waited)
	assert.Equal(t, []time.Duration{90 * time.Second}, clock.Sleeps())

	assert.Empty(t, outstanding(t, cfg))
}

func TestRecover_WindowOverride(t *testing.T) {
	cfg := writeConfig(t, testConfig)
	seedLeftovers(t, cfg)

	clock := testutil.NewFakeClock(seedTime.Add(5 * time.Second))
	stdout, err := runRecoverWith(t, &RecoverOptions{
		RootOptions: &RootOptions{Format: "text", ConfigPath: cfg},
		Window:      0,
		Clock:       clock,
	})
	require.NoError(t, err)
	assert.Empty(t, clock.Sleeps(), "an expired window must not wait")
	assert.Contains(t, stdout, "Outstanding transactions: 2")
	assert.Contains(t, stdout, "Wiped: 2")
	assert.NotContains(t, stdout, "Waited:")

	assert.Empty(t, outstanding(t, cfg))
}

func TestRecover_CancelledLeavesRows(t *testing.T) {
	cfg := writeConfig(t, testConfig)
	seedLeftovers(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var stdout bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	cmd.SetOut(&stdout)
	err := runRecover(&RecoverOptions{
		RootOptions: &RootOptions{Format: "text", ConfigPath: cfg},
		Window:      -1,
		Clock:       testutil.NewFakeClock(seedTime),
	}, cmd)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, stdout.String(), "Error [E_RECOVERY]")

	assert.Len(t, outstanding(t, cfg), 2)
}
