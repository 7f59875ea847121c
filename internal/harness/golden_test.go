package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fabricd/internal/txn"
)

func TestRunWithGolden(t *testing.T) {
	for _, name := range []string{
		"two_device_merge",
		"device_no_response",
		"commit_timeout",
		"force_delete",
		"inadequate_request",
	} {
		t.Run(name, func(t *testing.T) {
			scenario := loadTestdata(t, name)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestTraceSnapshot_Marshal(t *testing.T) {
	result := NewResult()
	result.Reply.TransactionID = "tx-0042"
	result.Reply.Result = txn.ResultTemporaryFailure
	result.TransactionPhases = []txn.TransactionPhase{txn.TxRunning}
	result.Devices = []DeviceTrace{{
		Name:   "leaf1",
		Phases: []txn.DevicePhase{txn.DevRunning, txn.DevErrorTemp},
		Calls:  []string{"Start", "Connect"},
	}}

	b, err := NewTraceSnapshot("snap", result).Marshal()
	require.NoError(t, err)

	want := `{
  "scenario_name": "snap",
  "transaction_id": "tx-0042",
  "result": "TemporaryFailure",
  "transaction_phases": [
    "Running"
  ],
  "devices": [
    {
      "name": "leaf1",
      "phases": [
        "Running",
        "ErrorTemp"
      ],
      "calls": [
        "Start",
        "Connect"
      ]
    }
  ]
}
`
	assert.Equal(t, want, string(b))
}

func TestTraceSnapshot_EmptyListsStayArrays(t *testing.T) {
	result := NewResult()
	result.Devices = []DeviceTrace{{Name: "leaf1"}}

	b, err := NewTraceSnapshot("empty", result).Marshal()
	require.NoError(t, err)

	assert.Contains(t, string(b), `"transaction_phases": []`)
	assert.Contains(t, string(b), `"phases": []`)
	assert.Contains(t, string(b), `"calls": []`)
	assert.NotContains(t, string(b), "null")
}
