package txn

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevicePhase_Terminal(t *testing.T) {
	tests := []struct {
		phase    DevicePhase
		terminal bool
		failure  bool
	}{
		{DevRunning, false, false},
		{DevEditConfig, false, false},
		{DevConfirmedCommit, false, false},
		{DevCommit, false, false},
		{DevDone, true, false},
		{DevRollBack, false, true},
		{DevRollBackEnd, true, true},
		{DevErrorTemp, true, true},
		{DevErrorOther, true, true},
		{DevErrorCompare, true, true},
		{DevErrorInfo, true, true},
		{DevErrorCheck, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.phase.String(), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.phase.IsTerminal())
			assert.Equal(t, tt.failure, tt.phase.IsFailure())
		})
	}
}

func TestDevicePhase_CanAdvanceTo(t *testing.T) {
	tests := []struct {
		name string
		from DevicePhase
		to   DevicePhase
		want bool
	}{
		{"first write", DevUnknown, DevRunning, true},
		{"forward", DevRunning, DevEditConfig, true},
		{"same phase", DevCommit, DevCommit, true},
		{"backward", DevCommit, DevEditConfig, false},
		{"into error", DevEditConfig, DevErrorCheck, true},
		{"into rollback", DevCommit, DevRollBack, true},
		{"rollback end direct", DevCommit, DevRollBackEnd, false},
		{"rollback then end", DevRollBack, DevRollBackEnd, true},
		{"rollback then error", DevRollBack, DevErrorTemp, false},
		{"after done", DevDone, DevErrorOther, false},
		{"after error", DevErrorTemp, DevErrorOther, false},
		{"after rollback end", DevRollBackEnd, DevDone, false},
		{"to unknown", DevRunning, DevUnknown, false},
		{"out of range", DevRunning, DevicePhase(99), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanAdvanceTo(tt.to))
		})
	}
}

func TestDevicePhase_Reached(t *testing.T) {
	assert.True(t, DevDone.Reached(TxCommit))
	assert.True(t, DevCommit.Reached(TxCommit))
	assert.False(t, DevConfirmedCommit.Reached(TxCommit))
	assert.False(t, DevRollBackEnd.Reached(TxEditConfig), "failure phases never satisfy a barrier")
	assert.False(t, DevErrorCheck.Reached(TxRunning))
}

func TestClassify_FixedTable(t *testing.T) {
	assert.Equal(t, ResultOK, Classify(DevDone))
	assert.Equal(t, ResultRollbackCompleted, Classify(DevRollBackEnd))
	assert.Equal(t, ResultTemporaryFailure, Classify(DevErrorTemp))
	assert.Equal(t, ResultOtherFailure, Classify(DevErrorOther))
	assert.Equal(t, ResultReconciliationMismatch, Classify(DevErrorCompare))
	assert.Equal(t, ResultStoredInfoMissing, Classify(DevErrorInfo))
	assert.Equal(t, ResultValidationCheckFailed, Classify(DevErrorCheck))
	assert.Equal(t, ResultOtherFailure, Classify(DevCommit))
}

func TestWorst_PrefersMostSpecificFailure(t *testing.T) {
	assert.Equal(t, DevErrorTemp, Worst([]DevicePhase{DevDone, DevErrorTemp, DevRollBackEnd}))
	assert.Equal(t, DevErrorCheck, Worst([]DevicePhase{DevErrorCheck, DevErrorTemp}))
	assert.Equal(t, DevRollBackEnd, Worst([]DevicePhase{DevDone, DevRollBackEnd}))
	assert.Equal(t, DevUnknown, Worst(nil))
}

func TestDevicePhase_TextRoundTrip(t *testing.T) {
	data, err := json.Marshal(map[string]DevicePhase{"leaf1": DevRollBackEnd})
	require.NoError(t, err)
	assert.JSONEq(t, `{"leaf1":"RollBackEnd"}`, string(data))

	var decoded map[string]DevicePhase
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, DevRollBackEnd, decoded["leaf1"])

	var bad DevicePhase
	assert.Error(t, bad.UnmarshalText([]byte("Sideways")))
}

func TestParseTransactionPhase(t *testing.T) {
	p, err := ParseTransactionPhase("confirmedcommit")
	require.NoError(t, err)
	assert.Equal(t, TxConfirmedCommit, p)

	_, err = ParseTransactionPhase("nope")
	assert.Error(t, err)
}

func TestParseOrderKind(t *testing.T) {
	k, err := ParseOrderKind(" Merge ")
	require.NoError(t, err)
	assert.Equal(t, OrderMerge, k)

	_, err = ParseOrderKind("patch")
	assert.Error(t, err)
}

func TestNormalizeDeviceName(t *testing.T) {
	// "e" + combining acute accent normalises to the precomposed rune.
	assert.Equal(t, "l\u00e9af1", NormalizeDeviceName("  le\u0301af1 "))
	assert.Equal(t, "spine-1", NormalizeDeviceName("spine-1"))
}
