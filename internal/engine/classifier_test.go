package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fabricd/internal/driver"
	"github.com/roach88/fabricd/internal/txn"
)

func TestJSONClassifier_Valid(t *testing.T) {
	body := []byte(`{
		"service": "l2vpn",
		"operation": "Merge",
		"devices": [
			{"name": "leaf1", "platform": "qfx", "os": "junos", "firmware": "21.4", "config": {"vlan": 100}},
			{"name": " spine1 ", "platform": "ptx", "config": {"vlan": 200}}
		]
	}`)

	cls, err := JSONClassifier{}.Classify(Request{Body: body})
	require.NoError(t, err)

	assert.Equal(t, "l2vpn", cls.ServiceKind)
	assert.Equal(t, txn.OrderMerge, cls.OrderKind)
	require.Len(t, cls.Targets, 2)
	assert.Equal(t, driver.Device{Name: "leaf1", Platform: "qfx", OS: "junos", Firmware: "21.4"}, cls.Targets[0].Device)
	assert.JSONEq(t, `{"vlan": 100}`, string(cls.Targets[0].Payload))
	assert.Equal(t, "spine1", cls.Targets[1].Device.Name)
	assert.Equal(t, body, cls.Payload)
}

func TestJSONClassifier_FillsFromInventory(t *testing.T) {
	inv := func(name string) (driver.Device, bool) {
		if name == "leaf1" {
			return driver.Device{Name: "leaf1", Platform: "qfx", OS: "junos", Firmware: "22.2"}, true
		}
		return driver.Device{}, false
	}
	body := []byte(`{"service": "l2vpn", "operation": "delete", "devices": [{"name": "leaf1"}, {"name": "leaf2"}]}`)

	cls, err := JSONClassifier{Inventory: inv}.Classify(Request{Body: body})
	require.NoError(t, err)

	assert.Equal(t, txn.OrderDelete, cls.OrderKind)
	assert.Equal(t, "qfx", cls.Targets[0].Device.Platform)
	assert.Equal(t, "22.2", cls.Targets[0].Device.Firmware)
	assert.Empty(t, cls.Targets[1].Device.Platform, "unknown devices fall through to the wildcard driver")
}

func TestJSONClassifier_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"not json", `merge leaf1`, "decode order"},
		{"unknown field", `{"service": "l2vpn", "operation": "merge", "devices": [{"name": "a"}], "extra": 1}`, "decode order"},
		{"missing service", `{"operation": "merge", "devices": [{"name": "a"}]}`, "missing service"},
		{"unknown operation", `{"service": "l2vpn", "operation": "upsert", "devices": [{"name": "a"}]}`, "unknown order kind"},
		{"no devices", `{"service": "l2vpn", "operation": "merge", "devices": []}`, "no devices"},
		{"blank device name", `{"service": "l2vpn", "operation": "merge", "devices": [{"name": "  "}]}`, "missing name"},
		{"duplicate after normalization", `{"service": "l2vpn", "operation": "merge", "devices": [{"name": "Caf\u00e9"}, {"name": "Cafe\u0301"}]}`, "duplicate device"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := JSONClassifier{}.Classify(Request{Body: []byte(tt.body)})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInadequateRequest)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDialects(t *testing.T) {
	custom := ClassifierFunc(func(req Request) (Classification, error) {
		return Classification{ServiceKind: "custom", OrderKind: txn.OrderGet}, nil
	})
	d := Dialects{DialectJSON: JSONClassifier{}, "custom": custom}

	cls, err := d.Classify(Request{Dialect: "custom"})
	require.NoError(t, err)
	assert.Equal(t, "custom", cls.ServiceKind)

	// Empty dialect means JSON
	_, err = d.Classify(Request{Body: []byte(`{"service": "x", "operation": "merge", "devices": [{"name": "a"}]}`)})
	require.NoError(t, err)

	_, err = d.Classify(Request{Dialect: "xml"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInadequateRequest))
}
