package txn

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// OrderKind is the operation an upstream order requests.
type OrderKind string

const (
	OrderMerge   OrderKind = "merge"
	OrderDelete  OrderKind = "delete"
	OrderGet     OrderKind = "get"
	OrderReplace OrderKind = "replace"
)

// ParseOrderKind parses an order kind (case-insensitive).
func ParseOrderKind(s string) (OrderKind, error) {
	switch k := OrderKind(strings.ToLower(strings.TrimSpace(s))); k {
	case OrderMerge, OrderDelete, OrderGet, OrderReplace:
		return k, nil
	default:
		return "", fmt.Errorf("unknown order kind %q", s)
	}
}

// Transaction is one provisioning order spanning one or more devices.
// Persisted so it survives a restart; deleted at a terminal phase.
type Transaction struct {
	ID          string           `json:"transaction_id"`
	ServiceKind string           `json:"service_kind"`
	OrderKind   OrderKind        `json:"order_kind"`
	Payload     []byte           `json:"-"`
	Phase       TransactionPhase `json:"phase"`
	DeviceCount int              `json:"device_count"`
	CreatedAt   time.Time        `json:"created_at"`
}

// DeviceStatus is the orchestration bookkeeping row written by one agent.
type DeviceStatus struct {
	TransactionID string      `json:"transaction_id"`
	DeviceName    string      `json:"device_name"`
	Phase         DevicePhase `json:"phase"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// NormalizeDeviceName returns the canonical form of a device name used in
// status keys: surrounding space trimmed, Unicode NFC.
func NormalizeDeviceName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}
