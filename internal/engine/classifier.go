package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/fabricd/internal/driver"
	"github.com/roach88/fabricd/internal/txn"
)

// DialectJSON is the dialect name of the built-in JSON order format.
const DialectJSON = "json"

// Request is one inbound order as received from the protocol layer.
type Request struct {
	// Dialect selects the classifier. Empty means DialectJSON.
	Dialect string
	// Body is the raw order.
	Body []byte
}

// Target is one device an order applies to, with its device-specific payload.
type Target struct {
	Device  driver.Device
	Payload []byte
}

// Classification is what the dispatcher needs to know about an order.
type Classification struct {
	ServiceKind string
	OrderKind   txn.OrderKind
	Targets     []Target
	// Payload is the serialized order, stored with the transaction row.
	Payload []byte
}

// Classifier turns a request into a Classification. Errors are reported to
// the caller as InadequateRequest.
type Classifier interface {
	Classify(req Request) (Classification, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(req Request) (Classification, error)

// Classify calls f.
func (f ClassifierFunc) Classify(req Request) (Classification, error) {
	return f(req)
}

// Dialects routes requests to a Classifier by Request.Dialect.
type Dialects map[string]Classifier

// Classify dispatches on req.Dialect.
func (d Dialects) Classify(req Request) (Classification, error) {
	name := req.Dialect
	if name == "" {
		name = DialectJSON
	}
	c, ok := d[name]
	if !ok {
		return Classification{}, fmt.Errorf("%w: unknown dialect %q", ErrInadequateRequest, name)
	}
	return c.Classify(req)
}

// Inventory resolves a device name to its driver keys.
type Inventory func(name string) (driver.Device, bool)

// JSONClassifier decodes the JSON order dialect:
//
//	{"service": "l2vpn", "operation": "merge",
//	 "devices": [{"name": "leaf1", "platform": "qfx", "os": "junos",
//	              "firmware": "21.4", "config": {...}}]}
//
// Devices without a platform are completed from Inventory when set.
type JSONClassifier struct {
	Inventory Inventory
}

type jsonOrder struct {
	Service   string       `json:"service"`
	Operation string       `json:"operation"`
	Devices   []jsonDevice `json:"devices"`
}

type jsonDevice struct {
	Name     string          `json:"name"`
	Platform string          `json:"platform"`
	OS       string          `json:"os"`
	Firmware string          `json:"firmware"`
	Config   json.RawMessage `json:"config"`
}

// Classify decodes and validates one JSON order.
func (c JSONClassifier) Classify(req Request) (Classification, error) {
	dec := json.NewDecoder(bytes.NewReader(req.Body))
	dec.DisallowUnknownFields()

	var order jsonOrder
	if err := dec.Decode(&order); err != nil {
		return Classification{}, fmt.Errorf("%w: decode order: %v", ErrInadequateRequest, err)
	}

	service := strings.TrimSpace(order.Service)
	if service == "" {
		return Classification{}, fmt.Errorf("%w: missing service", ErrInadequateRequest)
	}
	kind, err := txn.ParseOrderKind(order.Operation)
	if err != nil {
		return Classification{}, fmt.Errorf("%w: %v", ErrInadequateRequest, err)
	}
	if len(order.Devices) == 0 {
		return Classification{}, fmt.Errorf("%w: order targets no devices", ErrInadequateRequest)
	}

	seen := make(map[string]bool, len(order.Devices))
	targets := make([]Target, 0, len(order.Devices))
	for i, d := range order.Devices {
		name := txn.NormalizeDeviceName(d.Name)
		if name == "" {
			return Classification{}, fmt.Errorf("%w: devices[%d]: missing name", ErrInadequateRequest, i)
		}
		if seen[name] {
			return Classification{}, fmt.Errorf("%w: devices[%d]: duplicate device %q", ErrInadequateRequest, i, name)
		}
		seen[name] = true

		dev := driver.Device{Name: name, Platform: d.Platform, OS: d.OS, Firmware: d.Firmware}
		if dev.Platform == "" && c.Inventory != nil {
			if known, ok := c.Inventory(name); ok {
				dev.Platform, dev.OS, dev.Firmware = known.Platform, known.OS, known.Firmware
			}
		}

		targets = append(targets, Target{Device: dev, Payload: []byte(d.Config)})
	}

	return Classification{
		ServiceKind: service,
		OrderKind:   kind,
		Targets:     targets,
		Payload:     append([]byte(nil), req.Body...),
	}, nil
}
