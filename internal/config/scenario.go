package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/roach88/fabricd/internal/driver"
	"github.com/roach88/fabricd/internal/txn"
)

// ErrScenarioNotFound is returned when no scenario matches a
// (service, order) pair.
var ErrScenarioNotFound = errors.New("scenario not found")

// Scenario parameterises one device agent run: which driver operation to
// push, whether deletes tolerate an empty device, and how long the whole
// transaction may take.
type Scenario struct {
	Name         string           `json:"scenario"`
	Service      string           `json:"service"`
	Order        txn.OrderKind    `json:"order"`
	PhaseTimeout time.Duration    `json:"phase_timeout"`
	Operation    driver.Operation `json:"-"`
	Force        bool             `json:"force"`
}

type scenarioKey struct {
	service string
	order   string
}

func newScenarioKey(service, order string) scenarioKey {
	return scenarioKey{
		service: strings.ToLower(strings.TrimSpace(service)),
		order:   strings.ToLower(strings.TrimSpace(order)),
	}
}

// ScenarioTable resolves (service, order) to a Scenario. Immutable once
// built; safe for concurrent use.
type ScenarioTable struct {
	entries map[scenarioKey]Scenario
}

// NewScenarioTable builds a table from configuration entries.
func NewScenarioTable(cfgs []ScenarioConfig) (*ScenarioTable, error) {
	t := &ScenarioTable{entries: make(map[scenarioKey]Scenario, len(cfgs))}
	for i, c := range cfgs {
		order, err := txn.ParseOrderKind(c.Order)
		if err != nil {
			return nil, fmt.Errorf("scenarios[%d]: %w", i, err)
		}
		opName := c.Operation
		if opName == "" {
			opName = operationFor(string(order))
		}
		op, err := driver.ParseOperation(opName)
		if err != nil {
			return nil, fmt.Errorf("scenarios[%d]: %w", i, err)
		}
		if c.PhaseTimeoutMS <= 0 {
			return nil, fmt.Errorf("scenarios[%d]: phase_timeout_ms must be positive", i)
		}

		key := newScenarioKey(c.Service, string(order))
		if _, dup := t.entries[key]; dup {
			return nil, fmt.Errorf("scenarios[%d]: duplicate (service=%s, order=%s)", i, c.Service, order)
		}
		t.entries[key] = Scenario{
			Name:         c.Scenario,
			Service:      strings.TrimSpace(c.Service),
			Order:        order,
			PhaseTimeout: time.Duration(c.PhaseTimeoutMS) * time.Millisecond,
			Operation:    op,
			Force:        c.Force,
		}
	}
	return t, nil
}

// ScenarioTable builds the scenario table for this configuration.
func (c *Config) ScenarioTable() (*ScenarioTable, error) {
	return NewScenarioTable(c.Scenarios)
}

// Resolve returns the scenario for (service, order).
func (t *ScenarioTable) Resolve(service string, order txn.OrderKind) (Scenario, error) {
	s, ok := t.entries[newScenarioKey(service, string(order))]
	if !ok {
		return Scenario{}, fmt.Errorf("%w: service=%s order=%s", ErrScenarioNotFound, service, order)
	}
	return s, nil
}

// Scenarios returns every entry sorted by service then order.
func (t *ScenarioTable) Scenarios() []Scenario {
	out := make([]Scenario, 0, len(t.entries))
	for _, s := range t.entries {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		return out[i].Order < out[j].Order
	})
	return out
}
