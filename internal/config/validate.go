package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// schemaCUE constrains value shapes and ranges. Cross-entry rules are
// checked in Go after unification.
const schemaCUE = `
#Scenario: {
	service:          string & !=""
	order:            "merge" | "delete" | "get" | "replace"
	scenario:         string & !=""
	phase_timeout_ms: int & >0
	operation:        "update" | "delete"
	force:            bool
}

#Device: {
	name:     string & !=""
	platform: string
	os:       string
	firmware: string
	simulate: {
		unreachable:    bool
		reject_session: bool
		reject_config:  bool
		fail_persist:   bool
	}
}

#Config: {
	database: string & !=""
	queue: capacity: int & >=1
	timers: {
		confirmed_commit_ms:           int & >0
		confirmed_commit_em_offset_ms: int & >=0
		transaction_db_watch_ms:       int & >0
		restart_wait_offset_ms:        int & >=0
	}
	scenarios: [...#Scenario]
	devices: [...#Device]
	logging: {
		level:       "debug" | "info" | "warn" | "error"
		format:      "json" | "console"
		output_file: string
	}
	metrics: addr: string
}
`

// Validate checks the configuration against the CUE schema and the
// cross-entry rules. Call after ApplyDefaults.
func (c Config) Validate() error {
	if c.Scenarios == nil {
		c.Scenarios = []ScenarioConfig{}
	}
	if c.Devices == nil {
		c.Devices = []DeviceConfig{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	value := def.Unify(ctx.Encode(c))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema: %w", err)
	}

	return c.validateEntries()
}

func (c Config) validateEntries() error {
	seen := make(map[scenarioKey]int, len(c.Scenarios))
	for i, s := range c.Scenarios {
		key := newScenarioKey(s.Service, s.Order)
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("scenarios[%d]: duplicate (service=%s, order=%s), first defined at scenarios[%d]",
				i, s.Service, s.Order, prev)
		}
		seen[key] = i

		if s.Force && s.Operation != "delete" {
			return fmt.Errorf("scenarios[%d]: force requires operation delete", i)
		}
	}

	names := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		name := strings.TrimSpace(d.Name)
		if names[name] {
			return fmt.Errorf("devices[%d]: duplicate device %q", i, name)
		}
		names[name] = true
	}
	return nil
}
