// Package config loads and validates the fabricd configuration file.
//
// Configuration is YAML (.yaml/.yml) or TOML (.toml). Unknown keys are
// rejected in both formats. After decoding, defaults are applied and the
// result is checked against an embedded CUE schema, then against the
// semantic rules CUE cannot express (duplicate scenario keys, force mode on
// a non-delete operation).
package config

import (
	"time"

	"github.com/roach88/fabricd/internal/logging"
)

// Defaults used when a value is missing. The two offsets take their
// default only when absent; an explicit 0 is kept.
const (
	DefaultDatabase                  = "fabricd.db"
	DefaultQueueCapacity             = 10
	DefaultConfirmedCommitMS         = 60_000
	DefaultConfirmedCommitEMOffsetMS = 20_000
	DefaultTransactionDBWatchMS      = 100
	DefaultRestartWaitOffsetMS       = 10_000
)

// Config is the root of the configuration file.
type Config struct {
	Database  string           `yaml:"database" toml:"database" json:"database"`
	Queue     QueueConfig      `yaml:"queue" toml:"queue" json:"queue"`
	Timers    Timers           `yaml:"timers" toml:"timers" json:"timers"`
	Scenarios []ScenarioConfig `yaml:"scenarios" toml:"scenarios" json:"scenarios"`
	Devices   []DeviceConfig   `yaml:"devices" toml:"devices" json:"devices"`
	Logging   logging.Config   `yaml:"logging" toml:"logging" json:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics" toml:"metrics" json:"metrics"`
}

// QueueConfig sizes the dispatcher's inbound queue.
type QueueConfig struct {
	Capacity int `yaml:"capacity" toml:"capacity" json:"capacity"`
}

// Timers holds the orchestration timers, in milliseconds.
type Timers struct {
	// ConfirmedCommitMS is the device-side confirmed-commit timer.
	ConfirmedCommitMS int `yaml:"confirmed_commit_ms" toml:"confirmed_commit_ms" json:"confirmed_commit_ms"`
	// ConfirmedCommitEMOffsetMS is added to ConfirmedCommitMS for the
	// agent's own wait. Nil means unset.
	ConfirmedCommitEMOffsetMS *int `yaml:"confirmed_commit_em_offset_ms" toml:"confirmed_commit_em_offset_ms" json:"confirmed_commit_em_offset_ms"`
	// TransactionDBWatchMS is the monitor's poll interval.
	TransactionDBWatchMS int `yaml:"transaction_db_watch_ms" toml:"transaction_db_watch_ms" json:"transaction_db_watch_ms"`
	// RestartWaitOffsetMS is added to the commit window when recovery
	// waits out transactions left by a previous process. Nil means unset.
	RestartWaitOffsetMS *int `yaml:"restart_wait_offset_ms" toml:"restart_wait_offset_ms" json:"restart_wait_offset_ms"`
}

// ScenarioConfig maps one (service, order) pair to a scenario.
type ScenarioConfig struct {
	Service        string `yaml:"service" toml:"service" json:"service"`
	Order          string `yaml:"order" toml:"order" json:"order"`
	Scenario       string `yaml:"scenario" toml:"scenario" json:"scenario"`
	PhaseTimeoutMS int    `yaml:"phase_timeout_ms" toml:"phase_timeout_ms" json:"phase_timeout_ms"`
	// Operation is "update" or "delete". Empty derives it from Order.
	Operation string `yaml:"operation" toml:"operation" json:"operation"`
	// Force tolerates "nothing to delete" on delete scenarios.
	Force bool `yaml:"force" toml:"force" json:"force"`
}

// DeviceConfig is one entry of the device inventory.
type DeviceConfig struct {
	Name     string `yaml:"name" toml:"name" json:"name"`
	Platform string `yaml:"platform" toml:"platform" json:"platform"`
	OS       string `yaml:"os" toml:"os" json:"os"`
	Firmware string `yaml:"firmware" toml:"firmware" json:"firmware"`
	// Simulate configures the loopback driver's faults for this device.
	Simulate SimulateConfig `yaml:"simulate" toml:"simulate" json:"simulate"`
}

// SimulateConfig mirrors the loopback driver's fault switches.
type SimulateConfig struct {
	Unreachable   bool `yaml:"unreachable" toml:"unreachable" json:"unreachable"`
	RejectSession bool `yaml:"reject_session" toml:"reject_session" json:"reject_session"`
	RejectConfig  bool `yaml:"reject_config" toml:"reject_config" json:"reject_config"`
	FailPersist   bool `yaml:"fail_persist" toml:"fail_persist" json:"fail_persist"`
}

// MetricsConfig configures the Prometheus listener. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" toml:"addr" json:"addr"`
}

// Default returns a configuration with every default applied and no
// scenarios or devices.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = DefaultQueueCapacity
	}
	if c.Timers.ConfirmedCommitMS <= 0 {
		c.Timers.ConfirmedCommitMS = DefaultConfirmedCommitMS
	}
	if c.Timers.ConfirmedCommitEMOffsetMS == nil {
		c.Timers.ConfirmedCommitEMOffsetMS = Millis(DefaultConfirmedCommitEMOffsetMS)
	}
	if c.Timers.TransactionDBWatchMS <= 0 {
		c.Timers.TransactionDBWatchMS = DefaultTransactionDBWatchMS
	}
	if c.Timers.RestartWaitOffsetMS == nil {
		c.Timers.RestartWaitOffsetMS = Millis(DefaultRestartWaitOffsetMS)
	}
	if c.Scenarios == nil {
		c.Scenarios = []ScenarioConfig{}
	}
	if c.Devices == nil {
		c.Devices = []DeviceConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	for i := range c.Scenarios {
		if c.Scenarios[i].Operation == "" {
			c.Scenarios[i].Operation = operationFor(c.Scenarios[i].Order)
		}
	}
}

func operationFor(order string) string {
	if order == "delete" {
		return "delete"
	}
	return "update"
}

// Millis returns a pointer to n, for setting the optional offsets.
func Millis(n int) *int { return &n }

func ms(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Millisecond
}

// offset is ms for an optional offset: nil takes def, zero stays zero.
func offset(n *int, def int) time.Duration {
	if n == nil {
		return time.Duration(def) * time.Millisecond
	}
	if *n < 0 {
		return 0
	}
	return time.Duration(*n) * time.Millisecond
}

// CommitWindow is how long an agent waits at the commit point before
// rolling back: confirmed-commit timer plus its offset.
func (t Timers) CommitWindow() time.Duration {
	return ms(t.ConfirmedCommitMS, DefaultConfirmedCommitMS) +
		offset(t.ConfirmedCommitEMOffsetMS, DefaultConfirmedCommitEMOffsetMS)
}

// PollInterval is the monitor's status-store poll interval.
func (t Timers) PollInterval() time.Duration {
	return ms(t.TransactionDBWatchMS, DefaultTransactionDBWatchMS)
}

// RestartWindow is how long after registration a leftover transaction's
// device timers may still be running.
func (t Timers) RestartWindow() time.Duration {
	return t.CommitWindow() + offset(t.RestartWaitOffsetMS, DefaultRestartWaitOffsetMS)
}

// Device returns the inventory entry for name.
func (c *Config) Device(name string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceConfig{}, false
}
