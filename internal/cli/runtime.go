package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/fabricd/internal/config"
	"github.com/roach88/fabricd/internal/driver"
	"github.com/roach88/fabricd/internal/driver/loopback"
	"github.com/roach88/fabricd/internal/engine"
	"github.com/roach88/fabricd/internal/logging"
	"github.com/roach88/fabricd/internal/store"
	"github.com/roach88/fabricd/internal/txn"
)

// runtime is everything a command needs from the configuration.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
	store  *store.Store
}

// openRuntime loads the config, builds the logger and opens the store.
// --verbose lowers the log level to debug. The caller closes the runtime.
func openRuntime(opts *RootOptions, f *OutputFormatter) (*runtime, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}

	logCfg := cfg.Logging
	if opts.Verbose {
		logCfg.Level = "debug"
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, "failed to build logger", err)
	}

	f.VerboseLog("opening database %s", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		_ = logger.Sync()
		return nil, f.Fail(ExitCommandError, ErrCodeStore, "failed to open database", err)
	}

	return &runtime{cfg: cfg, logger: logger, store: st}, nil
}

func (r *runtime) Close() {
	if err := r.store.Close(); err != nil {
		r.logger.Error("error closing database", zap.Error(err))
	}
	_ = r.logger.Sync()
}

// newFabric builds the loopback fabric with each inventory device's
// simulated faults applied.
func newFabric(cfg config.Config, logger *zap.Logger) *loopback.Fabric {
	fabric := loopback.NewFabric(logger)
	for _, d := range cfg.Devices {
		fabric.SetFault(txn.NormalizeDeviceName(d.Name), loopback.Fault(d.Simulate))
	}
	return fabric
}

// newRegistry registers the loopback driver for every platform.
func newRegistry(fabric *loopback.Fabric) (*driver.Registry, error) {
	reg := driver.NewRegistry()
	if err := reg.Register(driver.Wildcard, driver.Wildcard, driver.Wildcard, fabric.Factory()); err != nil {
		return nil, fmt.Errorf("register loopback driver: %w", err)
	}
	return reg, nil
}

// inventory resolves order device names against the configured devices.
func inventory(cfg config.Config) engine.Inventory {
	devices := make(map[string]driver.Device, len(cfg.Devices))
	for _, d := range cfg.Devices {
		name := txn.NormalizeDeviceName(d.Name)
		devices[name] = driver.Device{Name: name, Platform: d.Platform, OS: d.OS, Firmware: d.Firmware}
	}
	return func(name string) (driver.Device, bool) {
		d, ok := devices[name]
		return d, ok
	}
}

// classifier returns the order classifier for cfg.
func classifier(cfg config.Config) engine.Classifier {
	return engine.Dialects{
		engine.DialectJSON: engine.JSONClassifier{Inventory: inventory(cfg)},
	}
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute (tests).
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
