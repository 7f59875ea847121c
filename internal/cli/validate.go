package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fabricd/internal/config"
)

// ScenarioView is one resolved scenario table entry.
type ScenarioView struct {
	Service      string        `json:"service"`
	Order        string        `json:"order"`
	Scenario     string        `json:"scenario"`
	Operation    string        `json:"operation"`
	Force        bool          `json:"force"`
	PhaseTimeout time.Duration `json:"phase_timeout"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid         bool           `json:"valid"`
	Path          string         `json:"path"`
	Database      string         `json:"database,omitempty"`
	QueueCapacity int            `json:"queue_capacity,omitempty"`
	CommitWindow  time.Duration  `json:"commit_window,omitempty"`
	RestartWindow time.Duration  `json:"restart_window,omitempty"`
	Scenarios     []ScenarioView `json:"scenarios"`
	Devices       []string       `json:"devices"`
}

// RenderText implements TextRenderer.
func (r ValidationResult) RenderText(w io.Writer) {
	if !r.Valid {
		fmt.Fprintf(w, "✗ %s\n", r.Path)
		return
	}
	fmt.Fprintf(w, "✓ %s is valid\n", r.Path)
	fmt.Fprintf(w, "  database: %s\n", r.Database)
	fmt.Fprintf(w, "  queue capacity: %d\n", r.QueueCapacity)
	fmt.Fprintf(w, "  commit window: %s, restart window: %s\n", r.CommitWindow, r.RestartWindow)
	fmt.Fprintf(w, "  scenarios: %d\n", len(r.Scenarios))
	for _, s := range r.Scenarios {
		force := ""
		if s.Force {
			force = " (force)"
		}
		fmt.Fprintf(w, "    %-12s %-8s -> %s [%s%s, timeout %s]\n",
			s.Service, s.Order, s.Scenario, s.Operation, force, s.PhaseTimeout)
	}
	fmt.Fprintf(w, "  devices: %d\n", len(r.Devices))
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate a configuration file",
		Long: `Validate a fabricd configuration file without starting anything.

The file is decoded strictly (unknown keys are errors), checked against
the configuration schema, and its scenario table is built. The resolved
table is printed on success.

The file defaults to --config.

Examples:
  fabricd validate fabricd.yaml
  fabricd validate --config fabricd.toml --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(rootOpts, path, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	f.VerboseLog("validating %s", path)
	cfg, err := config.Load(path)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeConfig, "configuration invalid", err)
	}

	table, err := cfg.ScenarioTable()
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeConfig, "scenario table invalid", err)
	}

	result := ValidationResult{
		Valid:         true,
		Path:          path,
		Database:      cfg.Database,
		QueueCapacity: cfg.Queue.Capacity,
		CommitWindow:  cfg.Timers.CommitWindow(),
		RestartWindow: cfg.Timers.RestartWindow(),
		Scenarios:     []ScenarioView{},
		Devices:       []string{},
	}
	for _, s := range table.Scenarios() {
		result.Scenarios = append(result.Scenarios, ScenarioView{
			Service:      s.Service,
			Order:        string(s.Order),
			Scenario:     s.Name,
			Operation:    s.Operation.String(),
			Force:        s.Force,
			PhaseTimeout: s.PhaseTimeout,
		})
	}
	for _, d := range cfg.Devices {
		result.Devices = append(result.Devices, d.Name)
	}

	return f.Success(result)
}
