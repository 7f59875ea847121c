package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fabricd/internal/engine"
	"github.com/roach88/fabricd/internal/metrics"
)

// RecoverOptions holds flags for the recover command.
type RecoverOptions struct {
	*RootOptions
	// Window overrides the configured restart window. Negative means unset.
	Window time.Duration

	// Clock allows overriding the wait clock (for testing).
	Clock engine.Clock
}

// RecoverResult is the printed form of a recovery report.
type RecoverResult struct {
	engine.RecoveryReport
	Window time.Duration `json:"window"`
}

// RenderText implements TextRenderer.
func (r RecoverResult) RenderText(w io.Writer) {
	if len(r.Outstanding) == 0 {
		fmt.Fprintln(w, "No outstanding transactions.")
		return
	}
	fmt.Fprintf(w, "Outstanding transactions: %d\n", len(r.Outstanding))
	for _, id := range r.Outstanding {
		fmt.Fprintf(w, "  %s\n", id)
	}
	if !r.LatestRegisteredAt.IsZero() {
		fmt.Fprintf(w, "Latest registered: %s (window %s)\n", r.LatestRegisteredAt.Format(time.RFC3339), r.Window)
	}
	if r.Waited > 0 {
		fmt.Fprintf(w, "Waited: %s\n", r.Waited.Round(time.Millisecond))
	}
	fmt.Fprintf(w, "Wiped: %d\n", r.Wiped)
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecoverOptions{RootOptions: rootOpts, Window: -1}

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Wipe transactions left by a previous process",
		Long: `Run restart recovery on its own.

A process that stops mid-transaction leaves rows behind, and devices that
may still hold a confirmed commit which was never made permanent. Recovery
waits until the newest leftover transaction's commit window has expired on
every device, then deletes every leftover row. Nothing is replayed.

"fabricd run" performs the same pass before serving.

Examples:
  fabricd recover --config fabricd.yaml
  fabricd recover --window 0 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Window, "window", -1, "override the restart window (commit window + restart offset)")

	return cmd
}

func runRecover(opts *RecoverOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	rt, err := openRuntime(opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer rt.Close()

	window := rt.cfg.Timers.RestartWindow()
	if opts.Window >= 0 {
		window = opts.Window
	}
	clock := opts.Clock
	if clock == nil {
		clock = engine.WallClock{}
	}

	f.VerboseLog("recovering with window %s", window)
	report, err := engine.Recover(commandContext(cmd), rt.store, clock, window, rt.logger, metrics.Default())
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeRecovery, "recovery failed", err)
	}

	return f.Success(RecoverResult{RecoveryReport: report, Window: window})
}
