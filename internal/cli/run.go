package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fabricd/internal/engine"
	"github.com/roach88/fabricd/internal/metrics"
	"github.com/roach88/fabricd/internal/txn"
)

// maxOrderBytes bounds one order line.
const maxOrderBytes = 16 << 20

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Orders       string
	MetricsAddr  string
	SkipRecovery bool

	// TxIDGenerator allows overriding the transaction id generator (for
	// testing). If nil, defaults to UUIDv7Generator.
	TxIDGenerator engine.TxIDGenerator
}

// runSummary counts the orders a run served.
type runSummary struct {
	orders int
	ok     int
	failed int
	wiped  int
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve provisioning orders",
		Long: `Start the transaction dispatcher and serve provisioning orders.

Before serving, transactions left behind by a previous process are waited
out and wiped (see "fabricd recover"). Orders are read as JSON, one per
line, from --orders or stdin; each reply is printed as soon as its
transaction is torn down. The command exits when the input ends or on
SIGINT/SIGTERM.

Devices are driven by the built-in loopback driver; per-device faults are
configured under devices[].simulate.

Example:
  fabricd run --config fabricd.yaml --orders orders.jsonl
  echo '{"service":"l2vpn","operation":"merge","devices":[{"name":"leaf1","config":{}}]}' | fabricd run`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Orders, "orders", "-", `file of JSON orders, one per line ("-" for stdin)`)
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")
	cmd.Flags().BoolVar(&opts.SkipRecovery, "skip-recovery", false, "do not wait out and wipe leftover transactions")

	return cmd
}

func runDaemon(opts *RunOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	rt, err := openRuntime(opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger

	table, err := rt.cfg.ScenarioTable()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to build scenario table", err)
	}
	registry, err := newRegistry(newFabric(rt.cfg, logger))
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to build driver registry", err)
	}

	input, closeInput, err := openOrders(opts.Orders, cmd.InOrStdin())
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInput, "failed to open orders", err)
	}
	defer closeInput()

	m := metrics.Default()
	addr := opts.MetricsAddr
	if addr == "" {
		addr = rt.cfg.Metrics.Addr
	}
	if addr != "" {
		srv := metrics.SetupMetricsEndpoint(addr, logger)
		logger.Info("metrics endpoint listening", zap.String("addr", addr))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Setup signal handling for graceful shutdown. The command's context
	// lets tests cancel a run.
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	var summary runSummary
	if !opts.SkipRecovery {
		report, err := engine.Recover(ctx, rt.store, engine.WallClock{}, rt.cfg.Timers.RestartWindow(), logger, m)
		if err != nil {
			return f.Fail(ExitFailure, ErrCodeRecovery, "recovery failed", err)
		}
		summary.wiped = report.Wiped
	}

	gen := opts.TxIDGenerator
	if gen == nil {
		gen = engine.UUIDv7Generator{}
	}
	dispatcher := engine.NewDispatcher(
		rt.store,
		classifier(rt.cfg),
		table,
		registry,
		engine.WithLogger(logger),
		engine.WithMetrics(m),
		engine.WithTimers(rt.cfg.Timers),
		engine.WithQueueCapacity(rt.cfg.Queue.Capacity),
		engine.WithTxIDGenerator(gen),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})

	f.VerboseLog("dispatcher started, reading orders from %s", opts.Orders)
	serveErr := serveOrders(gctx, dispatcher, input, func(r engine.Reply) {
		summary.orders++
		if r.Result == txn.ResultOK {
			summary.ok++
		} else {
			summary.failed++
		}
		printReply(f, r)
	})

	dispatcher.Stop()
	runErr := g.Wait()
	logger.Info("dispatcher stopped",
		zap.Int("orders", summary.orders),
		zap.Int("failed", summary.failed),
		zap.Int("recovered", summary.wiped),
	)

	switch {
	case serveErr != nil && !errors.Is(serveErr, context.Canceled):
		return f.Fail(ExitCommandError, ErrCodeInput, "failed to read orders", serveErr)
	case runErr != nil && !errors.Is(runErr, context.Canceled):
		return WrapExitError(ExitFailure, "dispatcher error", runErr)
	}

	f.VerboseLog("served %d orders: %d ok, %d failed", summary.orders, summary.ok, summary.failed)
	if summary.failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d order(s) failed", summary.failed, summary.orders))
	}
	return nil
}

// openOrders opens the orders source. "-" or "" reads stdin.
func openOrders(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return stdin, func() {}, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { _ = file.Close() }, nil
}

// serveOrders submits each non-blank input line and hands every reply to
// emit, in input order. Lines are read on their own goroutine so a blocked
// read never delays shutdown.
func serveOrders(ctx context.Context, d *engine.Dispatcher, input io.Reader, emit func(engine.Reply)) error {
	type line struct {
		body []byte
		err  error
	}
	lines := make(chan line)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(input)
		scanner.Buffer(make([]byte, 0, 64*1024), maxOrderBytes)
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" || strings.HasPrefix(text, "#") {
				continue
			}
			select {
			case lines <- line{body: []byte(text)}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case lines <- line{err: err}:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			if l.err != nil {
				return l.err
			}
			reply, err := d.Do(ctx, engine.Request{Body: l.body})
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			emit(reply)
		}
	}
}

// printReply writes one reply: a JSON line in json mode, one summary line
// in text mode.
func printReply(f *OutputFormatter, r engine.Reply) {
	if f.Format == "json" {
		b, err := json.Marshal(r)
		if err != nil {
			fmt.Fprintf(f.GetErrWriter(), "encode reply: %v\n", err)
			return
		}
		fmt.Fprintln(f.Writer, string(b))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", r.TransactionID, r.Result)
	for _, d := range r.Devices {
		fmt.Fprintf(&b, " %s=%s", d.Name, d.Phase)
	}
	if r.Err != "" && r.Result != txn.ResultOK {
		fmt.Fprintf(&b, " (%s)", r.Err)
	}
	fmt.Fprintln(f.Writer, b.String())
}
