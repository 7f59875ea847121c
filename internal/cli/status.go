package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fabricd/internal/txn"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	TransactionID string // optional - show one transaction only
}

// TransactionStatus is one outstanding transaction as stored.
type TransactionStatus struct {
	ID          string         `json:"transaction_id"`
	Service     string         `json:"service,omitempty"`
	Order       string         `json:"order,omitempty"`
	Phase       string         `json:"phase"`
	DeviceCount int            `json:"device_count"`
	CreatedAt   *time.Time     `json:"created_at,omitempty"`
	Devices     []DeviceStatus `json:"devices"`
}

// DeviceStatus is one device row of a transaction.
type DeviceStatus struct {
	Name      string    `json:"name"`
	Phase     string    `json:"phase"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusResult lists what the store holds.
type StatusResult struct {
	Transactions []TransactionStatus `json:"transactions"`
}

// RenderText implements TextRenderer.
func (r StatusResult) RenderText(w io.Writer) {
	if len(r.Transactions) == 0 {
		fmt.Fprintln(w, "No outstanding transactions.")
		return
	}
	for _, t := range r.Transactions {
		fmt.Fprintf(w, "%s  %s %s  phase=%s  devices=%d/%d\n",
			t.ID, t.Service, t.Order, t.Phase, len(t.Devices), t.DeviceCount)
		for _, d := range t.Devices {
			fmt.Fprintf(w, "  %-24s %-16s %s\n", d.Name, d.Phase, d.UpdatedAt.Format(time.RFC3339))
		}
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show transactions held in the status store",
		Long: `List the transactions currently held in the status store and the last
phase each device wrote.

A live dispatcher holds at most one transaction; anything else is left over
from a previous process and will be wiped by recovery. Device rows without a
transaction row are listed too.

Examples:
  fabricd status --config fabricd.yaml
  fabricd status --transaction 0190f5c2-... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.TransactionID, "transaction", "t", "", "show one transaction")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	rt, err := openRuntime(opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer rt.Close()

	rows, err := rt.store.ListTransactions(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to list transactions", err)
	}
	byID := make(map[string]txn.Transaction, len(rows))
	for _, t := range rows {
		byID[t.ID] = t
	}

	ids, err := rt.store.ListOutstandingTransactions(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to list outstanding transactions", err)
	}

	result := StatusResult{Transactions: []TransactionStatus{}}
	for _, id := range ids {
		if opts.TransactionID != "" && id != opts.TransactionID {
			continue
		}

		ts := TransactionStatus{ID: id, Phase: txn.TxUnknown.String(), Devices: []DeviceStatus{}}
		if t, ok := byID[id]; ok {
			created := t.CreatedAt
			ts.Service = t.ServiceKind
			ts.Order = string(t.OrderKind)
			ts.Phase = t.Phase.String()
			ts.DeviceCount = t.DeviceCount
			ts.CreatedAt = &created
		}

		devices, err := rt.store.ListDeviceStatus(ctx, id)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeStore, "failed to list device status", err)
		}
		for _, d := range devices {
			ts.Devices = append(ts.Devices, DeviceStatus{
				Name:      d.DeviceName,
				Phase:     d.Phase.String(),
				UpdatedAt: d.UpdatedAt,
			})
		}
		result.Transactions = append(result.Transactions, ts)
	}

	if opts.TransactionID != "" && len(result.Transactions) == 0 {
		return f.Fail(ExitFailure, ErrCodeNotFound,
			fmt.Sprintf("transaction not found: %s", opts.TransactionID), nil)
	}

	return f.Success(result)
}
