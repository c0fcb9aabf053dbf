package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/trustgraph/trustops/internal/op"
	"github.com/trustgraph/trustops/internal/store"
)

type recordView struct {
	Seq          int64         `json:"seq"`
	SubmittedKey string        `json:"submittedKey,omitempty"`
	Duplicates   int           `json:"duplicates,omitempty"`
	Operation    *op.Operation `json:"operation"`
}

func viewOf(rec store.Record) recordView {
	return recordView{
		Seq:          rec.Seq,
		SubmittedKey: rec.SubmittedKey,
		Duplicates:   rec.Duplicates,
		Operation:    rec.Operation,
	}
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Show a stored operation",
		Long: `Print the stored record of an operation by content key. Link ContextId
records are shown sealed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer n.Close()

			rec, err := n.store.ReadOperation(commandContext(cmd), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return WrapExitError(ExitFailure, "operation not found", err)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read operation", err)
			}

			data, err := op.EncodeRecord(rec.Operation)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to encode operation", err)
			}
			return rootOpts.formatter(cmd).Success(viewOf(*rec), "", func(w io.Writer) {
				fmt.Fprintf(w, "seq:   %d\n", rec.Seq)
				fmt.Fprintf(w, "state: %s\n", rec.Operation.State)
				if rec.SubmittedKey != "" {
					fmt.Fprintf(w, "submitted as: %s\n", rec.SubmittedKey)
				}
				if rec.Duplicates > 0 {
					fmt.Fprintf(w, "duplicates: %d\n", rec.Duplicates)
				}
				fmt.Fprintf(w, "%s\n", data)
			})
		},
	}
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	State string
	Limit int
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored operations",
		Long: `List stored operations in the order they were recorded, optionally
filtered by state (init, applied, failed, ignored, duplicate).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listOperations(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.State, "state", "", "only list operations in this state")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "list at most this many operations (0 = all)")

	return cmd
}

func listOperations(opts *ListOptions, cmd *cobra.Command) error {
	state := op.State(opts.State)
	if state != "" && state != op.StateInit && !state.Terminal() {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown state %q", opts.State))
	}

	n, err := openNode(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer n.Close()

	recs, err := n.store.ListOperations(commandContext(cmd), state, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list operations", err)
	}

	views := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, viewOf(rec))
	}
	return opts.formatter(cmd).Success(views, "", func(w io.Writer) {
		for _, rec := range recs {
			fmt.Fprintf(w, "%6d %-9s %s %s\n", rec.Seq, rec.Operation.State, rec.Operation.Key, rec.Operation.Name())
		}
	})
}
