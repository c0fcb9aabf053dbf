package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/trustgraph/trustops/internal/op"
)

// ApplyOptions holds flags for the apply command.
type ApplyOptions struct {
	*RootOptions
	Limit    int
	Follow   bool          // keep applying until interrupted
	Interval time.Duration // poll interval with --follow
}

type applySummary struct {
	Applied []*op.Operation  `json:"operations"`
	Counts  map[op.State]int `json:"counts"`
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply pending operations to the graph",
		Long: `Run the apply handler on stored init operations, oldest first, and save
the graph snapshot.

Each operation is evaluated at most once; its terminal state (applied,
failed, ignored) is stored with its result. Operations interrupted by a
store failure before they touched the graph stay pending.

With --follow the command keeps running: every --interval it queues the
pending operations for the engine's apply loop and saves the graph
snapshot. It stops on SIGINT or SIGTERM after the operation in progress.

Examples:
  trustops apply --config trustops.yaml --limit 100
  trustops apply --config trustops.yaml --follow --interval 5s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Follow {
				return followPending(opts, cmd)
			}
			return applyPending(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "apply at most this many operations (0 = all)")
	cmd.Flags().BoolVar(&opts.Follow, "follow", false, "keep applying new operations until interrupted")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 2*time.Second, "poll interval with --follow")
	cmd.MarkFlagsMutuallyExclusive("limit", "follow")

	return cmd
}

func applyPending(opts *ApplyOptions, cmd *cobra.Command) error {
	n, err := openNode(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer n.Close()

	applied, applyErr := n.engine.ApplyPending(commandContext(cmd), opts.Limit)
	if err := n.saveGraph(); err != nil {
		return err
	}
	if applyErr != nil {
		return reportOperationError(opts.formatter(cmd), "apply interrupted", applyErr)
	}

	summary := applySummary{Applied: applied, Counts: map[op.State]int{}}
	for _, o := range applied {
		summary.Counts[o.State]++
	}

	return opts.formatter(cmd).Success(summary, "", func(w io.Writer) {
		for _, o := range applied {
			fmt.Fprintf(w, "%-9s %s %s\n", o.State, o.Key, o.Name())
			if o.State == op.StateFailed {
				fmt.Fprintf(w, "          %v\n", o.Result["error"])
			}
		}
		fmt.Fprintf(w, "%d applied, %d failed, %d ignored, %d duplicate\n",
			summary.Counts[op.StateApplied],
			summary.Counts[op.StateFailed],
			summary.Counts[op.StateIgnored],
			summary.Counts[op.StateDuplicate],
		)
	})
}

// followPending runs the engine's apply loop and feeds it pending records
// until the command's context is cancelled. The graph snapshot is saved
// after every poll that found work, and once more on the way out.
func followPending(opts *ApplyOptions, cmd *cobra.Command) error {
	if opts.Interval <= 0 {
		return NewExitError(ExitCommandError, "--interval must be positive")
	}
	n, err := openNode(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer n.Close()

	ctx := commandContext(cmd)
	done := make(chan error, 1)
	go func() { done <- n.engine.Run(ctx) }()

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	dirty := false
	for ctx.Err() == nil {
		fed, err := n.engine.FeedPending(ctx)
		if err != nil && ctx.Err() == nil {
			n.logger.Error("poll pending operations", "error", err)
		}
		if fed > 0 {
			n.logger.Debug("queued pending operations", "count", fed)
			dirty = true
		}
		if dirty && n.engine.Idle() {
			if err := n.saveGraph(); err != nil {
				n.logger.Error("save graph snapshot", "error", err)
			} else {
				dirty = false
			}
		}

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}

	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitCommandError, "apply loop stopped", err)
	}
	if err := n.saveGraph(); err != nil {
		return err
	}

	counts, err := n.store.CountByState(context.WithoutCancel(ctx))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count operations", err)
	}
	return opts.formatter(cmd).Success(applySummary{Counts: counts}, "", func(w io.Writer) {
		fmt.Fprintf(w, "stopped: %d applied, %d failed, %d ignored, %d duplicate, %d pending\n",
			counts[op.StateApplied],
			counts[op.StateFailed],
			counts[op.StateIgnored],
			counts[op.StateDuplicate],
			counts[op.StateInit],
		)
	})
}
