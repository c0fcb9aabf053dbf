package cli

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/trustgraph/trustops/internal/engine"
	"github.com/trustgraph/trustops/internal/op"
)

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <operation.json>",
		Short: "Run the ingestion handler on an operation",
		Long: `Authenticate and admit a signed operation and store it as init.

Checks run in order: protocol version, timestamp, content key, duplicate,
signatures, rate limit. A rejected operation is not stored; the exit code
is 1 and the error carries its code. Use - to read from stdin.

Example:
  trustops submit --config trustops.yaml ./add-connection.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := readOperation(cmd, args[0])
			if err != nil {
				return err
			}
			n, err := openNode(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer n.Close()

			f := rootOpts.formatter(cmd)
			receipt, err := n.engine.Submit(commandContext(cmd), o)
			if err != nil {
				return reportOperationError(f, "operation rejected", err)
			}
			return f.Success(receipt, receipt.TraceID, func(w io.Writer) {
				writeReceipt(w, receipt)
			})
		},
	}
}

func writeReceipt(w io.Writer, r *engine.Receipt) {
	fmt.Fprintf(w, "%s %s\n", r.State, r.Key)
	if r.SubmittedKey != "" {
		fmt.Fprintf(w, "  submitted as %s\n", r.SubmittedKey)
	}
}

// processResult is the outcome of one line of a process batch.
type processResult struct {
	Line   int       `json:"line"`
	Key    string    `json:"key,omitempty"`
	State  op.State  `json:"state,omitempty"`
	Result op.Result `json:"result,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// NewProcessCommand creates the process command.
func NewProcessCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "process <operations.jsonl>",
		Short: "Submit and apply a batch of operations",
		Long: `Read one operation record per line, submit it, and apply it before
moving to the next line, so later operations see the effects of earlier
ones. Rejections are reported per line and do not stop the batch. The
graph snapshot is saved at the end.

Example:
  trustops process --config trustops.yaml ./day-1.jsonl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return processBatch(rootOpts, args[0], cmd)
		},
	}
}

func processBatch(opts *RootOptions, path string, cmd *cobra.Command) error {
	in := cmd.InOrStdin()
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open batch", err)
		}
		defer file.Close()
		in = file
	}

	n, err := openNode(cmd, opts)
	if err != nil {
		return err
	}
	defer n.Close()
	ctx := commandContext(cmd)

	var results []processResult
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		res := processResult{Line: line}

		o, err := op.DecodeRecord(raw)
		if err != nil {
			res.Error = describeError(err)
			results = append(results, res)
			continue
		}
		receipt, err := n.engine.Submit(ctx, o)
		if err != nil {
			res.Key = o.Key
			res.Error = describeError(err)
			if op.IsCode(err, op.CodeUnavailable) {
				return reportOperationError(opts.formatter(cmd), fmt.Sprintf("line %d", line), err)
			}
			results = append(results, res)
			continue
		}

		applied, err := n.engine.ApplyPending(ctx, 0)
		if err != nil {
			// Keep what earlier lines already applied.
			if saveErr := n.saveGraph(); saveErr != nil {
				n.logger.Error("save graph snapshot", "error", saveErr)
			}
			return reportOperationError(opts.formatter(cmd), fmt.Sprintf("line %d", line), err)
		}
		res.Key = receipt.Key
		res.State = receipt.State
		for _, a := range applied {
			if a.Key == receipt.Key {
				res.State = a.State
				res.Result = a.Result
			}
		}
		results = append(results, res)
	}
	if err := scanner.Err(); err != nil {
		return WrapExitError(ExitCommandError, "failed to read batch", err)
	}

	if err := n.saveGraph(); err != nil {
		return err
	}

	return opts.formatter(cmd).Success(results, "", func(w io.Writer) {
		for _, r := range results {
			if r.Error != nil {
				fmt.Fprintf(w, "%4d rejected [%s] %s\n", r.Line, r.Error.Code, r.Error.Message)
				continue
			}
			fmt.Fprintf(w, "%4d %-9s %s\n", r.Line, r.State, r.Key)
		}
	})
}
