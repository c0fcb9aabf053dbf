package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/trustgraph/trustops/internal/config"
	"github.com/trustgraph/trustops/internal/engine"
	"github.com/trustgraph/trustops/internal/graph"
	"github.com/trustgraph/trustops/internal/op"
	"github.com/trustgraph/trustops/internal/store"
)

// node is one CLI invocation's view of a trustops node: the operation
// store, the graph loaded from its snapshot and an engine over both.
type node struct {
	cfg    *config.Config
	store  *store.Store
	graph  *graph.Memory
	engine *engine.Engine
	logger *slog.Logger
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if opts.Database != "" {
		cfg.Database.Path = opts.Database
	}
	return cfg, nil
}

// openNode loads the configuration, opens the store and the graph
// snapshot, seeds the configured contexts and builds the engine. Logs go
// to the command's error stream.
func openNode(cmd *cobra.Command, opts *RootOptions) (*node, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := newLogger(cfg.Logging, opts.Verbose, cmd.ErrOrStderr())

	g := graph.NewMemory()
	if cfg.Graph.Snapshot != "" {
		g, err = graph.LoadSnapshot(cfg.Graph.Snapshot)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load graph snapshot", err)
		}
	}
	for _, c := range cfg.GraphContexts() {
		g.SeedContext(c)
	}

	logger.Debug("opening database", "path", cfg.Database.Path)
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	eng, err := engine.New(commandContext(cmd), st, g,
		engine.WithSettings(cfg.EngineSettings()),
		engine.WithLogger(logger),
	)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to start engine", err)
	}

	return &node{cfg: cfg, store: st, graph: g, engine: eng, logger: logger}, nil
}

// saveGraph writes the graph snapshot back, when one is configured.
func (n *node) saveGraph() error {
	if n.cfg.Graph.Snapshot == "" {
		n.logger.Warn("graph.snapshot is not configured; graph changes are discarded")
		return nil
	}
	if err := graph.SaveSnapshot(n.cfg.Graph.Snapshot, n.graph); err != nil {
		return WrapExitError(ExitCommandError, "failed to save graph snapshot", err)
	}
	return nil
}

func (n *node) Close() {
	if err := n.store.Close(); err != nil {
		n.logger.Error("error closing database", "error", err)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// readOperation parses one operation record from path, or from stdin when
// path is "-".
func readOperation(cmd *cobra.Command, path string) (*op.Operation, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read operation", err)
	}

	o, err := op.DecodeRecord(data)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to parse %s", path), err)
	}
	return o, nil
}
