package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/dss/internal/config"
	"github.com/roach88/dss/internal/driver"
	"github.com/roach88/dss/internal/engine"
	"github.com/roach88/dss/internal/harness"
	"github.com/roach88/dss/internal/reindex"
	"github.com/roach88/dss/internal/store"
	"github.com/roach88/dss/internal/visitation"
)

// app is the wiring shared by commands that open a database.
type app struct {
	cfg    *config.Config
	store  *store.Store
	engine *engine.Engine
	logger *slog.Logger
}

func openApp(opts *RootOptions, cmd *cobra.Command) (*app, error) {
	logger := newLogger(opts, cmd.ErrOrStderr())

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}

	logger.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	names := opts.Names
	if names == nil {
		names = visitation.UUIDv7Generator{}
	}
	reg := harness.NewRegistry(reindex.Deps{
		Replicas:     st.Replicas(cfg.Policy.PageSize, cfg.ReplicaNames()...),
		Indexer:      st,
		IndexTimeout: cfg.Policy.IndexTimeout,
	}, names)

	eng := engine.New(st, driver.New(reg, logger),
		engine.WithPolicy(cfg.EnginePolicy()),
		engine.WithLogger(logger),
	)
	return &app{cfg: cfg, store: st, engine: eng, logger: logger}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// bucket returns the explicit bucket or the configured bucket of replica.
func (a *app) bucket(replica, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return a.cfg.Replicas[replica].Bucket
}

// newLogger configures logging based on the verbose flag.
func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// signalContext returns a context cancelled on SIGINT or SIGTERM. The
// command's context is the parent when set, so tests can cancel too.
func signalContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, checkpointing and stopping", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
