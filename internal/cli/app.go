package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/kbase/internal/blob"
	"github.com/roach88/kbase/internal/config"
	"github.com/roach88/kbase/internal/imaging"
	"github.com/roach88/kbase/internal/reconcile"
	"github.com/roach88/kbase/internal/store"
	"github.com/roach88/kbase/internal/transfer"
)

// app is the set of components one command invocation works with.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	blobs    *blob.Store
	engine   *reconcile.Engine
	exporter *transfer.Exporter
	importer *transfer.Importer
	out      *OutputFormatter
}

// openApp loads configuration, applies flag overrides and opens both
// stores. Callers must Close the result.
func openApp(opts *RootOptions, cmd *cobra.Command, overrides ...func(*config.Config)) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database.Path = opts.Database
	}
	if opts.Uploads != "" {
		cfg.Blobs.Dir = opts.Uploads
	}
	for _, override := range overrides {
		override(cfg)
	}

	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logLevel,
	}))

	logger.Debug("opening database", "path", cfg.Database.Path)
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	blobs, err := blob.NewAt(cfg.Blobs.Dir)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open image directory", err)
	}
	if err := blobs.GarbageCollect(cmd.Context()); err != nil {
		logger.Warn("could not remove interrupted image writes", "error", err)
	}

	eng := reconcile.New(st, blobs, imaging.New(blobs, cfg.Images, logger), reconcile.Options{
		Logger:           logger,
		SweepGrace:       sweepGrace(cfg.Sweep.Grace),
		SweepParallelism: cfg.Sweep.Parallelism,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		blobs:    blobs,
		engine:   eng,
		exporter: transfer.NewExporter(eng, blobs, nil, logger),
		importer: transfer.NewImporter(eng, blobs, logger),
		out: &OutputFormatter{
			Format:    opts.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: cmd.ErrOrStderr(),
			Verbose:   opts.Verbose,
		},
	}, nil
}

// Close flushes scheduled image deletions and closes the database.
func (a *app) Close(ctx context.Context) {
	if len(a.engine.Sweeper().Pending()) > 0 {
		if _, err := a.engine.Sweeper().Flush(ctx); err != nil {
			a.logger.Warn("could not remove orphaned images", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// sweepGrace maps a configured grace period onto reconcile.Options, where
// zero selects the default. A configured zero means no grace at all.
func sweepGrace(d time.Duration) time.Duration {
	if d == 0 {
		return reconcile.NoSweepGrace
	}
	return d
}
