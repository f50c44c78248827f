package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/kbase/internal/web"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string // overrides server.addr
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API and the background image sweeper.

The server stops gracefully on SIGINT or SIGTERM.

Examples:
  kbase serve
  kbase serve --config /etc/kbase.yaml --addr :9000`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer a.Close(context.Background())

	addr := a.cfg.Server.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	if a.cfg.Server.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := web.NewServer(a.engine, a.blobs, a.exporter, a.importer, web.Options{
		Logger:         a.logger,
		MaxUploadBytes: a.cfg.Images.MaxBytes,
	})

	fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s. Press Ctrl-C to stop.\n", addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, addr, a.cfg.Server.ShutdownTimeout)
	})
	g.Go(func() error {
		err := a.engine.Sweeper().Run(gctx, a.cfg.Sweep.Interval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitCommandError, "server error", err)
	}
	a.logger.Info("server stopped gracefully")
	return nil
}
