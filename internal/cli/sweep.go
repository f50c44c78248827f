package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/kbase/internal/config"
)

// SweepOptions holds flags for the sweep command.
type SweepOptions struct {
	*RootOptions
	Grace time.Duration
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SweepOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete stored images no page references",
		Long: `Scan the image directory and delete every image no page references.

Images younger than the grace period are kept so uploads that have not
been attached yet survive.

Examples:
  kbase sweep
  kbase sweep --grace 0s`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Grace, "grace", -1, "keep unreferenced images younger than this (default from config)")

	return cmd
}

func runSweep(opts *SweepOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, cmd, func(cfg *config.Config) {
		if opts.Grace >= 0 {
			cfg.Sweep.Grace = opts.Grace
		}
	})
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())

	stats, err := a.engine.Sweeper().SweepAll(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "sweep failed", err)
	}
	return a.out.Success(stats, func(w io.Writer) {
		fmt.Fprintf(w, "Swept %d images: %d deleted, %d kept, %d already gone\n",
			stats.Scanned, stats.Deleted, stats.Kept, stats.Missing)
	})
}
