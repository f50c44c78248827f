package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/kbase/internal/transfer"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	Mode string
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a document in replace or merge mode",
		Long: `Import a JSON or YAML document, including legacy grouped exports.

replace deletes every item and recreates the document's items in one
transaction; any failing item aborts the whole import.
merge updates items whose id exists and creates the rest, reporting an
outcome per item.

Exit codes:
  0 - Every item imported
  1 - The document was rejected or some items failed
  2 - Command error (unreadable file, database error)

Examples:
  kbase import backup.json --mode replace
  kbase import playbooks.yaml --mode merge --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Mode, "mode", string(transfer.ModeMerge), "import mode (replace|merge)")

	return cmd
}

func runImport(opts *ImportOptions, path string, cmd *cobra.Command) error {
	mode, err := transfer.ParseMode(opts.Mode)
	if err != nil {
		return WrapModelError("invalid import mode", err)
	}
	format, err := transfer.FormatForPath(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "unsupported document", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open document", err)
	}
	doc, err := transfer.Decode(f, format)
	f.Close()
	if err != nil {
		return WrapModelError("failed to read document", err)
	}

	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())

	report, err := a.importer.Import(cmd.Context(), doc, mode)
	if err != nil {
		return WrapModelError("import failed", err)
	}

	if err := a.out.Success(report, func(w io.Writer) { printReport(w, report) }); err != nil {
		return err
	}
	if n := report.Failed(); n > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d items failed to import", n, len(report.Items)))
	}
	return nil
}

func printReport(w io.Writer, r *transfer.Report) {
	for _, res := range r.Items {
		line := fmt.Sprintf("  [%d] %-9s %s %q", res.Index, res.Outcome, res.Kind, res.Title)
		if res.Outcome == transfer.OutcomeFailed {
			line += fmt.Sprintf(": %s", res.Reason)
		}
		fmt.Fprintln(w, line)
	}
	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
	fmt.Fprintf(w, "Import (%s): %d created, %d updated, %d unchanged, %d failed\n",
		r.Mode,
		r.Counts[transfer.OutcomeCreated],
		r.Counts[transfer.OutcomeUpdated],
		r.Counts[transfer.OutcomeUnchanged],
		r.Failed(),
	)
}
