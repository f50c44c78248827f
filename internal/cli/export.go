package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/kbase/internal/model"
	"github.com/roach88/kbase/internal/transfer"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Output      string
	Encoding    string // json | yaml | legacy; defaults from the output extension
	EmbedImages bool
}

// ExportSummary is printed after writing an export file.
type ExportSummary struct {
	Path  string `json:"path"`
	Items int    `json:"items"`
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every item as a portable document",
		Long: `Export every item with its pages and actions in creation order.

Without -o the document is written to stdout. The encoding follows the
output file extension unless --encoding is given; "legacy" writes the
grouped incidents/instructions shape of earlier releases.

Examples:
  kbase export -o backup.json --embed-images
  kbase export --encoding yaml > backup.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default stdout)")
	cmd.Flags().StringVar(&opts.Encoding, "encoding", "", "document encoding (json|yaml|legacy)")
	cmd.Flags().BoolVar(&opts.EmbedImages, "embed-images", false, "inline image bytes as base64")

	return cmd
}

func runExport(opts *ExportOptions, cmd *cobra.Command) error {
	encode, err := exportEncoder(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid export encoding", err)
	}

	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())

	doc, err := a.exporter.Export(cmd.Context(), transfer.ExportOptions{EmbedImages: opts.EmbedImages})
	if err != nil {
		return WrapModelError("export failed", err)
	}

	if opts.Output == "" {
		if err := encode(cmd.OutOrStdout(), doc); err != nil {
			return WrapExitError(ExitCommandError, "failed to write export", err)
		}
		return nil
	}

	f, err := os.Create(opts.Output)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create output file", err)
	}
	if err := encode(f, doc); err != nil {
		f.Close()
		return WrapExitError(ExitCommandError, "failed to write export", err)
	}
	if err := f.Close(); err != nil {
		return WrapExitError(ExitCommandError, "failed to write export", err)
	}

	summary := ExportSummary{Path: opts.Output, Items: len(doc.Items)}
	return a.out.Success(summary, func(w io.Writer) {
		fmt.Fprintf(w, "Exported %d items to %s\n", summary.Items, summary.Path)
	})
}

type encodeFunc func(io.Writer, *model.Document) error

func exportEncoder(opts *ExportOptions) (encodeFunc, error) {
	name := opts.Encoding
	if name == "" && opts.Output != "" {
		f, err := transfer.FormatForPath(opts.Output)
		if err != nil {
			return nil, err
		}
		name = string(f)
	}
	if name == "" {
		name = string(transfer.FormatJSON)
	}
	if name == "legacy" {
		return transfer.EncodeLegacy, nil
	}

	f, err := transfer.ParseFormat(name)
	if err != nil {
		return nil, err
	}
	return func(w io.Writer, doc *model.Document) error {
		return transfer.Encode(w, doc, f)
	}, nil
}
