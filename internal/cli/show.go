package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/kbase/internal/model"
)

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one item with its pages and actions",
		Example: `  kbase show 0191e5a2-7c3b-7def-8a12-3456789abcde
  kbase show 0191e5a2-7c3b-7def-8a12-3456789abcde --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			it, err := a.engine.Get(cmd.Context(), args[0])
			if err != nil {
				return WrapModelError("show failed", err)
			}
			return a.out.Success(it, func(w io.Writer) { printItem(w, it) })
		},
	}
}

// SearchOptions holds flags for the search command.
type SearchOptions struct {
	*RootOptions
	Kind string
}

// NewSearchCommand creates the search command.
func NewSearchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SearchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find items by title",
		Long: `Find items whose title contains the query, ignoring case.

Examples:
  kbase search boiler
  kbase search "line stop" --kind incident`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.RootOptions, cmd)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			found, err := a.engine.Search(cmd.Context(), args[0], model.Kind(opts.Kind))
			if err != nil {
				return WrapModelError("search failed", err)
			}
			return a.out.Success(found, func(w io.Writer) {
				if len(found) == 0 {
					fmt.Fprintln(w, "No items found.")
					return
				}
				for _, s := range found {
					fmt.Fprintf(w, "%s  %-11s %s (%d pages)\n", s.ID, s.Kind, s.Title, s.PageCount)
				}
			})
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", "", "restrict to one kind (incident|instruction)")

	return cmd
}

func printItem(w io.Writer, it *model.Item) {
	fmt.Fprintf(w, "%s [%s] %s\n", it.Title, it.Kind, it.ID)
	fmt.Fprintf(w, "  updated %s\n", it.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	for i, p := range it.Pages {
		line := fmt.Sprintf("  %d. %s", i+1, p.Title)
		if p.TimeEstimate != nil {
			line += " (" + strconv.FormatFloat(*p.TimeEstimate, 'f', -1, 64) + " min)"
		}
		if p.ImageKey != "" {
			line += " [image " + p.ImageKey + "]"
		}
		fmt.Fprintln(w, line)
		for j, act := range p.Actions {
			fmt.Fprintf(w, "     %d.%d %s\n", i+1, j+1, act.Text)
		}
	}
}
