package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/local/cratere/internal/layout"
)

func newLayoutsCmd() *cobra.Command {
	var (
		page   int
		kind   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "layouts",
		Short: "Print the slot geometry of every layout",
		Example: `  bookctl layouts
  bookctl layouts --page 7 --kind 4-vertical
  bookctl layouts --page 1 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds := layout.Kinds()
			if kind != "" {
				k, err := layout.ParseKind(kind)
				if err != nil {
					return err
				}
				kinds = []layout.Kind{k}
			}
			if page != 0 && !layout.ValidPage(page) {
				return fmt.Errorf("page must be %d..%d", layout.FirstPage, layout.LastPage)
			}

			type row struct {
				Kind layout.Kind `json:"kind"`
				Page int         `json:"page"`
				Key  string      `json:"key"`
				layout.Slot
			}
			var rows []row
			for _, k := range kinds {
				spread := 2
				if page != 0 {
					spread = layout.SpreadPage(page)
				}
				for _, s := range layout.SlotsFor(spread, k) {
					p := layout.EffectivePage(spread, s)
					rows = append(rows, row{Kind: k, Page: p, Key: layout.Key(p, s.ID), Slot: s})
				}
				if layout.IsSinglePage(spread) {
					// covers ignore the kind
					break
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tKEY\tLEFT\tTOP\tWIDTH\tHEIGHT\tCROP")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%.2f\t%.2f\t%.2f\t%.2f\t%s\n", r.Kind, r.Key, r.Left, r.Top, r.Width, r.Height, r.Mode())
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&page, "page", "p", 0, "Resolve slots for this page (default: a sample spread)")
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "Only this layout kind")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
