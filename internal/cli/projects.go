package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/local/cratere/internal/cms"
)

func newProjectsCmd(g *globals) *cobra.Command {
	var (
		commercial bool
		asJSON     bool
		baseURL    string
	)
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List portfolio images available for placement",
		Example: `  bookctl projects
  bookctl projects --commercial --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := g.cfg
			client := cms.NewClient(cms.Config{
				ProjectID:  cfg.CMS.ProjectID,
				Dataset:    cfg.CMS.Dataset,
				APIVersion: cfg.CMS.APIVersion,
				Token:      cfg.CMS.Token,
				UseCDN:     cfg.CMS.UseCDN,
				Timeout:    cfg.CMS.Timeout,
				BaseURL:    baseURL,
			})

			var (
				projects []cms.Project
				err      error
			)
			if commercial {
				projects, err = client.CommercialProjects(cmd.Context())
			} else {
				projects, err = client.Projects(cmd.Context())
			}
			if err != nil {
				return err
			}
			imgs := cms.Flatten(projects)
			if !commercial {
				cms.SortBySubject(imgs)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(imgs)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tTITLE\tYEAR\tASSET")
			for _, img := range imgs {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", img.Index, cms.DisplayTitle(img), img.Year, img.AssetRef)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&commercial, "commercial", false, "Commercial projects in CMS order")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	cmd.Flags().StringVar(&baseURL, "api-base", "", "Override the CMS API origin")
	_ = cmd.Flags().MarkHidden("api-base")
	return cmd
}
