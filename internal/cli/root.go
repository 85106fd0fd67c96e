package cli

import (
	"github.com/spf13/cobra"

	cfgpkg "github.com/local/cratere/internal/config"
	logpkg "github.com/local/cratere/internal/logger"
)

type globals struct {
	envFile  string
	logLevel string
	cfg      cfgpkg.Config
}

// NewRootCmd builds the bookctl command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:   "bookctl",
		Short: "Lay out and export 32-page photo books",
		Long: `bookctl works with the same layouts and exporter as the Cratere designer.

It can print the layout table, list portfolio images from the CMS and
export a book described by a YAML manifest straight to PDF.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var files []string
			if g.envFile != "" {
				files = append(files, g.envFile)
			}
			cfg, err := cfgpkg.Load(files...)
			if err != nil {
				return err
			}
			g.cfg = cfg
			return logpkg.Init(logpkg.Options{
				Level:   g.logLevel,
				Pretty:  true,
				Service: "bookctl",
				Stderr:  true,
			})
		},
	}
	cmd.PersistentFlags().StringVar(&g.envFile, "env-file", "", "Read configuration from this file instead of .env")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	cmd.AddCommand(newLayoutsCmd())
	cmd.AddCommand(newExportCmd(g))
	cmd.AddCommand(newProjectsCmd(g))
	cmd.AddCommand(newPreviewCmd())
	return cmd
}
