package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/local/cratere/internal/cms"
	"github.com/local/cratere/internal/designer"
	"github.com/local/cratere/internal/export"
	"github.com/local/cratere/internal/images"
	"github.com/local/cratere/internal/pdfcheck"
)

func newExportCmd(g *globals) *cobra.Command {
	var (
		manifest string
		output   string
		dpi      int
		proxy    string
		cdnBase  string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a book manifest to PDF",
		Long: `Reads a YAML manifest (title, layouts per spread, slot assignments),
fetches every image from the CMS CDN and writes an A4 PDF.

Images that cannot be fetched after the configured retries are left blank
and listed at the end; the PDF is still written.`,
		Example: `  bookctl export -f book.yaml
  bookctl export -f book.yaml -o proofs/book.pdf --dpi 150`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(manifest)
			if err != nil {
				return fmt.Errorf("open manifest: %w", err)
			}
			sess, err := designer.LoadManifest(f)
			f.Close()
			if err != nil {
				return err
			}

			cfg := g.cfg
			urls := cms.NewURLBuilder(cfg.CMS.ProjectID, cfg.CMS.Dataset)
			urls.Base = cdnBase
			fetcher := images.NewFetcher(images.FetcherConfig{
				ProxyBase:  proxy,
				Attempts:   cfg.Export.FetchAttempts,
				RetryDelay: cfg.Export.RetryDelay,
				Timeout:    cfg.Export.FetchTimeout,
			})
			if dpi <= 0 {
				dpi = cfg.Export.DPI
			}
			out := cmd.OutOrStdout()
			exp := export.New(fetcher, urls, export.Options{
				DPI:            dpi,
				JPEGQuality:    cfg.Export.JPEGQuality,
				SourceWidth:    cfg.Export.SourceWidth,
				SourceQuality:  cfg.Export.SourceQuality,
				MarkUnassigned: cfg.Export.MarkUnassigned,
				OnProgress: func(p export.Progress) {
					log.Info().Int("page", p.Page).Int("done", p.Done).Int("total", p.Total).Msg("page rendered")
				},
			})

			res, err := exp.Export(cmd.Context(), export.Request{
				Assignments: sess,
				Layouts:     sess.Book(),
				Title:       sess.Title,
			})
			if err != nil {
				return err
			}
			if _, err := pdfcheck.ExpectPages(res.PDF, res.Pages); err != nil {
				return err
			}

			if output == "" {
				output = res.Filename
			}
			if dir := filepath.Dir(output); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create output dir: %w", err)
				}
			}
			if err := os.WriteFile(output, res.PDF, 0o644); err != nil {
				return fmt.Errorf("write pdf: %w", err)
			}

			fmt.Fprintf(out, "wrote %s: %d pages, %d images placed, %d empty, %d unset\n",
				output, res.Pages, res.Placed, res.Empty, res.Unset)
			for _, fl := range res.Failures {
				fmt.Fprintf(out, "  blank %s (%s): %s\n", fl.Key(), fl.AssetRef, fl.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&manifest, "file", "f", "", "Book manifest (YAML)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output PDF (default: sanitised title)")
	cmd.Flags().IntVar(&dpi, "dpi", 0, "Raster resolution for fill slots (default from EXPORT_DPI)")
	cmd.Flags().StringVar(&proxy, "proxy", "", "Fetch images through this image-proxy origin")
	cmd.Flags().StringVar(&cdnBase, "cdn-base", "", "Override the image CDN origin")
	_ = cmd.Flags().MarkHidden("cdn-base")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
