package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/local/cratere/internal/preview"
)

func newPreviewCmd() *cobra.Command {
	var (
		input  string
		output string
		page   int
		dpi    int
		gray   bool
	)
	cmd := &cobra.Command{
		Use:     "preview",
		Short:   "Render one page of an exported PDF to JPEG",
		Example: `  bookctl preview -i book.pdf -p 2 -o page2.jpg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pdf, err := os.ReadFile(input)
			if err != nil {
				return fmt.Errorf("read pdf: %w", err)
			}
			mode := preview.ColorRGB
			if gray {
				mode = preview.ColorGray
			}
			p, err := preview.RenderPage(pdf, page, dpi, 85, mode)
			if err != nil {
				return err
			}
			if output == "" {
				output = fmt.Sprintf("page-%02d.jpg", page)
			}
			if err := os.WriteFile(output, p.JPEG, 0o644); err != nil {
				return fmt.Errorf("write jpeg: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%dx%d)\n", output, p.Width, p.Height)
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "Exported PDF")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output JPEG (default page-NN.jpg)")
	cmd.Flags().IntVarP(&page, "page", "p", 1, "Page number")
	cmd.Flags().IntVar(&dpi, "dpi", 100, "Render resolution")
	cmd.Flags().BoolVar(&gray, "gray", false, "Render in grayscale")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}
