package export

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/go-pdf/fpdf"
)

// Document is the page sink the exporter draws into.
type Document interface {
	AddPage()
	// PlaceImage embeds encoded image data (format "jpeg", "png" or "gif")
	// under name and draws it at r. A failed placement leaves the page as it was.
	PlaceImage(name string, data []byte, format string, r Rect) error
	// OutlineRect draws a thin grey frame, used for proof marks.
	OutlineRect(r Rect)
	PageCount() int
	Output(w io.Writer) error
}

// DocumentFactory opens a new, empty document.
type DocumentFactory func(title string) Document

type pdfDocument struct {
	pdf *fpdf.Fpdf
}

// NewPDFDocument opens an A4 portrait document measured in millimetres with
// no margins and no automatic page breaks.
func NewPDFDocument(title string) Document {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetCreator("cratere", true)
	if title != "" {
		pdf.SetTitle(title, true)
	}
	return &pdfDocument{pdf: pdf}
}

func (d *pdfDocument) AddPage() { d.pdf.AddPage() }

func (d *pdfDocument) PlaceImage(name string, data []byte, format string, r Rect) error {
	opts := fpdf.ImageOptions{ImageType: imageType(format), ReadDpi: false}
	d.pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(data))
	if err := d.pdf.Error(); err != nil {
		// fpdf errors are sticky; the next slot must start clean
		d.pdf.ClearError()
		return fmt.Errorf("register image %s: %w", name, err)
	}
	d.pdf.ImageOptions(name, r.X, r.Y, r.W, r.H, false, opts, 0, "")
	if err := d.pdf.Error(); err != nil {
		d.pdf.ClearError()
		return fmt.Errorf("draw image %s: %w", name, err)
	}
	return nil
}

func (d *pdfDocument) OutlineRect(r Rect) {
	d.pdf.SetDrawColor(200, 200, 200)
	d.pdf.SetLineWidth(0.2)
	d.pdf.Rect(r.X, r.Y, r.W, r.H, "D")
}

func (d *pdfDocument) PageCount() int { return d.pdf.PageCount() }

func (d *pdfDocument) Output(w io.Writer) error {
	if err := d.pdf.Output(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

func imageType(format string) string {
	switch strings.ToLower(format) {
	case "png":
		return "PNG"
	case "gif":
		return "GIF"
	default:
		return "JPG"
	}
}
