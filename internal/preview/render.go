package preview

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"

	"github.com/gen2brain/go-fitz"
	"github.com/rs/zerolog/log"
)

// ColorMode defines the color mode for rendering
type ColorMode string

const (
	ColorRGB  ColorMode = "rgb"
	ColorGray ColorMode = "gray"
)

// Page is one rendered preview.
type Page struct {
	JPEG   []byte
	Width  int
	Height int
}

// RenderPage renders a 1-based page of an in-memory PDF as JPEG.
func RenderPage(pdf []byte, pageNum, dpi, quality int, mode ColorMode) (*Page, error) {
	if dpi <= 0 {
		dpi = 72
	}
	if quality <= 0 || quality > 100 {
		quality = 80
	}

	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	if pageNum < 1 || pageNum > doc.NumPage() {
		return nil, fmt.Errorf("page %d out of range 1..%d", pageNum, doc.NumPage())
	}

	// go-fitz uses 0-based indexing
	img, err := doc.ImageDPI(pageNum-1, float64(dpi))
	if err != nil {
		return nil, fmt.Errorf("failed to render page %d: %w", pageNum, err)
	}

	bounds := img.Bounds()
	var final image.Image = img
	if mode == ColorGray {
		gray := image.NewGray(bounds)
		draw.Draw(gray, bounds, img, bounds.Min, draw.Src)
		final = gray
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, final, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}

	log.Debug().
		Int("page", pageNum).
		Int("width", bounds.Dx()).
		Int("height", bounds.Dy()).
		Int("dpi", dpi).
		Str("color", string(mode)).
		Int("jpeg_size", buf.Len()).
		Msg("rendered preview page")

	return &Page{JPEG: buf.Bytes(), Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

// PageCount opens pdf with MuPDF and returns its page count.
func PageCount(pdf []byte) (int, error) {
	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return 0, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()
	return doc.NumPage(), nil
}
