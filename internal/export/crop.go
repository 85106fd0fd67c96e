package export

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/local/cratere/internal/layout"
)

// FillJPEG crops src to the slot's aspect ratio around its centre and
// resamples the crop to the slot's pixel size at dpi. The result exactly
// covers the slot when placed over it.
func FillJPEG(src image.Image, s layout.Slot, dpi, quality int) ([]byte, image.Rectangle, error) {
	b := src.Bounds()
	crop := CenterCrop(b.Dx(), b.Dy(), s.Width/s.Height).Add(b.Min)

	pw, ph := PixelsFor(s.Width, dpi), PixelsFor(s.Height, dpi)
	dst := image.NewRGBA(image.Rect(0, 0, pw, ph))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, crop, draw.Over, nil)

	data, err := encodeJPEG(dst, quality)
	if err != nil {
		return nil, crop, err
	}
	return data, crop, nil
}

// FlattenJPEG re-encodes any image as JPEG over a white background.
func FlattenJPEG(src image.Image, quality int) ([]byte, error) {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return encodeJPEG(dst, quality)
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 95
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
