package images

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/webp"
)

// Format names as reported by Decoded.Format.
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatGIF  = "gif"
	FormatWEBP = "webp"
)

var ErrUnsupportedFormat = errors.New("unsupported image format")

// Decoded is a fetched image after content sniffing and decoding.
type Decoded struct {
	Image  image.Image
	Format string
	MIME   string
	Width  int
	Height int
	// Raw holds the original bytes so embeddable formats can skip re-encoding.
	Raw []byte
}

// Embeddable reports whether the PDF writer can take Raw without re-encoding.
func (d *Decoded) Embeddable() bool {
	switch d.Format {
	case FormatJPEG, FormatPNG, FormatGIF:
		return true
	}
	return false
}

// Detect sniffs the content type from magic bytes, ignoring whatever the
// server claimed.
func Detect(data []byte) (format, mime string, err error) {
	mt := mimetype.Detect(data)
	mime = mt.String()
	switch {
	case mt.Is("image/jpeg"):
		format = FormatJPEG
	case mt.Is("image/png"):
		format = FormatPNG
	case mt.Is("image/gif"):
		format = FormatGIF
	case mt.Is("image/webp"):
		format = FormatWEBP
	default:
		return "", mime, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mime)
	}
	return format, mime, nil
}

// Decode detects and decodes an image.
func Decode(data []byte) (*Decoded, error) {
	format, mime, err := Detect(data)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(data)
	var img image.Image
	switch format {
	case FormatJPEG:
		img, err = jpeg.Decode(r)
	case FormatPNG:
		img, err = png.Decode(r)
	case FormatGIF:
		img, err = gif.Decode(r)
	case FormatWEBP:
		img, err = webp.Decode(r)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}

	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("decode %s: empty image", format)
	}
	log.Debug().Str("mime", mime).Int("width", b.Dx()).Int("height", b.Dy()).Msg("decoded image")

	return &Decoded{
		Image:  img,
		Format: format,
		MIME:   mime,
		Width:  b.Dx(),
		Height: b.Dy(),
		Raw:    data,
	}, nil
}
