package export

import (
	"image"
	"math"

	"github.com/local/cratere/internal/layout"
)

const mmPerInch = 25.4

// Rect is a placement rectangle on the page in millimetres.
type Rect struct {
	X, Y, W, H float64
}

// SlotRect is the full area of a slot.
func SlotRect(s layout.Slot) Rect {
	return Rect{X: s.Left, Y: s.Top, W: s.Width, H: s.Height}
}

// FitRect scales an imgW x imgH image to fit entirely inside the slot,
// preserving its aspect ratio, and centres it on both axes.
func FitRect(s layout.Slot, imgW, imgH int) Rect {
	if imgW <= 0 || imgH <= 0 {
		return SlotRect(s)
	}
	scale := math.Min(s.Width/float64(imgW), s.Height/float64(imgH))
	w := float64(imgW) * scale
	h := float64(imgH) * scale
	return Rect{
		X: s.Left + (s.Width-w)/2,
		Y: s.Top + (s.Height-h)/2,
		W: w,
		H: h,
	}
}

// CenterCrop returns the largest centred region of an imgW x imgH image
// whose aspect ratio equals ratio (width / height). The region is relative to
// the image origin and always lies within it.
func CenterCrop(imgW, imgH int, ratio float64) image.Rectangle {
	if imgW <= 0 || imgH <= 0 || ratio <= 0 {
		return image.Rect(0, 0, max(imgW, 0), max(imgH, 0))
	}
	imgRatio := float64(imgW) / float64(imgH)

	x0, y0, w, h := 0, 0, imgW, imgH
	if imgRatio > ratio {
		// wider than the slot: trim left and right
		w = int(math.Round(float64(imgH) * ratio))
		x0 = int(math.Round(float64(imgW-w) / 2))
	} else {
		// taller than the slot: trim top and bottom
		h = int(math.Round(float64(imgW) / ratio))
		y0 = int(math.Round(float64(imgH-h) / 2))
	}

	w = clamp(w, 1, imgW)
	h = clamp(h, 1, imgH)
	x0 = clamp(x0, 0, imgW-w)
	y0 = clamp(y0, 0, imgH-h)
	return image.Rect(x0, y0, x0+w, y0+h)
}

// PixelsFor converts a length in millimetres to pixels at dpi.
func PixelsFor(mm float64, dpi int) int {
	return max(1, int(math.Round(mm*float64(dpi)/mmPerInch)))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
