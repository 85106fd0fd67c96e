package layout

import (
	"fmt"
	"strings"
)

// A4 portrait, millimetres.
const (
	PageWidthMM  = 210.0
	PageHeightMM = 297.0
)

// AspectRatio is the declared shape class of a slot.
type AspectRatio string

const (
	AspectSquare    AspectRatio = "square"
	AspectLandscape AspectRatio = "3:2"
	AspectPortrait  AspectRatio = "2:3"
	AspectFree      AspectRatio = "free"
)

// CropMode decides how an image is placed into a slot.
type CropMode string

const (
	// CropFit scales the whole image into the slot, letterboxing if needed.
	CropFit CropMode = "fit"
	// CropFill center-crops the image to the slot's aspect ratio and covers it.
	CropFill CropMode = "fill"
)

// Kind selects one of the canned spread layouts.
type Kind string

const (
	KindLargeTop       Kind = "large-top"
	KindMediumCentered Kind = "medium-centered"
	KindFourHorizontal Kind = "4-horizontal"
	KindFourVertical   Kind = "4-vertical"
)

// DefaultKind is used for spreads that never had a layout chosen.
const DefaultKind = KindLargeTop

var kindLabels = []struct {
	kind  Kind
	label string
}{
	{KindLargeTop, "Large, on top"},
	{KindMediumCentered, "Medium, centered"},
	{KindFourHorizontal, "4 horizontal images"},
	{KindFourVertical, "4 vertical images"},
}

// Kinds returns every layout kind in menu order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kindLabels))
	for _, kl := range kindLabels {
		out = append(out, kl.kind)
	}
	return out
}

// Label returns the menu label of k.
func (k Kind) Label() string {
	for _, kl := range kindLabels {
		if kl.kind == k {
			return kl.label
		}
	}
	return string(k)
}

// ParseKind validates s as a layout kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSpace(s))
	for _, kl := range kindLabels {
		if kl.kind == k {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown layout kind %q", s)
}

// Slot is a fixed rectangular placement region on a page.
type Slot struct {
	ID     string      `json:"id" yaml:"id"`
	Width  float64     `json:"width_mm" yaml:"width_mm"`
	Height float64     `json:"height_mm" yaml:"height_mm"`
	Left   float64     `json:"left_mm" yaml:"left_mm"`
	Top    float64     `json:"top_mm" yaml:"top_mm"`
	Aspect AspectRatio `json:"aspect_ratio,omitempty" yaml:"aspect_ratio,omitempty"`
	Crop   CropMode    `json:"crop_mode,omitempty" yaml:"crop_mode,omitempty"`
}

// Side reports which half of a spread the slot belongs to: "left", "right" or "".
func (s Slot) Side() string {
	switch {
	case strings.HasPrefix(s.ID, "left-"):
		return SideLeft
	case strings.HasPrefix(s.ID, "right-"):
		return SideRight
	}
	return ""
}

// Mode returns the slot's crop mode, defaulting to fit.
func (s Slot) Mode() CropMode {
	if s.Crop == CropFill {
		return CropFill
	}
	return CropFit
}

const (
	SideLeft  = "left"
	SideRight = "right"
)

// SlotsFor returns the slot list of a page for the given layout kind.
// Pages 1 and 32 ignore kind. Unknown kinds fall back to DefaultKind.
func SlotsFor(page int, kind Kind) []Slot {
	if page == FirstPage {
		return []Slot{
			{ID: "cover-1", Width: 190, Height: 277, Left: 10, Top: 10, Aspect: AspectFree, Crop: CropFit},
		}
	}
	if page == LastPage {
		return []Slot{}
	}

	switch kind {
	case KindMediumCentered:
		return mediumCentered()
	case KindFourHorizontal:
		return fourHorizontal()
	case KindFourVertical:
		return fourVertical()
	default:
		return largeTop()
	}
}

// 174x261mm with 18mm margins.
func largeTop() []Slot {
	return []Slot{
		{ID: "left-1", Width: 174, Height: 261, Left: 18, Top: 18, Aspect: AspectPortrait, Crop: CropFit},
		{ID: "right-1", Width: 174, Height: 261, Left: 18, Top: 18, Aspect: AspectPortrait, Crop: CropFit},
	}
}

// 150mm squares, 30mm side margins, vertically centered: (297-150)/2.
func mediumCentered() []Slot {
	return []Slot{
		{ID: "left-1", Width: 150, Height: 150, Left: 30, Top: 73.5, Aspect: AspectSquare, Crop: CropFit},
		{ID: "right-1", Width: 150, Height: 150, Left: 30, Top: 73.5, Aspect: AspectSquare, Crop: CropFit},
	}
}

// Two stacked 3:2 images per page, 40mm from the sides, top and bottom.
func fourHorizontal() []Slot {
	const (
		w      = 130.0
		h      = 86.67
		left   = 40.0
		top    = 40.0
		bottom = 170.33 // 297 - 40 - 86.67
	)
	return []Slot{
		{ID: "left-top", Width: w, Height: h, Left: left, Top: top, Aspect: AspectLandscape, Crop: CropFill},
		{ID: "left-bottom", Width: w, Height: h, Left: left, Top: bottom, Aspect: AspectLandscape, Crop: CropFill},
		{ID: "right-top", Width: w, Height: h, Left: left, Top: top, Aspect: AspectLandscape, Crop: CropFill},
		{ID: "right-bottom", Width: w, Height: h, Left: left, Top: bottom, Aspect: AspectLandscape, Crop: CropFill},
	}
}

// Two 2:3 images side by side per page: (210 - 2*10 - 20) / 2 = 85mm wide.
func fourVertical() []Slot {
	const (
		w         = 85.0
		h         = 127.5
		top       = 10.0
		firstLeft = 10.0
		nextLeft  = 115.0 // 10 + 85 + 20
	)
	return []Slot{
		{ID: "left-top", Width: w, Height: h, Left: firstLeft, Top: top, Aspect: AspectPortrait, Crop: CropFill},
		{ID: "left-bottom", Width: w, Height: h, Left: nextLeft, Top: top, Aspect: AspectPortrait, Crop: CropFill},
		{ID: "right-top", Width: w, Height: h, Left: firstLeft, Top: top, Aspect: AspectPortrait, Crop: CropFill},
		{ID: "right-bottom", Width: w, Height: h, Left: nextLeft, Top: top, Aspect: AspectPortrait, Crop: CropFill},
	}
}

// Find returns the slot with the given ID.
func Find(slots []Slot, id string) (Slot, bool) {
	for _, s := range slots {
		if s.ID == id {
			return s, true
		}
	}
	return Slot{}, false
}

// FilterSide keeps the slots of one side of a spread.
func FilterSide(slots []Slot, side string) []Slot {
	out := make([]Slot, 0, len(slots))
	for _, s := range slots {
		if s.Side() == side {
			out = append(out, s)
		}
	}
	return out
}
