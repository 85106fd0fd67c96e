package designer

import (
	"encoding/json"
	"fmt"
)

// Image is an opaque handle to a CMS image, enough to build a source URL
// and to show a caption.
type Image struct {
	AssetRef         string `json:"asset_ref" yaml:"asset_ref"`
	Title            string `json:"title,omitempty" yaml:"title,omitempty"`
	Year             int    `json:"year,omitempty" yaml:"year,omitempty"`
	Index            int    `json:"index,omitempty" yaml:"index,omitempty"`
	OriginalFilename string `json:"original_filename,omitempty" yaml:"original_filename,omitempty"`
}

type state uint8

const (
	stateUnset state = iota
	stateEmpty
	statePresent
)

// Assignment is the content of one slot. The zero value is Unset: the slot
// was never touched. Empty means the user cleared it on purpose.
type Assignment struct {
	state state
	image Image
}

// Unset returns the "never assigned" value.
func Unset() Assignment { return Assignment{} }

// Empty returns an explicit "leave this slot blank" marker.
func Empty() Assignment { return Assignment{state: stateEmpty} }

// Present wraps an assigned image.
func Present(img Image) Assignment { return Assignment{state: statePresent, image: img} }

func (a Assignment) IsUnset() bool   { return a.state == stateUnset }
func (a Assignment) IsEmpty() bool   { return a.state == stateEmpty }
func (a Assignment) IsPresent() bool { return a.state == statePresent }

// Image returns the assigned image and whether one is present.
func (a Assignment) Image() (Image, bool) {
	if a.state != statePresent {
		return Image{}, false
	}
	return a.image, true
}

func (a Assignment) String() string {
	switch a.state {
	case stateEmpty:
		return "empty"
	case statePresent:
		return "present(" + a.image.AssetRef + ")"
	}
	return "unset"
}

type assignmentJSON struct {
	State string `json:"state"`
	Image *Image `json:"image,omitempty"`
}

func (a Assignment) MarshalJSON() ([]byte, error) {
	switch a.state {
	case stateEmpty:
		return json.Marshal(assignmentJSON{State: "empty"})
	case statePresent:
		img := a.image
		return json.Marshal(assignmentJSON{State: "present", Image: &img})
	}
	return json.Marshal(assignmentJSON{State: "unset"})
}

func (a *Assignment) UnmarshalJSON(b []byte) error {
	var raw assignmentJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch raw.State {
	case "", "unset":
		*a = Unset()
	case "empty":
		*a = Empty()
	case "present":
		if raw.Image == nil || raw.Image.AssetRef == "" {
			return fmt.Errorf("present assignment without image")
		}
		*a = Present(*raw.Image)
	default:
		return fmt.Errorf("unknown assignment state %q", raw.State)
	}
	return nil
}
