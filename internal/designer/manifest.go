package designer

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/local/cratere/internal/layout"
)

// Manifest is the on-disk description of a book used by bookctl:
//
//	title: Portfolio 2024
//	layouts:
//	  4: 4-horizontal
//	slots:
//	  - page: 2
//	    slot: left-1
//	    image: {asset_ref: image-abc-2000x3000-jpg, title: Etna}
//	  - page: 5
//	    slot: right-top
//	    empty: true
type Manifest struct {
	Title   string             `yaml:"title"`
	Layouts map[int]string     `yaml:"layouts"`
	Slots   []ManifestSlotSpec `yaml:"slots"`
}

type ManifestSlotSpec struct {
	Page  int    `yaml:"page"`
	Slot  string `yaml:"slot"`
	Image *Image `yaml:"image,omitempty"`
	Empty bool   `yaml:"empty,omitempty"`
}

// LoadManifest decodes a YAML manifest and replays it into a new session.
// Layouts are applied before slots so slot IDs validate against them.
func LoadManifest(r io.Reader) (*Session, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("manifest is empty")
		}
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return m.Session()
}

// Session builds a session from the manifest.
func (m Manifest) Session() (*Session, error) {
	s := NewSession()
	s.SetTitle(m.Title)
	for page, raw := range m.Layouts {
		kind, err := layout.ParseKind(raw)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		if err := s.SetLayout(page, kind); err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
	}
	for i, entry := range m.Slots {
		var err error
		switch {
		case entry.Empty && entry.Image != nil:
			err = errors.New("slot is both empty and assigned")
		case entry.Empty:
			err = s.Clear(entry.Page, entry.Slot)
		case entry.Image != nil:
			err = s.Assign(entry.Page, entry.Slot, *entry.Image)
		default:
			err = errors.New("slot needs an image or empty: true")
		}
		if err != nil {
			return nil, fmt.Errorf("slots[%d] (%d-%s): %w", i, entry.Page, entry.Slot, err)
		}
	}
	return s, nil
}
