package designer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/local/cratere/internal/layout"
)

var (
	ErrInvalidPage = errors.New("page out of range")
	ErrUnknownSlot = errors.New("slot not in current layout")
	ErrFixedLayout = errors.New("page has a fixed layout")
)

// Session is the designer state of one book: which image sits in which
// slot, and which layout each spread uses.
type Session struct {
	ID          string                `json:"id"`
	Title       string                `json:"title"`
	Assignments map[string]Assignment `json:"assignments"`
	Layouts     map[int]layout.Kind   `json:"layouts"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// NewSession returns an empty session with a fresh ID.
func NewSession() *Session {
	now := time.Now().UTC()
	return &Session{
		ID:          uuid.NewString(),
		Assignments: map[string]Assignment{},
		Layouts:     map[int]layout.Kind{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *Session) touch() {
	s.UpdatedAt = time.Now().UTC()
}

func (s *Session) ensureMaps() {
	if s.Assignments == nil {
		s.Assignments = map[string]Assignment{}
	}
	if s.Layouts == nil {
		s.Layouts = map[int]layout.Kind{}
	}
}

// ValidateSlot checks that slotID exists in the current layout of page's
// spread and that it sits on page's side of that spread.
func (s *Session) ValidateSlot(page int, slotID string) error {
	if !layout.ValidPage(page) {
		return fmt.Errorf("%w: %d", ErrInvalidPage, page)
	}
	spread := layout.SpreadPage(page)
	slot, ok := layout.Find(layout.SlotsFor(spread, s.Layout(spread)), slotID)
	if !ok || layout.EffectivePage(spread, slot) != page {
		return fmt.Errorf("%w: page %d slot %q", ErrUnknownSlot, page, slotID)
	}
	return nil
}

// Assign puts img into a slot, replacing whatever was there.
func (s *Session) Assign(page int, slotID string, img Image) error {
	if err := s.ValidateSlot(page, slotID); err != nil {
		return err
	}
	if strings.TrimSpace(img.AssetRef) == "" {
		return errors.New("image asset reference is required")
	}
	s.ensureMaps()
	s.Assignments[layout.Key(page, slotID)] = Present(img)
	s.touch()
	return nil
}

// Clear marks a slot as explicitly empty.
func (s *Session) Clear(page int, slotID string) error {
	if err := s.ValidateSlot(page, slotID); err != nil {
		return err
	}
	s.ensureMaps()
	s.Assignments[layout.Key(page, slotID)] = Empty()
	s.touch()
	return nil
}

// Lookup returns the assignment of a slot; missing keys are Unset.
func (s *Session) Lookup(page int, slotID string) Assignment {
	return s.Assignments[layout.Key(page, slotID)]
}

// SetLayout chooses the layout of page's spread. It does not touch the
// assignments; callers that follow the designer flow also call ClearSpread.
func (s *Session) SetLayout(page int, kind layout.Kind) error {
	if !layout.ValidPage(page) {
		return fmt.Errorf("%w: %d", ErrInvalidPage, page)
	}
	spread := layout.SpreadPage(page)
	if layout.IsSinglePage(spread) {
		return fmt.Errorf("%w: page %d", ErrFixedLayout, spread)
	}
	s.ensureMaps()
	s.Layouts[spread] = kind
	s.touch()
	return nil
}

// Layout returns the layout kind of page's spread.
func (s *Session) Layout(page int) layout.Kind {
	if k, ok := s.Layouts[layout.SpreadPage(page)]; ok && k != "" {
		return k
	}
	return layout.DefaultKind
}

// ClearSpread drops every assignment on both pages of page's spread, or on
// the page alone for the cover and the back cover.
func (s *Session) ClearSpread(page int) {
	spread := layout.SpreadPage(page)
	pages := map[int]bool{spread: true}
	if !layout.IsSinglePage(spread) {
		pages[spread+1] = true
	}
	for key := range s.Assignments {
		if p, ok := keyPage(key); ok && pages[p] {
			delete(s.Assignments, key)
		}
	}
	s.touch()
}

// ClearAll drops every assignment. Layout choices are kept.
func (s *Session) ClearAll() {
	s.Assignments = map[string]Assignment{}
	s.touch()
}

func (s *Session) SetTitle(title string) {
	s.Title = strings.TrimSpace(title)
	s.touch()
}

// Book resolves the page layouts used for export.
func (s *Session) Book() map[int]layout.PageLayout {
	return layout.Book(s.Layout)
}

// Counts reports how many slots of the current book are present, empty and unset.
func (s *Session) Counts() (present, empty, unset int) {
	for _, p := range layout.ExportSequence() {
		for _, slot := range layout.SlotsFor(p, s.Layout(p)) {
			a := s.Lookup(layout.EffectivePage(p, slot), slot.ID)
			switch {
			case a.IsPresent():
				present++
			case a.IsEmpty():
				empty++
			default:
				unset++
			}
		}
	}
	return present, empty, unset
}

// Clone returns a deep copy that shares nothing with s.
func (s *Session) Clone() *Session {
	c := *s
	c.Assignments = make(map[string]Assignment, len(s.Assignments))
	for k, v := range s.Assignments {
		c.Assignments[k] = v
	}
	c.Layouts = make(map[int]layout.Kind, len(s.Layouts))
	for k, v := range s.Layouts {
		c.Layouts[k] = v
	}
	return &c
}

func keyPage(key string) (int, bool) {
	head, _, ok := strings.Cut(key, "-")
	if !ok {
		return 0, false
	}
	p, err := strconv.Atoi(head)
	return p, err == nil
}
