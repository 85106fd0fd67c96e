package layout

import "fmt"

// Book geometry: cover, fifteen spreads, back cover.
const (
	FirstPage = 1
	LastPage  = 32
	PageCount = 32
)

// PageLayout is the resolved slot list of a single page or a spread.
// For spreads Page is the left (even) page number.
type PageLayout struct {
	Page   int    `json:"page"`
	Single bool   `json:"single"`
	Slots  []Slot `json:"slots"`
}

// IsSinglePage reports whether page is the cover or the back cover.
func IsSinglePage(page int) bool {
	return page == FirstPage || page == LastPage
}

// SpreadPage maps any page to the page number that represents its spread.
// Right-hand pages 3..31 map to their left partner.
func SpreadPage(page int) int {
	if page > FirstPage && page < LastPage && page%2 == 1 {
		return page - 1
	}
	return page
}

// EffectivePage is the page an assignment for slot lives on when the slot
// belongs to the spread represented by spreadPage.
func EffectivePage(spreadPage int, slot Slot) int {
	if !IsSinglePage(spreadPage) && slot.Side() == SideRight {
		return spreadPage + 1
	}
	return spreadPage
}

// Spreads returns the left page numbers of every two-page spread.
func Spreads() []int {
	out := make([]int, 0, 15)
	for p := 2; p < LastPage; p += 2 {
		out = append(out, p)
	}
	return out
}

// ExportSequence is the order pages are emitted in: 1, 2, 4, ..., 30, 32.
func ExportSequence() []int {
	out := make([]int, 0, 17)
	out = append(out, FirstPage)
	out = append(out, Spreads()...)
	return append(out, LastPage)
}

// Book resolves the layout of every page in the export sequence. kindFor is
// asked for the kind of each spread; nil means DefaultKind everywhere.
func Book(kindFor func(spreadPage int) Kind) map[int]PageLayout {
	if kindFor == nil {
		kindFor = func(int) Kind { return DefaultKind }
	}
	book := make(map[int]PageLayout, 17)
	for _, p := range ExportSequence() {
		single := IsSinglePage(p)
		kind := DefaultKind
		if !single {
			kind = kindFor(p)
		}
		book[p] = PageLayout{Page: p, Single: single, Slots: SlotsFor(p, kind)}
	}
	return book
}

// Key builds the assignment key of a slot on an effective page.
func Key(page int, slotID string) string {
	return fmt.Sprintf("%d-%s", page, slotID)
}

// ValidPage reports whether page is within the book.
func ValidPage(page int) bool {
	return page >= FirstPage && page <= LastPage
}

// Prev returns the page shown when navigating back from page.
func Prev(page int) int {
	switch {
	case page <= FirstPage:
		return FirstPage
	case page == 2 || page == 3:
		return FirstPage
	default:
		return SpreadPage(page) - 2
	}
}

// Next returns the page shown when navigating forward from page.
func Next(page int) int {
	switch {
	case page >= LastPage:
		return LastPage
	case page == FirstPage:
		return 2
	case SpreadPage(page) == 30:
		return LastPage
	default:
		return SpreadPage(page) + 2
	}
}

// Label renders the page counter, e.g. "1 / 32" or "2-3 / 32".
func Label(page int) string {
	if IsSinglePage(page) {
		return fmt.Sprintf("%d / %d", page, PageCount)
	}
	sp := SpreadPage(page)
	return fmt.Sprintf("%d-%d / %d", sp, sp+1, PageCount)
}
