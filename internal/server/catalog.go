package server

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/local/cratere/internal/cms"
	"github.com/local/cratere/internal/designer"
	"github.com/local/cratere/internal/layout"
)

type kindView struct {
	Kind  layout.Kind   `json:"kind"`
	Label string        `json:"label"`
	Left  []layout.Slot `json:"left"`
	Right []layout.Slot `json:"right"`
}

type pageView struct {
	Page   int          `json:"page"`
	Label  string       `json:"label"`
	Spread int          `json:"spread"`
	Single bool         `json:"single"`
	Kind   layout.Kind  `json:"kind,omitempty"`
	Prev   int          `json:"prev"`
	Next   int          `json:"next"`
	Slots  []slotOnPage `json:"slots"`
}

type slotOnPage struct {
	layout.Slot
	Page int    `json:"page"`
	Key  string `json:"key"`
}

func (s *Server) handleLayouts(w http.ResponseWriter, r *http.Request) {
	out := make([]kindView, 0, len(layout.Kinds()))
	for _, k := range layout.Kinds() {
		slots := layout.SlotsFor(2, k)
		out = append(out, kindView{
			Kind:  k,
			Label: k.Label(),
			Left:  layout.FilterSide(slots, layout.SideLeft),
			Right: layout.FilterSide(slots, layout.SideRight),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"page_width_mm":  layout.PageWidthMM,
		"page_height_mm": layout.PageHeightMM,
		"pages":          layout.PageCount,
		"default":        layout.DefaultKind,
		"kinds":          out,
	})
}

// handlePageLayout resolves the slots shown when page is open in the
// designer, each tagged with the page its assignment lives on.
func (s *Server) handlePageLayout(w http.ResponseWriter, r *http.Request) {
	page, ok := pageParam(w, r)
	if !ok {
		return
	}
	kind := layout.DefaultKind
	if q := r.URL.Query().Get("kind"); q != "" {
		k, err := layout.ParseKind(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kind = k
	}

	spread := layout.SpreadPage(page)
	v := pageView{
		Page:   page,
		Label:  layout.Label(page),
		Spread: spread,
		Single: layout.IsSinglePage(spread),
		Prev:   layout.Prev(page),
		Next:   layout.Next(page),
	}
	if !v.Single {
		v.Kind = kind
	}
	for _, slot := range layout.SlotsFor(spread, kind) {
		p := layout.EffectivePage(spread, slot)
		v.Slots = append(v.Slots, slotOnPage{Slot: slot, Page: p, Key: layout.Key(p, slot.ID)})
	}
	if v.Slots == nil {
		v.Slots = []slotOnPage{}
	}
	writeJSON(w, http.StatusOK, v)
}

// handleImages lists the selectable images. ?set=commercial keeps CMS order
// of commercial projects; the default is every project sorted by subject.
func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	if s.deps.Catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog not configured")
		return
	}
	var (
		projects []cms.Project
		err      error
	)
	commercial := r.URL.Query().Get("set") == "commercial"
	if commercial {
		projects, err = s.deps.Catalog.CommercialProjects(r.Context())
	} else {
		projects, err = s.deps.Catalog.Projects(r.Context())
	}
	if err != nil {
		log.Error().Err(err).Msg("catalog load failed")
		writeError(w, http.StatusBadGateway, "catalog unavailable")
		return
	}
	imgs := cms.Flatten(projects)
	if !commercial {
		cms.SortBySubject(imgs)
	}
	type item struct {
		designer.Image
		DisplayTitle string `json:"display_title"`
	}
	out := make([]item, 0, len(imgs))
	for _, img := range imgs {
		out = append(out, item{Image: img, DisplayTitle: cms.DisplayTitle(img)})
	}
	writeJSON(w, http.StatusOK, out)
}
