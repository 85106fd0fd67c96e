package web

import (
	"bytes"
	"context"
	"embed"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/local/cratere/internal/cms"
	"github.com/local/cratere/internal/designer"
)

//go:embed templates/*.html
var templateFS embed.FS

// Catalog is the CMS surface the pages read from.
type Catalog interface {
	Projects(ctx context.Context) ([]cms.Project, error)
	CommercialProjects(ctx context.Context) ([]cms.Project, error)
}

// ImageURLs builds thumbnail URLs.
type ImageURLs interface {
	URL(ref string, width, quality int) (string, error)
}

// Web serves the portfolio pages.
type Web struct {
	tpl     *template.Template
	catalog Catalog
	urls    ImageURLs
}

type tile struct {
	Index int
	Title string
	Year  int
	Ref   string
	Thumb string
}

type project struct {
	Title  string
	Client string
	Year   int
	PDFURL string
	Tiles  []tile
}

func New(catalog Catalog, urls ImageURLs) *Web {
	tpl := template.Must(template.New("").ParseFS(templateFS, "templates/*.html"))
	return &Web{tpl: tpl, catalog: catalog, urls: urls}
}

func (w *Web) RegisterRoutes(r chi.Router) {
	r.Get("/", w.handleHome)
	r.Get("/commercial", w.handleCommercial)
}

func (w *Web) render(wr http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := w.tpl.ExecuteTemplate(&buf, name, data); err != nil {
		log.Error().Err(err).Str("template", name).Msg("template render failed")
		http.Error(wr, "render failed", http.StatusInternalServerError)
		return
	}
	wr.Header().Set("Content-Type", "text/html; charset=utf-8")
	wr.WriteHeader(status)
	_, _ = buf.WriteTo(wr)
}

func (w *Web) handleHome(wr http.ResponseWriter, r *http.Request) {
	projects, err := w.catalog.Projects(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("portfolio load failed")
		w.render(wr, http.StatusServiceUnavailable, "error.html", map[string]any{"Title": "Portfolio", "Error": "The portfolio is unavailable right now."})
		return
	}
	imgs := cms.Flatten(projects)
	cms.SortBySubject(imgs)
	w.render(wr, http.StatusOK, "home.html", map[string]any{
		"Title": "Portfolio",
		"Tiles": w.tiles(imgs),
	})
}

func (w *Web) handleCommercial(wr http.ResponseWriter, r *http.Request) {
	projects, err := w.catalog.CommercialProjects(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("commercial load failed")
		w.render(wr, http.StatusServiceUnavailable, "error.html", map[string]any{"Title": "Commercial", "Error": "The portfolio is unavailable right now."})
		return
	}
	out := make([]project, 0, len(projects))
	for _, p := range projects {
		pr := project{Title: p.Title, Client: p.Client, Year: p.Year}
		if p.PDF != nil && p.PDF.Asset != nil {
			pr.PDFURL = p.PDF.Asset.URL
		}
		pr.Tiles = w.tiles(cms.Flatten([]cms.Project{p}))
		out = append(out, pr)
	}
	w.render(wr, http.StatusOK, "commercial.html", map[string]any{
		"Title":    "Commercial",
		"Projects": out,
	})
}

func (w *Web) tiles(imgs []designer.Image) []tile {
	out := make([]tile, 0, len(imgs))
	for _, img := range imgs {
		thumb, err := w.urls.URL(img.AssetRef, 600, 80)
		if err != nil {
			log.Warn().Err(err).Str("asset", img.AssetRef).Msg("skipping image with bad reference")
			continue
		}
		out = append(out, tile{
			Index: img.Index,
			Title: cms.DisplayTitle(img),
			Year:  img.Year,
			Ref:   img.AssetRef,
			Thumb: thumb,
		})
	}
	return out
}
