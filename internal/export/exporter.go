package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/cratere/internal/designer"
	"github.com/local/cratere/internal/images"
	"github.com/local/cratere/internal/layout"
	"github.com/local/cratere/internal/metrics"
)

// Lookup resolves the assignment of a slot on an effective page.
type Lookup interface {
	Lookup(page int, slotID string) designer.Assignment
}

// ImageFetcher downloads and decodes an image by URL.
type ImageFetcher interface {
	FetchImage(ctx context.Context, sourceURL string) (*images.Decoded, error)
}

// SourceURLs turns a CMS asset reference into a downloadable URL.
type SourceURLs interface {
	URL(assetRef string, width, quality int) (string, error)
}

// Options tune rendering. Zero values take the defaults below.
type Options struct {
	DPI           int // fill-slot raster resolution, default 300
	JPEGQuality   int // default 95
	SourceWidth   int // requested CDN width, default 2000
	SourceQuality int // requested CDN quality, default 90

	// MarkUnassigned draws a thin frame around slots that were never
	// assigned. Explicitly emptied slots stay blank.
	MarkUnassigned bool
	OnProgress     func(Progress)
}

// Progress is reported after each rendered page.
type Progress struct {
	Page  int
	Done  int
	Total int
}

func (o Options) withDefaults() Options {
	if o.DPI <= 0 {
		o.DPI = 300
	}
	if o.JPEGQuality <= 0 || o.JPEGQuality > 100 {
		o.JPEGQuality = 95
	}
	if o.SourceWidth <= 0 {
		o.SourceWidth = 2000
	}
	if o.SourceQuality <= 0 || o.SourceQuality > 100 {
		o.SourceQuality = 90
	}
	return o
}

// Request is one export: a read-only view of the assignments, the page
// layouts keyed by page (spreads by their left page) and a title.
type Request struct {
	Assignments Lookup
	Layouts     map[int]layout.PageLayout
	Title       string
}

// SlotFailure records a slot left blank because its image could not be placed.
type SlotFailure struct {
	Page     int    `json:"page"`
	SlotID   string `json:"slot_id"`
	AssetRef string `json:"asset_ref"`
	Error    string `json:"error"`
}

func (f SlotFailure) Key() string { return layout.Key(f.Page, f.SlotID) }

// Result is a finished document plus what happened to each slot.
type Result struct {
	Filename string        `json:"filename"`
	PDF      []byte        `json:"-"`
	Pages    int           `json:"pages"`
	Placed   int           `json:"placed"`
	Empty    int           `json:"empty"`
	Unset    int           `json:"unset"`
	Failures []SlotFailure `json:"failures,omitempty"`
}

// Exporter renders designer books to PDF.
type Exporter struct {
	fetch  ImageFetcher
	urls   SourceURLs
	opts   Options
	newDoc DocumentFactory
}

func New(fetch ImageFetcher, urls SourceURLs, opts Options) *Exporter {
	return &Exporter{fetch: fetch, urls: urls, opts: opts.withDefaults(), newDoc: NewPDFDocument}
}

// WithDocumentFactory swaps the PDF backend.
func (e *Exporter) WithDocumentFactory(f DocumentFactory) *Exporter {
	c := *e
	c.newDoc = f
	return &c
}

// WithProgress returns a copy reporting progress to fn.
func (e *Exporter) WithProgress(fn func(Progress)) *Exporter {
	c := *e
	c.opts.OnProgress = fn
	return &c
}

// Export renders the whole book. Slots are processed one at a time in page
// order; a slot whose image cannot be fetched or placed is left blank and
// reported in Result.Failures. Only a cancelled context or a failure to
// write the final document returns an error.
func (e *Exporter) Export(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := e.export(ctx, req)
	switch {
	case err != nil:
		metrics.ObserveExport("error", time.Since(start))
	case len(res.Failures) > 0:
		metrics.ObserveExport("partial", time.Since(start))
	default:
		metrics.ObserveExport("ok", time.Since(start))
	}
	return res, err
}

func (e *Exporter) export(ctx context.Context, req Request) (*Result, error) {
	if req.Assignments == nil {
		return nil, errors.New("export: no assignments")
	}
	doc := e.newDoc(req.Title)
	res := &Result{Filename: Filename(req.Title)}

	total := 0
	for _, p := range layout.ExportSequence() {
		if pl, ok := req.Layouts[p]; ok {
			if pl.Single || layout.IsSinglePage(p) {
				total++
			} else {
				total += 2
			}
		}
	}

	log.Info().Str("title", req.Title).Int("pages", total).Msg("export started")

	done := 0
	renderPage := func(page int, slots []layout.Slot) error {
		doc.AddPage()
		for _, slot := range slots {
			if err := e.renderSlot(ctx, doc, page, slot, req.Assignments, res); err != nil {
				return err
			}
		}
		done++
		if e.opts.OnProgress != nil {
			e.opts.OnProgress(Progress{Page: page, Done: done, Total: total})
		}
		return nil
	}

	for _, p := range layout.ExportSequence() {
		pl, ok := req.Layouts[p]
		if !ok {
			log.Debug().Int("page", p).Msg("no layout for page, skipping")
			continue
		}
		if pl.Single || layout.IsSinglePage(p) {
			if err := renderPage(p, pl.Slots); err != nil {
				return nil, err
			}
			continue
		}
		if err := renderPage(p, layout.FilterSide(pl.Slots, layout.SideLeft)); err != nil {
			return nil, err
		}
		if err := renderPage(p+1, layout.FilterSide(pl.Slots, layout.SideRight)); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, err
	}
	res.PDF = buf.Bytes()
	res.Pages = doc.PageCount()

	log.Info().
		Str("filename", res.Filename).
		Int("pages", res.Pages).
		Int("placed", res.Placed).
		Int("empty", res.Empty).
		Int("unset", res.Unset).
		Int("failed", len(res.Failures)).
		Int("bytes", len(res.PDF)).
		Msg("export finished")
	return res, nil
}

func (e *Exporter) renderSlot(ctx context.Context, doc Document, page int, slot layout.Slot, lookup Lookup, res *Result) error {
	a := lookup.Lookup(page, slot.ID)
	img, ok := a.Image()
	if !ok {
		if a.IsEmpty() {
			res.Empty++
			metrics.IncSlot("empty")
			return nil
		}
		res.Unset++
		metrics.IncSlot("unset")
		if e.opts.MarkUnassigned {
			doc.OutlineRect(SlotRect(slot))
		}
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	fail := func(err error) {
		log.Error().Err(err).Int("page", page).Str("slot", slot.ID).Str("asset", img.AssetRef).Msg("slot left blank")
		metrics.IncSlot("failed")
		res.Failures = append(res.Failures, SlotFailure{Page: page, SlotID: slot.ID, AssetRef: img.AssetRef, Error: err.Error()})
	}

	src, err := e.urls.URL(img.AssetRef, e.opts.SourceWidth, e.opts.SourceQuality)
	if err != nil {
		fail(fmt.Errorf("source url: %w", err))
		return nil
	}
	dec, err := e.fetch.FetchImage(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fail(err)
		return nil
	}

	name := layout.Key(page, slot.ID)
	if slot.Mode() == layout.CropFill {
		err = e.placeFill(doc, name, dec, slot)
	} else {
		err = e.placeFit(doc, name, dec, slot)
	}
	if err != nil {
		fail(err)
		return nil
	}
	res.Placed++
	metrics.IncSlot("placed")
	return nil
}

func (e *Exporter) placeFit(doc Document, name string, dec *images.Decoded, slot layout.Slot) error {
	r := FitRect(slot, dec.Width, dec.Height)
	if dec.Embeddable() {
		err := doc.PlaceImage(name, dec.Raw, dec.Format, r)
		if err == nil {
			return nil
		}
		// interlaced or 16-bit PNGs are rejected by the PDF writer
		log.Debug().Err(err).Str("image", name).Msg("raw embed failed, re-encoding as jpeg")
	}
	data, err := FlattenJPEG(dec.Image, e.opts.JPEGQuality)
	if err != nil {
		return err
	}
	return doc.PlaceImage(name+"/jpeg", data, images.FormatJPEG, r)
}

func (e *Exporter) placeFill(doc Document, name string, dec *images.Decoded, slot layout.Slot) error {
	data, crop, err := FillJPEG(dec.Image, slot, e.opts.DPI, e.opts.JPEGQuality)
	if err != nil {
		return err
	}
	log.Debug().
		Str("image", name).
		Int("src_w", dec.Width).
		Int("src_h", dec.Height).
		Str("crop", crop.String()).
		Int("dpi", e.opts.DPI).
		Msg("fill crop")
	return doc.PlaceImage(name, data, images.FormatJPEG, SlotRect(slot))
}
