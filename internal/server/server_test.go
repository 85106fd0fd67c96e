package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/local/cratere/internal/cms"
	"github.com/local/cratere/internal/designer"
	"github.com/local/cratere/internal/dispatcher"
	"github.com/local/cratere/internal/export"
	"github.com/local/cratere/internal/images"
	"github.com/local/cratere/internal/pdfcheck"
	"github.com/local/cratere/internal/queue"
	"github.com/local/cratere/internal/storage"
	"github.com/local/cratere/internal/store"
)

const goodRef = "image-abc-60x90-png"

type urls struct{}

func (urls) URL(ref string, _, _ int) (string, error) { return "https://cdn.test/" + ref, nil }

type fetcher map[string][]byte

func (f fetcher) FetchImage(_ context.Context, u string) (*images.Decoded, error) {
	b, ok := f[u]
	if !ok {
		return nil, &images.HTTPError{StatusCode: 404, URL: u}
	}
	return images.Decode(b)
}

type brokenDoc struct{ pages int }

func (d *brokenDoc) AddPage()                                             { d.pages++ }
func (d *brokenDoc) PlaceImage(string, []byte, string, export.Rect) error { return nil }
func (d *brokenDoc) OutlineRect(export.Rect)                              {}
func (d *brokenDoc) PageCount() int                                       { return d.pages }
func (d *brokenDoc) Output(io.Writer) error                               { return errors.New("disk full") }

type catalog []cms.Project

func (c catalog) Projects(context.Context) ([]cms.Project, error)           { return c, nil }
func (c catalog) CommercialProjects(context.Context) ([]cms.Project, error) { return c, nil }

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 60, 90))
	for y := 0; y < 90; y++ {
		for x := 0; x < 60; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 3), 120, uint8(y * 2), 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type harness struct {
	t        *testing.T
	srv      *httptest.Server
	server   *Server
	sessions *designer.MemoryStore
}

type asyncParts struct {
	q      *queue.RedisQueue
	jobs   *store.RedisJobs
	worker *dispatcher.Worker
}

func newExporter(t *testing.T) *export.Exporter {
	return export.New(fetcher{"https://cdn.test/" + goodRef: pngBytes(t)}, urls{}, export.Options{DPI: 72})
}

func newHarness(t *testing.T, mutate func(*Dependencies, *Options)) *harness {
	t.Helper()
	h := &harness{t: t, sessions: designer.NewMemoryStore(time.Hour)}
	deps := Dependencies{
		Sessions: h.sessions,
		Exporter: newExporter(t),
		Catalog: catalog{{
			Title: "Etna", Year: 2023,
			Images: []cms.ProjectImage{
				{Asset: &cms.AssetRef{Ref: "image-b-10x10-jpg"}, Title: "Zolfo"},
				{Asset: &cms.AssetRef{Ref: "image-a-10x10-jpg"}, Title: "Ash"},
			},
		}},
	}
	opts := Options{}
	if mutate != nil {
		mutate(&deps, &opts)
	}
	h.server = New(deps, opts)
	h.srv = httptest.NewServer(h.server.Routes())
	t.Cleanup(h.srv.Close)
	return h
}

// withAsync wires a miniredis-backed queue, job store, local sink and worker.
func withAsync(t *testing.T, a *asyncParts) func(*Dependencies, *Options) {
	return func(d *Dependencies, _ *Options) {
		mr := miniredis.RunT(t)
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		q, err := queue.NewRedisQueue(context.Background(), c, "jobs:exports", "workers:exports")
		if err != nil {
			t.Fatal(err)
		}
		sink, err := storage.NewLocalDir(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		jobs := store.NewRedisJobs(c, time.Hour)
		d.Queue, d.Jobs, d.Sink = q, jobs, sink
		a.q, a.jobs = q, jobs
		a.worker = dispatcher.New(dispatcher.Config{Concurrency: 1}, q, jobs, d.Exporter, sink)
	}
}

func (h *harness) do(method, path string, body any) *http.Response {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			h.t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	if err != nil {
		h.t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatal(err)
	}
	h.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (h *harness) expect(resp *http.Response, code int) []byte {
	h.t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatal(err)
	}
	if resp.StatusCode != code {
		h.t.Fatalf("%s %s: status %d, want %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, code, b)
	}
	return b
}

type sessionResp struct {
	ID          string                     `json:"id"`
	Title       string                     `json:"title"`
	Assignments map[string]json.RawMessage `json:"assignments"`
	Layouts     map[string]string          `json:"layouts"`
	Present     int                        `json:"present"`
	Empty       int                        `json:"empty"`
	Unset       int                        `json:"unset"`
}

func (h *harness) session(resp *http.Response, code int) sessionResp {
	h.t.Helper()
	var s sessionResp
	if err := json.Unmarshal(h.expect(resp, code), &s); err != nil {
		h.t.Fatal(err)
	}
	return s
}

func (h *harness) newSession(title string) string {
	h.t.Helper()
	return h.session(h.do(http.MethodPost, "/api/sessions", map[string]string{"title": title}), http.StatusCreated).ID
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	if got := string(h.expect(h.do(http.MethodGet, "/health", nil), http.StatusOK)); got != "ok" {
		t.Fatalf("body = %q", got)
	}
}

func TestSessionEditing(t *testing.T) {
	h := newHarness(t, nil)
	id := h.newSession("  Spring  ")
	base := "/api/sessions/" + id

	s := h.session(h.do(http.MethodGet, base, nil), http.StatusOK)
	if s.Title != "Spring" || s.Unset != 31 || s.Present != 0 {
		t.Fatalf("new session = %+v", s)
	}

	h.expect(h.do(http.MethodPut, base+"/slots/2/left-1", designer.Image{AssetRef: goodRef}), http.StatusOK)
	s = h.session(h.do(http.MethodDelete, base+"/slots/3/right-1", nil), http.StatusOK)
	if s.Present != 1 || s.Empty != 1 {
		t.Fatalf("counts = %+v", s)
	}
	var empty struct{ State string }
	if err := json.Unmarshal(s.Assignments["3-right-1"], &empty); err != nil || empty.State != "empty" {
		t.Fatalf("3-right-1 = %s", s.Assignments["3-right-1"])
	}

	// changing the layout drops both pages of the spread
	s = h.session(h.do(http.MethodPut, base+"/layouts/3", map[string]string{"kind": "4-vertical"}), http.StatusOK)
	if len(s.Assignments) != 0 || s.Layouts["2"] != "4-vertical" {
		t.Fatalf("after layout change = %+v", s)
	}
	h.expect(h.do(http.MethodPut, base+"/slots/3/right-bottom", designer.Image{AssetRef: goodRef}), http.StatusOK)
	h.expect(h.do(http.MethodPut, base+"/slots/3/left-top", designer.Image{AssetRef: goodRef}), http.StatusNotFound)

	s = h.session(h.do(http.MethodDelete, base+"/spreads/2", nil), http.StatusOK)
	if len(s.Assignments) != 0 {
		t.Fatalf("spread not cleared: %+v", s.Assignments)
	}

	h.expect(h.do(http.MethodPut, base+"/slots/1/cover-1", designer.Image{AssetRef: goodRef}), http.StatusOK)
	s = h.session(h.do(http.MethodDelete, base+"/slots", nil), http.StatusOK)
	if len(s.Assignments) != 0 || s.Layouts["2"] != "4-vertical" {
		t.Fatalf("clear all = %+v", s)
	}

	s = h.session(h.do(http.MethodPut, base+"/title", map[string]string{"title": "Autumn"}), http.StatusOK)
	if s.Title != "Autumn" {
		t.Fatalf("title = %q", s.Title)
	}
}

func TestSessionErrors(t *testing.T) {
	h := newHarness(t, nil)
	id := h.newSession("")
	base := "/api/sessions/" + id

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		code   int
	}{
		{"unknown session", http.MethodGet, "/api/sessions/nope", nil, http.StatusNotFound},
		{"page out of range", http.MethodPut, base + "/slots/33/left-1", designer.Image{AssetRef: goodRef}, http.StatusBadRequest},
		{"page not a number", http.MethodDelete, base + "/spreads/x", nil, http.StatusBadRequest},
		{"slot on wrong side", http.MethodPut, base + "/slots/2/right-1", designer.Image{AssetRef: goodRef}, http.StatusNotFound},
		{"missing asset", http.MethodPut, base + "/slots/2/left-1", designer.Image{}, http.StatusBadRequest},
		{"unknown kind", http.MethodPut, base + "/layouts/4", map[string]string{"kind": "collage"}, http.StatusBadRequest},
		{"cover layout fixed", http.MethodPut, base + "/layouts/1", map[string]string{"kind": "4-vertical"}, http.StatusBadRequest},
		{"unknown field", http.MethodPut, base + "/title", map[string]string{"name": "x"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.expect(h.do(tt.method, tt.path, tt.body), tt.code)
		})
	}
}

func TestSessionDelete(t *testing.T) {
	h := newHarness(t, nil)
	id := h.newSession("x")
	h.expect(h.do(http.MethodDelete, "/api/sessions/"+id, nil), http.StatusNoContent)
	h.expect(h.do(http.MethodGet, "/api/sessions/"+id, nil), http.StatusNotFound)
}

func TestLayoutsEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	var all struct {
		Pages int `json:"pages"`
		Kinds []struct {
			Kind  string            `json:"kind"`
			Left  []json.RawMessage `json:"left"`
			Right []json.RawMessage `json:"right"`
		} `json:"kinds"`
	}
	if err := json.Unmarshal(h.expect(h.do(http.MethodGet, "/api/layouts", nil), http.StatusOK), &all); err != nil {
		t.Fatal(err)
	}
	if all.Pages != 32 || len(all.Kinds) != 4 {
		t.Fatalf("layouts = %+v", all)
	}
	got := map[string][2]int{}
	for _, k := range all.Kinds {
		got[k.Kind] = [2]int{len(k.Left), len(k.Right)}
	}
	want := map[string][2]int{"large-top": {1, 1}, "medium-centered": {1, 1}, "4-horizontal": {2, 2}, "4-vertical": {2, 2}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("slot counts (-want +got):\n%s", diff)
	}

	var page struct {
		Spread int    `json:"spread"`
		Label  string `json:"label"`
		Slots  []struct {
			ID   string  `json:"id"`
			Page int     `json:"page"`
			Key  string  `json:"key"`
			Left float64 `json:"left_mm"`
		} `json:"slots"`
	}
	if err := json.Unmarshal(h.expect(h.do(http.MethodGet, "/api/layouts/7?kind=4-vertical", nil), http.StatusOK), &page); err != nil {
		t.Fatal(err)
	}
	if page.Spread != 6 || page.Label != "6-7 / 32" || len(page.Slots) != 4 {
		t.Fatalf("page = %+v", page)
	}
	for _, s := range page.Slots {
		wantPage := 6
		if strings.HasPrefix(s.ID, "right-") {
			wantPage = 7
		}
		if s.Page != wantPage {
			t.Fatalf("slot %s on page %d, want %d", s.ID, s.Page, wantPage)
		}
	}

	h.expect(h.do(http.MethodGet, "/api/layouts/32", nil), http.StatusOK)
	h.expect(h.do(http.MethodGet, "/api/layouts/4?kind=nope", nil), http.StatusBadRequest)
}

func TestImagesSortedBySubject(t *testing.T) {
	h := newHarness(t, nil)
	var imgs []struct {
		AssetRef     string `json:"asset_ref"`
		Index        int    `json:"index"`
		DisplayTitle string `json:"display_title"`
	}
	if err := json.Unmarshal(h.expect(h.do(http.MethodGet, "/api/images", nil), http.StatusOK), &imgs); err != nil {
		t.Fatal(err)
	}
	if len(imgs) != 2 || imgs[0].DisplayTitle != "Ash" || imgs[0].Index != 1 {
		t.Fatalf("images = %+v", imgs)
	}
	if err := json.Unmarshal(h.expect(h.do(http.MethodGet, "/api/images?set=commercial", nil), http.StatusOK), &imgs); err != nil {
		t.Fatal(err)
	}
	if imgs[0].DisplayTitle != "Zolfo" {
		t.Fatalf("commercial order = %+v", imgs)
	}
}

func TestSyncExport(t *testing.T) {
	h := newHarness(t, nil)
	id := h.newSession("My: Book/Title")
	base := "/api/sessions/" + id
	h.expect(h.do(http.MethodPut, base+"/slots/2/left-1", designer.Image{AssetRef: goodRef}), http.StatusOK)
	h.expect(h.do(http.MethodPut, base+"/slots/3/right-1", designer.Image{AssetRef: "image-gone-10x10-png"}), http.StatusOK)

	resp := h.do(http.MethodPost, base+"/export", nil)
	pdf := h.expect(resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("content type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != `attachment; filename=My-BookTitle.pdf` {
		t.Fatalf("disposition = %q", cd)
	}
	if got := resp.Header.Get(HeaderFailedSlots); got != "3-right-1" {
		t.Fatalf("failed slots = %q", got)
	}
	if _, err := pdfcheck.ExpectPages(pdf, 32); err != nil {
		t.Fatal(err)
	}
}

func TestSyncExportFailureIsJSON(t *testing.T) {
	h := newHarness(t, func(d *Dependencies, _ *Options) {
		d.Exporter = d.Exporter.WithDocumentFactory(func(string) export.Document { return &brokenDoc{} })
	})
	id := h.newSession("x")
	resp := h.do(http.MethodPost, "/api/sessions/"+id+"/export", nil)
	body := h.expect(resp, http.StatusInternalServerError)
	var e struct{ Error string }
	if err := json.Unmarshal(body, &e); err != nil || !strings.Contains(e.Error, "disk full") {
		t.Fatalf("body = %s", body)
	}
}

func TestExportRateLimited(t *testing.T) {
	h := newHarness(t, func(_ *Dependencies, o *Options) { o.ExportRatePerMinute = 1 })
	id := h.newSession("x")
	h.expect(h.do(http.MethodPost, "/api/sessions/"+id+"/export", nil), http.StatusOK)
	h.expect(h.do(http.MethodPost, "/api/sessions/"+id+"/export", nil), http.StatusTooManyRequests)
}

func TestAsyncDisabled(t *testing.T) {
	h := newHarness(t, nil)
	id := h.newSession("x")
	h.expect(h.do(http.MethodPost, "/api/sessions/"+id+"/exports", nil), http.StatusServiceUnavailable)
	h.expect(h.do(http.MethodGet, "/api/exports/abc", nil), http.StatusServiceUnavailable)
}

func TestAsyncExport(t *testing.T) {
	var a asyncParts
	h := newHarness(t, withAsync(t, &a))
	id := h.newSession("Async Book")
	base := "/api/sessions/" + id
	h.expect(h.do(http.MethodPut, base+"/slots/1/cover-1", designer.Image{AssetRef: goodRef}), http.StatusOK)

	var queued struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(h.expect(h.do(http.MethodPost, base+"/exports", nil), http.StatusAccepted), &queued); err != nil {
		t.Fatal(err)
	}
	if queued.JobID == "" || queued.Status != store.StatusQueued {
		t.Fatalf("queued = %+v", queued)
	}

	// edits after enqueue do not reach the job
	h.expect(h.do(http.MethodDelete, base+"/slots", nil), http.StatusOK)

	h.expect(h.do(http.MethodGet, "/api/exports/"+queued.JobID+"/download", nil), http.StatusAccepted)

	ctx := context.Background()
	msg, err := a.q.Dequeue(ctx, "test", time.Second)
	if err != nil || msg == nil {
		t.Fatalf("Dequeue = %v, %v", msg, err)
	}
	a.worker.Process(ctx, msg.Job)

	var st store.JobStatus
	if err := json.Unmarshal(h.expect(h.do(http.MethodGet, "/api/exports/"+queued.JobID, nil), http.StatusOK), &st); err != nil {
		t.Fatal(err)
	}
	if st.Status != store.StatusSuccess || st.Pages != 32 || st.Filename != "Async-Book.pdf" {
		t.Fatalf("status = %+v", st)
	}

	resp := h.do(http.MethodGet, "/api/exports/"+queued.JobID+"/download", nil)
	pdf := h.expect(resp, http.StatusOK)
	if _, err := pdfcheck.ExpectPages(pdf, 32); err != nil {
		t.Fatal(err)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "Async-Book.pdf") {
		t.Fatalf("disposition = %q", cd)
	}

	// sync exports holding every render slot turn previews away too
	var held []func()
	for i := 0; i < h.server.inflight.Max(); i++ {
		release, ok := h.server.inflight.Allow(renderKey)
		if !ok {
			t.Fatal("render slot not available")
		}
		held = append(held, release)
	}
	h.expect(h.do(http.MethodGet, "/api/exports/"+queued.JobID+"/pages/2.jpg", nil), http.StatusServiceUnavailable)
	for _, release := range held {
		release()
	}

	for i := 0; i < 2; i++ {
		resp = h.do(http.MethodGet, "/api/exports/"+queued.JobID+"/pages/1.jpg", nil)
		jpg := h.expect(resp, http.StatusOK)
		if _, err := jpeg.Decode(bytes.NewReader(jpg)); err != nil {
			t.Fatalf("preview is not a jpeg: %v", err)
		}
	}
	h.expect(h.do(http.MethodGet, "/api/exports/"+queued.JobID+"/pages/33.jpg", nil), http.StatusNotFound)
	h.expect(h.do(http.MethodGet, "/api/exports/missing", nil), http.StatusNotFound)
}

func TestExportBusy(t *testing.T) {
	sessions := designer.NewMemoryStore(time.Hour)
	sess := designer.NewSession()
	if err := sessions.Save(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	s := New(Dependencies{Sessions: sessions, Exporter: newExporter(t)}, Options{MaxConcurrentExports: 1})

	// hold the only slot as a concurrent export would
	release, ok := s.inflight.Allow(renderKey)
	if !ok {
		t.Fatal("slot not available")
	}
	defer release()

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sessions/"+sess.ID+"/export", nil))
	if rec.Code != http.StatusServiceUnavailable || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("code = %d headers = %v", rec.Code, rec.Header())
	}
}

func TestSyncExportLogsOnePair(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	sessions := designer.NewMemoryStore(time.Hour)
	sess := designer.NewSession()
	if err := sessions.Save(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	s := New(Dependencies{Sessions: sessions, Exporter: newExporter(t)}, Options{})

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sessions/"+sess.ID+"/export", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}
	out := buf.String()
	for _, msg := range []string{`"message":"export started"`, `"message":"export finished"`} {
		if n := strings.Count(out, msg); n != 1 {
			t.Errorf("%s logged %d times:\n%s", msg, n, out)
		}
	}
}
