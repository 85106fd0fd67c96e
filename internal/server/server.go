package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/local/cratere/internal/cms"
	"github.com/local/cratere/internal/designer"
	"github.com/local/cratere/internal/export"
	"github.com/local/cratere/internal/limiter"
	"github.com/local/cratere/internal/metrics"
	"github.com/local/cratere/internal/queue"
	"github.com/local/cratere/internal/statuscheck"
	"github.com/local/cratere/internal/storage"
	"github.com/local/cratere/internal/store"
	"github.com/local/cratere/internal/web"
)

const maxJSONBody = 1 << 20

// Catalog lists portfolio projects.
type Catalog interface {
	Projects(ctx context.Context) ([]cms.Project, error)
	CommercialProjects(ctx context.Context) ([]cms.Project, error)
}

// JobQueue accepts async export jobs.
type JobQueue interface {
	EnqueueExport(ctx context.Context, job queue.ExportJob) (string, error)
}

// JobStore keeps async export status.
type JobStore interface {
	Set(ctx context.Context, st store.JobStatus) error
	Get(ctx context.Context, jobID string) (store.JobStatus, bool, error)
}

// Dependencies wires the server. Queue, Jobs and Sink are nil when async
// exports are disabled; Web, Proxy and Status are optional.
type Dependencies struct {
	Sessions designer.Store
	Exporter *export.Exporter
	Catalog  Catalog
	Proxy    http.Handler
	Status   *statuscheck.Checker
	Web      *web.Web
	Queue    JobQueue
	Jobs     JobStore
	Sink     storage.Sink
}

type Options struct {
	ExportRatePerMinute int

	// MaxConcurrentExports bounds synchronous exports and preview renders
	// running at once in this process; extra requests get 503.
	MaxConcurrentExports int
	PreviewDPI           int
}

// Server is the HTTP API of the book designer.
type Server struct {
	deps     Dependencies
	opts     Options
	locks    *keyedMutex
	inflight *limiter.Inflight
	previews *cache.Cache
}

func New(deps Dependencies, opts Options) *Server {
	if opts.PreviewDPI <= 0 {
		opts.PreviewDPI = 72
	}
	return &Server{
		deps:     deps,
		opts:     opts,
		locks:    newKeyedMutex(),
		inflight: limiter.New(opts.MaxConcurrentExports),
		previews: cache.New(10*time.Minute, 20*time.Minute),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/status", s.handleStatus)
	if s.deps.Web != nil {
		s.deps.Web.RegisterRoutes(r)
	}

	r.Route("/api", func(r chi.Router) {
		if s.deps.Proxy != nil {
			r.Method(http.MethodGet, "/image-proxy", s.deps.Proxy)
		}
		r.Get("/images", s.handleImages)
		r.Get("/layouts", s.handleLayouts)
		r.Get("/layouts/{page}", s.handlePageLayout)

		r.Post("/sessions", s.handleCreateSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleDeleteSession)
			r.Put("/title", s.handleSetTitle)
			r.Put("/layouts/{page}", s.handleSetLayout)
			r.Put("/slots/{page}/{slot}", s.handleAssign)
			r.Delete("/slots/{page}/{slot}", s.handleClearSlot)
			r.Delete("/spreads/{page}", s.handleClearSpread)
			r.Delete("/slots", s.handleClearAll)

			r.Group(func(r chi.Router) {
				if s.opts.ExportRatePerMinute > 0 {
					r.Use(httprate.LimitByIP(s.opts.ExportRatePerMinute, time.Minute))
				}
				r.Post("/export", s.handleExport)
				r.Post("/exports", s.handleEnqueueExport)
			})
		})

		r.Get("/exports/{job}", s.handleJobStatus)
		r.Get("/exports/{job}/download", s.handleDownload)
		r.Get("/exports/{job}/pages/{n}.jpg", s.handlePreview)
	})
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	sum := s.deps.Status.Summary(r.Context())
	code := http.StatusOK
	healthy := sum.Healthy(s.deps.Status.Async())
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"ok": healthy, "checks": sum})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		ev := log.Info()
		if ww.Status() >= 500 {
			ev = log.Warn()
		} else if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			ev = log.Debug()
		}
		ev.Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

// designerError maps designer errors onto HTTP status codes.
func designerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, designer.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, designer.ErrUnknownSlot):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, designer.ErrInvalidPage), errors.Is(err, designer.ErrFixedLayout):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg("designer request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// keyedMutex serialises read-modify-write cycles per session.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*refLock{}}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
