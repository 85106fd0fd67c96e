package server

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/cratere/internal/dispatcher"
	"github.com/local/cratere/internal/export"
	logpkg "github.com/local/cratere/internal/logger"
	"github.com/local/cratere/internal/preview"
	"github.com/local/cratere/internal/queue"
	"github.com/local/cratere/internal/storage"
	"github.com/local/cratere/internal/store"
)

// Headers describing a finished export.
const (
	HeaderFailedSlots = "X-Export-Failed-Slots"
	HeaderPages       = "X-Export-Pages"
)

// renderKey is the in-flight pool shared by sync exports and page previews.
const renderKey = "render"

// handleExport renders the session's book synchronously and streams the PDF.
// Slots that could not be filled are listed in X-Export-Failed-Slots; a
// failure of the export as a whole is a 500 with a JSON body.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.deps.Sessions.Load(r.Context(), id)
	if err != nil {
		designerError(w, err)
		return
	}
	release, ok := s.inflight.Allow(renderKey)
	if !ok {
		busy(w)
		return
	}
	defer release()

	res, err := s.deps.Exporter.Export(r.Context(), export.Request{
		Assignments: sess,
		Layouts:     sess.Book(),
		Title:       sess.Title,
	})
	if err != nil {
		logger := logpkg.ForSession(id)
		logger.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("sync export failed")
		writeError(w, http.StatusInternalServerError, "export failed: "+err.Error())
		return
	}

	failed := make([]string, 0, len(res.Failures))
	for _, f := range res.Failures {
		failed = append(failed, f.Key())
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", attachment(res.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.PDF)))
	w.Header().Set(HeaderPages, strconv.Itoa(res.Pages))
	if len(failed) > 0 {
		w.Header().Set(HeaderFailedSlots, strings.Join(failed, ","))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.PDF)
}

// handleEnqueueExport snapshots the session into an async export job.
func (s *Server) handleEnqueueExport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil || s.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "async exports are not enabled")
		return
	}
	id := chi.URLParam(r, "id")
	sess, err := s.deps.Sessions.Load(r.Context(), id)
	if err != nil {
		designerError(w, err)
		return
	}

	jobID := uuid.NewString()
	now := time.Now().UTC()
	st := store.JobStatus{ID: jobID, SessionID: sess.ID, Status: store.StatusQueued, Start: &now}
	if err := s.deps.Jobs.Set(r.Context(), st); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("job status write failed")
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	msgID, err := s.deps.Queue.EnqueueExport(r.Context(), queue.ExportJob{JobID: jobID, Session: sess, EnqueuedAt: now})
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("enqueue failed")
		end := time.Now().UTC()
		st.Status, st.Message, st.End = store.StatusFailed, "queue unavailable", &end
		_ = s.deps.Jobs.Set(context.Background(), st)
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	log.Info().Str("job_id", jobID).Str("session_id", sess.ID).Str("msg_id", msgID).Msg("export job queued")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     jobID,
		"status":     store.StatusQueued,
		"status_url": "/api/exports/" + jobID,
	})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (store.JobStatus, bool) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "async exports are not enabled")
		return store.JobStatus{}, false
	}
	jobID := chi.URLParam(r, "job")
	st, ok, err := s.deps.Jobs.Get(r.Context(), jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("job status read failed")
		writeError(w, http.StatusInternalServerError, "job store error")
		return store.JobStatus{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return store.JobStatus{}, false
	}
	return st, true
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// readyJob loads a job and insists it finished successfully.
func (s *Server) readyJob(w http.ResponseWriter, r *http.Request) (store.JobStatus, bool) {
	st, ok := s.loadJob(w, r)
	if !ok {
		return st, false
	}
	switch st.Status {
	case store.StatusSuccess:
		if s.deps.Sink == nil {
			writeError(w, http.StatusServiceUnavailable, "export storage not configured")
			return st, false
		}
		return st, true
	case store.StatusFailed:
		writeError(w, http.StatusConflict, "export failed: "+st.Message)
	default:
		writeJSON(w, http.StatusAccepted, st)
	}
	return st, false
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	st, ok := s.readyJob(w, r)
	if !ok {
		return
	}
	key := dispatcher.ObjectKey(st.ID, st.Filename)
	if u, err := s.deps.Sink.DownloadURL(r.Context(), key, st.Filename); err != nil {
		log.Warn().Err(err).Str("job_id", st.ID).Msg("presign failed, streaming instead")
	} else if u != "" {
		http.Redirect(w, r, u, http.StatusFound)
		return
	}

	pdf, err := s.deps.Sink.Get(r.Context(), key)
	if err != nil {
		s.sinkError(w, st.ID, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", attachment(st.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	w.Header().Set(HeaderPages, strconv.Itoa(st.Pages))
	if len(st.FailedSlots) > 0 {
		w.Header().Set(HeaderFailedSlots, strings.Join(st.FailedSlots, ","))
	}
	_, _ = w.Write(pdf)
}

// handlePreview renders one page of a finished export as JPEG.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "invalid page number")
		return
	}
	st, ok := s.readyJob(w, r)
	if !ok {
		return
	}
	if n > st.Pages {
		writeError(w, http.StatusNotFound, fmt.Sprintf("page %d out of range 1..%d", n, st.Pages))
		return
	}

	cacheKey := st.ID + "/" + strconv.Itoa(n)
	if v, ok := s.previews.Get(cacheKey); ok {
		writeJPEG(w, v.([]byte))
		return
	}
	release, ok := s.inflight.Allow(renderKey)
	if !ok {
		busy(w)
		return
	}
	defer release()
	pdf, err := s.deps.Sink.Get(r.Context(), dispatcher.ObjectKey(st.ID, st.Filename))
	if err != nil {
		s.sinkError(w, st.ID, err)
		return
	}
	page, err := preview.RenderPage(pdf, n, s.opts.PreviewDPI, 80, preview.ColorRGB)
	if err != nil {
		log.Error().Err(err).Str("job_id", st.ID).Int("page", n).Msg("preview render failed")
		writeError(w, http.StatusInternalServerError, "preview failed")
		return
	}
	s.previews.SetDefault(cacheKey, page.JPEG)
	writeJPEG(w, page.JPEG)
}

func (s *Server) sinkError(w http.ResponseWriter, jobID string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusGone, "export no longer available")
		return
	}
	log.Error().Err(err).Str("job_id", jobID).Msg("export read failed")
	writeError(w, http.StatusBadGateway, "export storage error")
}

func busy(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "10")
	writeError(w, http.StatusServiceUnavailable, "too many exports in progress, retry shortly")
}

func writeJPEG(w http.ResponseWriter, b []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=600")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	_, _ = w.Write(b)
}

func attachment(filename string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": filename})
}
