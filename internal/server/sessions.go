package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/local/cratere/internal/designer"
	"github.com/local/cratere/internal/layout"
)

type sessionView struct {
	*designer.Session
	Present int `json:"present"`
	Empty   int `json:"empty"`
	Unset   int `json:"unset"`
}

func viewOf(s *designer.Session) sessionView {
	p, e, u := s.Counts()
	return sessionView{Session: s, Present: p, Empty: e, Unset: u}
}

type titleRequest struct {
	Title string `json:"title"`
}

type layoutRequest struct {
	Kind string `json:"kind"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	sess := designer.NewSession()
	sess.SetTitle(req.Title)
	if err := s.deps.Sessions.Save(r.Context(), sess); err != nil {
		designerError(w, err)
		return
	}
	log.Info().Str("session_id", sess.ID).Msg("session created")
	writeJSON(w, http.StatusCreated, viewOf(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		designerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	unlock := s.locks.Lock(id)
	defer unlock()
	if err := s.deps.Sessions.Delete(r.Context(), id); err != nil {
		designerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// mutate runs fn on the stored session under the session lock and saves the
// result. fn returning an error leaves the stored session unchanged.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, fn func(*designer.Session) error) {
	id := chi.URLParam(r, "id")
	unlock := s.locks.Lock(id)
	defer unlock()

	sess, err := s.deps.Sessions.Load(r.Context(), id)
	if err != nil {
		designerError(w, err)
		return
	}
	if err := fn(sess); err != nil {
		designerError(w, err)
		return
	}
	if err := s.deps.Sessions.Save(r.Context(), sess); err != nil {
		designerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleSetTitle(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.mutate(w, r, func(sess *designer.Session) error {
		sess.SetTitle(req.Title)
		return nil
	})
}

// handleSetLayout switches a spread's layout. The spread's images are
// dropped because slot IDs and geometry change with the layout.
func (s *Server) handleSetLayout(w http.ResponseWriter, r *http.Request) {
	page, ok := pageParam(w, r)
	if !ok {
		return
	}
	var req layoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	kind, err := layout.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mutate(w, r, func(sess *designer.Session) error {
		if err := sess.SetLayout(page, kind); err != nil {
			return err
		}
		sess.ClearSpread(page)
		return nil
	})
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	page, ok := pageParam(w, r)
	if !ok {
		return
	}
	var img designer.Image
	if !decodeJSON(w, r, &img) {
		return
	}
	if img.AssetRef == "" {
		writeError(w, http.StatusBadRequest, "asset_ref is required")
		return
	}
	slot := chi.URLParam(r, "slot")
	s.mutate(w, r, func(sess *designer.Session) error {
		return sess.Assign(page, slot, img)
	})
}

func (s *Server) handleClearSlot(w http.ResponseWriter, r *http.Request) {
	page, ok := pageParam(w, r)
	if !ok {
		return
	}
	slot := chi.URLParam(r, "slot")
	s.mutate(w, r, func(sess *designer.Session) error {
		return sess.Clear(page, slot)
	})
}

func (s *Server) handleClearSpread(w http.ResponseWriter, r *http.Request) {
	page, ok := pageParam(w, r)
	if !ok {
		return
	}
	s.mutate(w, r, func(sess *designer.Session) error {
		if !layout.ValidPage(page) {
			return designer.ErrInvalidPage
		}
		sess.ClearSpread(page)
		return nil
	})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, func(sess *designer.Session) error {
		sess.ClearAll()
		return nil
	})
}

func pageParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	p, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil || !layout.ValidPage(p) {
		writeError(w, http.StatusBadRequest, "page must be 1.."+strconv.Itoa(layout.LastPage))
		return 0, false
	}
	return p, true
}
