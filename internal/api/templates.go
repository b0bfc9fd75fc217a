package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sax3l/sparkling-owl-spin/internal/extract"
)

// putTemplate accepts a YAML template document, schema-validates it against
// the transform/validator registry and stores it as a new immutable version.
func (s *Server) putTemplate(w http.ResponseWriter, r *http.Request) {
	doc, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}
	tpl, err := extract.ParseTemplate(doc)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := extract.Validate(tpl, s.registry); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	tpl.CreatedAt = s.clock.Now()

	if err := s.stores.Templates.PutTemplate(r.Context(), tpl); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"template_id": tpl.ID,
		"version":     tpl.Version,
		"status":      tpl.Status,
	})
}

// getTemplate serves the active version, or an exact version via ?version=.
func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "template_id")
	if raw := r.URL.Query().Get("version"); raw != "" {
		version, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "version must be an integer")
			return
		}
		tpl, err := s.stores.Templates.GetTemplate(r.Context(), id, version)
		if err != nil {
			writeError(w, http.StatusNotFound, "template not found")
			return
		}
		writeJSON(w, http.StatusOK, tpl)
		return
	}

	tpl, err := s.stores.Templates.ActiveTemplate(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "template has no active version")
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}
