package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// listDomains reports the detection level per observed domain.
func (s *Server) listDomains(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.antibot.Snapshot()
	out := make(map[string]string, len(snapshot))
	for domain, level := range snapshot {
		out[domain] = level.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": out})
}

// resetDomain is the operator escape hatch for blocked domains.
func (s *Server) resetDomain(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	s.antibot.Reset(domain)
	writeJSON(w, http.StatusOK, map[string]string{"domain": domain, "level": "none"})
}
