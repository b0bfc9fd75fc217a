package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
)

type ingestProxiesRequest struct {
	PoolID  string                  `json:"pool_id"`
	Proxies []engine.ProxyCandidate `json:"proxies"`
}

func (s *Server) ingestProxies(w http.ResponseWriter, r *http.Request) {
	var req ingestProxiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Proxies) == 0 {
		writeError(w, http.StatusBadRequest, "proxies are required")
		return
	}
	if req.PoolID == "" {
		req.PoolID = "default"
	}

	report, err := s.pool.Ingest(req.PoolID, req.Proxies)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) poolHealth(w http.ResponseWriter, r *http.Request) {
	poolID := r.URL.Query().Get("pool")
	writeJSON(w, http.StatusOK, s.pool.Health(poolID))
}

func (s *Server) deactivateProxy(w http.ResponseWriter, r *http.Request) {
	proxyID := chi.URLParam(r, "proxy_id")
	if err := s.pool.Deactivate(proxyID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"proxy_id": proxyID, "status": string(engine.ProxyStatusInactive)})
}
