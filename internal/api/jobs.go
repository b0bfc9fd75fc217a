package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sax3l/sparkling-owl-spin/internal/engine"
)

type submitJobRequest struct {
	Type            string          `json:"type"`
	Domain          string          `json:"domain"`
	SeedURLs        []string        `json:"seed_urls"`
	TemplateID      string          `json:"template_id"`
	TemplateVersion int             `json:"template_version"`
	Priority        int             `json:"priority"`
	DependsOn       []string        `json:"depends_on"`
	Policy          json.RawMessage `json:"policy"`
}

// policyKeys is the closed set of accepted policy options. Anything else in
// the policy object rejects the submission instead of being ignored.
var policyKeys = map[string]struct{}{
	"transport":      {},
	"max_retries":    {},
	"rps_per_domain": {},
	"respect_robots": {},
	"max_depth":      {},
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	job, err := s.buildJob(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.scheduler.Submit(r.Context(), job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrDependencyCycle) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

type standardJobRequest struct {
	Name string `json:"name"`
}

// submitStandardJob admits a job from a named preset in the configuration.
func (s *Server) submitStandardJob(w http.ResponseWriter, r *http.Request) {
	var req standardJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing job name")
		return
	}
	preset, ok := s.cfg.StandardJobs[req.Name]
	if !ok {
		writeError(w, http.StatusNotFound, "standard job not found")
		return
	}

	id, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate job id failed")
		return
	}
	transport := engine.TransportMode(preset.Policy.Transport)
	if transport == "" {
		transport = engine.TransportAuto
	}
	job := engine.Job{
		ID:              id,
		Type:            engine.JobType(preset.Type),
		Domain:          strings.ToLower(preset.Domain),
		SeedURLs:        append([]string(nil), preset.SeedURLs...),
		TemplateID:      preset.TemplateID,
		TemplateVersion: preset.TemplateVersion,
		Priority:        preset.Priority,
		Policy: engine.JobPolicy{
			Transport:     transport,
			MaxRetries:    preset.Policy.MaxRetries,
			RPSPerDomain:  preset.Policy.RPSPerDomain,
			RespectRobots: preset.Policy.RespectRobots,
			MaxDepth:      preset.Policy.MaxDepth,
		},
		MaxRetries: preset.Policy.MaxRetries,
	}

	if err := s.scheduler.Submit(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

func (s *Server) buildJob(req submitJobRequest) (engine.Job, error) {
	jobType := engine.JobType(req.Type)
	switch jobType {
	case engine.JobTypeCrawl, engine.JobTypeScrape, engine.JobTypeExportTrigger:
	default:
		return engine.Job{}, fmt.Errorf("unknown job type %q", req.Type)
	}

	if req.Domain == "" {
		return engine.Job{}, errors.New("domain is required")
	}
	if jobType != engine.JobTypeExportTrigger && len(req.SeedURLs) == 0 {
		return engine.Job{}, errors.New("seed_urls are required")
	}
	for _, seed := range req.SeedURLs {
		u, err := url.Parse(seed)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return engine.Job{}, fmt.Errorf("seed url %q is not absolute", seed)
		}
	}
	if jobType == engine.JobTypeScrape && req.TemplateID == "" {
		return engine.Job{}, errors.New("template_id is required for scrape jobs")
	}

	policy, err := parsePolicy(req.Policy)
	if err != nil {
		return engine.Job{}, err
	}

	id, err := s.idGen.NewID()
	if err != nil {
		return engine.Job{}, fmt.Errorf("generate job id: %w", err)
	}

	return engine.Job{
		ID:              id,
		Type:            jobType,
		Domain:          strings.ToLower(req.Domain),
		SeedURLs:        req.SeedURLs,
		TemplateID:      req.TemplateID,
		TemplateVersion: req.TemplateVersion,
		Priority:        req.Priority,
		DependsOn:       req.DependsOn,
		Policy:          policy,
		MaxRetries:      policy.MaxRetries,
	}, nil
}

// parsePolicy decodes the policy object, rejecting unknown options and
// invalid values outright.
func parsePolicy(raw json.RawMessage) (engine.JobPolicy, error) {
	policy := engine.JobPolicy{
		Transport:  engine.TransportAuto,
		MaxRetries: 3,
	}
	if len(raw) == 0 {
		return policy, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return engine.JobPolicy{}, fmt.Errorf("policy must be an object: %w", err)
	}
	for key := range fields {
		if _, known := policyKeys[key]; !known {
			return engine.JobPolicy{}, fmt.Errorf("unknown policy option %q", key)
		}
	}
	if err := json.Unmarshal(raw, &policy); err != nil {
		return engine.JobPolicy{}, fmt.Errorf("decode policy: %w", err)
	}

	switch policy.Transport {
	case engine.TransportAuto, engine.TransportHTTP, engine.TransportBrowser:
	case "":
		policy.Transport = engine.TransportAuto
	default:
		return engine.JobPolicy{}, fmt.Errorf("unknown transport %q", policy.Transport)
	}
	if policy.MaxRetries < 0 {
		return engine.JobPolicy{}, errors.New("max_retries must be >= 0")
	}
	if policy.RPSPerDomain < 0 {
		return engine.JobPolicy{}, errors.New("rps_per_domain must be >= 0")
	}
	if policy.MaxDepth < 0 {
		return engine.JobPolicy{}, errors.New("max_depth must be >= 0")
	}
	return policy, nil
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.stores.Jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.stores.Jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	results, err := s.stores.Results.ListResults(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load results")
		return
	}
	attempts, err := s.stores.Attempts.ListAttempts(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load attempts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":      job,
		"results":  results,
		"attempts": attempts,
	})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.scheduler.Cancel(r.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, engine.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		default:
			writeError(w, http.StatusConflict, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "cancel requested"})
}
