package api

import (
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MJE43/dystrail-tester/internal/playability"
	"github.com/MJE43/dystrail-tester/internal/scenario"
	"github.com/MJE43/dystrail-tester/internal/store"
)

// HealthResponse reports service status.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	GitCommit  string `json:"git_commit,omitempty"`
	BuildTime  string `json:"build_time,omitempty"`
	Uptime     string `json:"uptime"`
	Store      string `json:"store"`
	Scenarios  int    `json:"scenarios"`
	Goroutines int    `json:"goroutines"`
	RequestID  string `json:"request_id,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// ScenarioInfo describes a registered scenario.
type ScenarioInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Kind        string `json:"kind"`
	Logic       bool   `json:"logic"`
	Browser     bool   `json:"browser"`
	Metric      string `json:"metric,omitempty"`
}

// RecordsResponse wraps a run's records.
type RecordsResponse struct {
	RunID   string               `json:"runId"`
	Records []playability.Record `json:"records"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "healthy",
		Version:    Version,
		GitCommit:  GitCommit,
		BuildTime:  BuildTime,
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Store:      "healthy",
		Goroutines: runtime.NumGoroutine(),
		RequestID:  middleware.GetReqID(r.Context()),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if s.scenarios != nil {
		resp.Scenarios = len(s.scenarios.List())
	}
	status := http.StatusOK
	if s.runs == nil {
		resp.Store = "disabled"
		resp.Status = "degraded"
	} else if _, err := s.runs.ListRuns(r.Context(), store.ListQuery{Limit: 1}); err != nil {
		s.logger.Printf("health_check_failed component=store err=%v", err)
		resp.Store = "unhealthy"
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	out := []ScenarioInfo{}
	if s.scenarios != nil {
		for _, sc := range s.scenarios.List() {
			out = append(out, describeScenario(sc))
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"scenarios": out})
}

func (s *Server) handleGetScenario(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var sc *scenario.Scenario
	if s.scenarios != nil {
		sc, _ = s.scenarios.Lookup(name)
	}
	if sc == nil {
		s.errorHandler.HandleNotFound(w, r, ErrTypeScenarioNotFound, "scenario", name)
		return
	}
	s.writeJSON(w, http.StatusOK, describeScenario(sc))
}

func describeScenario(sc *scenario.Scenario) ScenarioInfo {
	return ScenarioInfo{
		Name:        sc.Name,
		Description: sc.Description,
		Kind:        string(sc.Kind()),
		Logic:       sc.CanRunLogic(),
		Browser:     sc.CanRunBrowser(),
		Metric:      sc.Metric,
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		s.errorHandler.HandleValidationError(w, r, "limit", err.Error())
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.errorHandler.HandleValidationError(w, r, "offset", err.Error())
		return
	}

	q := store.ListQuery{Scenario: r.URL.Query().Get("scenario"), Limit: limit, Offset: offset}
	if q.Scenario != "" && s.scenarios != nil {
		if sc, ok := s.scenarios.Lookup(q.Scenario); ok {
			q.Scenario = sc.Name
		}
	}
	page, err := s.runs.ListRuns(r.Context(), q)
	if err != nil {
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	id := chi.URLParam(r, "id")
	run, err := s.runs.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.errorHandler.HandleNotFound(w, r, ErrTypeRunNotFound, "run", id)
		return
	}
	if err != nil {
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetRecords(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	id := chi.URLParam(r, "id")
	records, err := s.runs.GetRecords(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.errorHandler.HandleNotFound(w, r, ErrTypeRunNotFound, "run", id)
		return
	}
	if err != nil {
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}

	if o := r.URL.Query().Get("outcome"); o != "" {
		filtered := []playability.Record{}
		for _, rec := range records {
			if string(rec.Outcome) == o {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	s.writeJSON(w, http.StatusOK, RecordsResponse{RunID: id, Records: records})
}

func (s *Server) requireStore(w http.ResponseWriter, r *http.Request) bool {
	if s.runs != nil {
		return true
	}
	s.errorHandler.HandleError(w, r, NewError(ErrTypeInternal, "run storage is not configured").
		WithRequestID(middleware.GetReqID(r.Context())).
		Build(), http.StatusServiceUnavailable)
	return false
}
