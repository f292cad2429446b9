package api

import (
	"encoding/csv"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MJE43/dystrail-tester/internal/playability"
	"github.com/MJE43/dystrail-tester/internal/store"
)

var exportHeader = []string{"seed", "index", "scenario", "mode", "outcome", "metric", "timed_out", "duration_ms", "divergence", "artifact_dir", "error"}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	id := chi.URLParam(r, "id")
	err := s.runs.DeleteRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.errorHandler.HandleNotFound(w, r, ErrTypeRunNotFound, "run", id)
		return
	}
	if err != nil {
		s.errorHandler.HandleError(w, r, err, http.StatusInternalServerError)
		return
	}
	s.logger.Printf("run_deleted id=%s", id)
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/v1/runs/{id}/export.csv
func (s *Server) handleExportRecords(w http.ResponseWriter, r *http.Request) {
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

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="run_`+id+`.csv"`)
	w.Header().Set("X-Tester-Version", Version)
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		s.logger.Printf("export_failed id=%s err=%v", id, err)
		return
	}
	for _, rec := range records {
		if err := cw.Write(exportRow(rec)); err != nil {
			s.logger.Printf("export_failed id=%s err=%v", id, err)
			return
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.Printf("export_failed id=%s err=%v", id, err)
	}
}

func exportRow(rec playability.Record) []string {
	metric := ""
	if rec.Metric != nil {
		metric = strconv.FormatFloat(*rec.Metric, 'f', 2, 64)
	}
	return []string{
		strconv.FormatInt(rec.Seed, 10),
		strconv.Itoa(rec.Index),
		rec.Scenario,
		string(rec.Mode),
		string(rec.Outcome),
		metric,
		strconv.FormatBool(rec.TimedOut),
		strconv.FormatInt(rec.Duration.Round(time.Millisecond).Milliseconds(), 10),
		strings.Join(rec.Divergence, ";"),
		rec.ArtifactDir,
		rec.Error,
	}
}
