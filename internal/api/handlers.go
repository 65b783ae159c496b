package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lox/agrofrost/internal/forecast"
	"github.com/lox/agrofrost/internal/models"
	"github.com/lox/agrofrost/internal/report"
	"github.com/lox/agrofrost/internal/risk"
	"github.com/lox/agrofrost/internal/scaling"
	"github.com/lox/agrofrost/internal/store"
	"github.com/lox/agrofrost/internal/window"
)

const trendDays = 30

type AssessResponse struct {
	forecast.Result
	Trend []report.TrendPoint `json:"trend"`
}

type RunResponse struct {
	models.RunSummary
	Skipped []models.SkippedDay `json:"skipped"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	version, err := s.store.MigrationVersion()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "schema_version": version})
}

// floatParam returns def when the query parameter is absent.
func floatParam(r *http.Request, name string, def float64) (float64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.New("invalid " + name + ": " + v)
	}
	return f, nil
}

func (s *Server) handleAssess(w http.ResponseWriter, r *http.Request) {
	altitude, err := floatParam(r, "altitude", s.site.TargetAltitude)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	margin, err := floatParam(r, "margin", s.site.SafetyMargin)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	site := s.site.WithTarget(altitude).WithSafetyMargin(margin)
	if err := site.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	series, err := s.history()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	engine := risk.NewEngine(site)
	result, err := s.predictor.Assess(r.Context(), series, engine)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, window.ErrInsufficientHistory), errors.Is(err, window.ErrNotContiguous):
			status = http.StatusConflict
		case errors.Is(err, scaling.ErrDegenerateScaling):
			status = http.StatusUnprocessableEntity
		}
		s.logger.Warn("assessment failed", zap.Error(err))
		writeError(w, status, err)
		return
	}

	writeJSON(w, http.StatusOK, AssessResponse{
		Result: result,
		Trend:  report.Trend(series, trendDays, engine.FarmTemp),
	})
}

// history returns the most recent stored days of the configured station.
func (s *Server) history() ([]models.DailyObservation, error) {
	latest, err := s.store.LatestObservationDate(s.site.StationID)
	if err != nil {
		return nil, err
	}
	if latest.IsZero() {
		return nil, nil
	}
	start := latest.AddDate(0, 0, -(s.lookback - 1))
	return s.store.GetObservations(s.site.StationID, start, latest)
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	days := trendDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid days: "+v))
			return
		}
		days = n
	}

	latest, err := s.store.LatestObservationDate(s.site.StationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	observations := []models.DailyObservation{}
	if !latest.IsZero() {
		observations, err = s.store.GetObservations(s.site.StationID, latest.AddDate(0, 0, -(days-1)), latest)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, observations)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid limit: "+v))
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []models.RunSummary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	skipped, err := s.store.GetRunSkipped(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if skipped == nil {
		skipped = []models.SkippedDay{}
	}
	writeJSON(w, http.StatusOK, RunResponse{RunSummary: *run, Skipped: skipped})
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	events, err := s.store.GetRunEvents(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []models.BacktestEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}
