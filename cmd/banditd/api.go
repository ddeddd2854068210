package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Teamial/CineaMate/pkg/analytics"
	"github.com/Teamial/CineaMate/pkg/contracts"
	"github.com/Teamial/CineaMate/pkg/experiment"
	"github.com/Teamial/CineaMate/pkg/reward"
	"github.com/Teamial/CineaMate/pkg/serve"
)

type api struct {
	pipeline   *serve.Pipeline
	attributor *reward.Attributor
	manager    *experiment.Manager
	reporting  *analytics.Service
	logger     *slog.Logger
}

// newAPI builds the HTTP surface. The serve path never fails the caller on
// policy errors; everything else maps error kinds to status codes.
func newAPI(p *serve.Pipeline, a *reward.Attributor, m *experiment.Manager, r *analytics.Service) http.Handler {
	h := &api{
		pipeline:   p,
		attributor: a,
		manager:    m,
		reporting:  r,
		logger:     slog.Default().With("component", "api"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /v1/recommend", h.recommend)
	mux.HandleFunc("POST /v1/signals", h.ingestSignal)
	mux.HandleFunc("POST /v1/experiments/{id}/start", h.lifecycle(m.Start))
	mux.HandleFunc("POST /v1/experiments/{id}/pause", h.lifecycle(m.Pause))
	mux.HandleFunc("POST /v1/experiments/{id}/resume", h.lifecycle(m.Resume))
	mux.HandleFunc("POST /v1/experiments/{id}/end", h.lifecycle(m.End))
	mux.HandleFunc("POST /v1/experiments/{id}/kill", h.kill)
	mux.HandleFunc("GET /v1/experiments/{id}/summary", h.summary)
	mux.HandleFunc("GET /v1/experiments/{id}/arms", h.arms)
	mux.HandleFunc("GET /v1/experiments/{id}/cohorts", h.cohorts)
	mux.HandleFunc("GET /v1/experiments/{id}/events", h.events)
	mux.HandleFunc("GET /v1/experiments/{id}/timeseries", h.timeseries)
	mux.HandleFunc("GET /v1/experiments/{id}/guardrails", h.guardrailRows)
	mux.HandleFunc("GET /v1/experiments/{id}/decisions", h.decisions)
	mux.HandleFunc("GET /v1/experiments/{id}/export", h.export)
	return mux
}

type recommendRequest struct {
	UserID  string            `json:"user_id"`
	Surface string            `json:"surface"`
	K       int               `json:"k"`
	Context contracts.Context `json:"context,omitempty"`
}

func (h *api) recommend(w http.ResponseWriter, r *http.Request) {
	var req recommendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, contracts.NewError(contracts.ErrorKindConfiguration, "decode request", err))
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	recs, err := h.pipeline.Recommend(r.Context(), req.UserID, req.Surface, req.Context, req.K)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]any{"recommendations": recs})
}

type signalRequest struct {
	EventID string  `json:"event_id,omitempty"`
	UserID  string  `json:"user_id,omitempty"`
	ArmID   string  `json:"arm_id,omitempty"`
	Kind    string  `json:"kind"`
	Value   float64 `json:"value"`
	At      string  `json:"at,omitempty"` // RFC3339, default now
}

func (h *api) ingestSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, contracts.NewError(contracts.ErrorKindConfiguration, "decode signal", err))
		return
	}
	at := time.Now().UTC()
	if req.At != "" {
		parsed, err := time.Parse(time.RFC3339, req.At)
		if err != nil {
			http.Error(w, "bad at timestamp", http.StatusBadRequest)
			return
		}
		at = parsed.UTC()
	}
	sig := &contracts.RewardEvent{
		EventID: req.EventID,
		UserID:  req.UserID,
		ArmID:   req.ArmID,
		Kind:    contracts.RewardKind(req.Kind),
		Value:   req.Value,
		At:      at,
	}
	if err := h.attributor.Ingest(r.Context(), sig); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *api) lifecycle(op func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r.Context(), r.PathValue("id")); err != nil {
			httpError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *api) kill(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := h.manager.Kill(r.Context(), r.PathValue("id"), body.Reason); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *api) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.reporting.Summary(r.Context(), r.PathValue("id"))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, sum)
}

func (h *api) arms(w http.ResponseWriter, r *http.Request) {
	arms, err := h.reporting.Arms(r.Context(), r.PathValue("id"))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, arms)
}

func (h *api) cohorts(w http.ResponseWriter, r *http.Request) {
	cohorts, err := h.reporting.Cohorts(r.Context(), r.PathValue("id"),
		analytics.Breakdown(r.URL.Query().Get("by")))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, cohorts)
}

func (h *api) events(w http.ResponseWriter, r *http.Request) {
	page, err := h.reporting.Events(r.Context(), r.PathValue("id"),
		r.URL.Query().Get("cursor"), queryInt(r, "limit", 100))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, page)
}

func (h *api) timeseries(w http.ResponseWriter, r *http.Request) {
	from, to, err := timeRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	points, err := h.reporting.Timeseries(r.Context(), r.PathValue("id"),
		analytics.Metric(r.URL.Query().Get("metric")),
		analytics.Bucket(r.URL.Query().Get("bucket")),
		from, to)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, points)
}

func (h *api) guardrailRows(w http.ResponseWriter, r *http.Request) {
	rows, err := h.reporting.Guardrails(r.Context(), r.PathValue("id"), queryInt(r, "limit", 100))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, rows)
}

func (h *api) decisions(w http.ResponseWriter, r *http.Request) {
	rows, err := h.reporting.Decisions(r.Context(), r.PathValue("id"), queryInt(r, "limit", 50))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, rows)
}

func (h *api) export(w http.ResponseWriter, r *http.Request) {
	from, to, err := timeRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	format := analytics.ExportFormat(r.URL.Query().Get("format"))
	switch format {
	case analytics.ExportCSV:
		w.Header().Set("Content-Type", "text/csv")
	case analytics.ExportJSONL:
		w.Header().Set("Content-Type", "application/x-ndjson")
	default:
		http.Error(w, "format must be csv or jsonl", http.StatusBadRequest)
		return
	}
	if _, err := h.reporting.Export(r.Context(), w, r.PathValue("id"), format, from, to); err != nil {
		h.logger.Error("export failed", "experiment", r.PathValue("id"), "error", err)
	}
}

// timeRange parses from/to query params, defaulting to the last 7 days.
func timeRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from, to := now.AddDate(0, 0, -7), now
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("bad from timestamp")
		}
		from = parsed.UTC()
	}
	if v := r.URL.Query().Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("bad to timestamp")
		}
		to = parsed.UTC()
	}
	return from, to, nil
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("write response failed", "error", err)
	}
}

// httpError maps classified errors to status codes.
func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, contracts.ErrExperimentNotFound),
		errors.Is(err, contracts.ErrEventNotFound),
		errors.Is(err, contracts.ErrNoActiveExperiment):
		status = http.StatusNotFound
	default:
		switch contracts.KindOf(err) {
		case contracts.ErrorKindConfiguration:
			status = http.StatusBadRequest
		case contracts.ErrorKindAttributionClosed, contracts.ErrorKindStateConflict:
			status = http.StatusConflict
		case contracts.ErrorKindLogic:
			status = http.StatusUnprocessableEntity
		case contracts.ErrorKindTransient:
			status = http.StatusServiceUnavailable
		}
	}
	http.Error(w, err.Error(), status)
}
