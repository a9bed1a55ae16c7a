package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xsx123123/EBIDownload/internal/downloader/progress"
	"github.com/xsx123123/EBIDownload/internal/logctx"
	"github.com/xsx123123/EBIDownload/internal/storage"
	"github.com/xsx123123/EBIDownload/internal/telemetry"
)

// ProgressSource is the read side of the progress hub.
type ProgressSource interface {
	Snapshot() []progress.FileProgress
}

type StatusHandler struct {
	runID     string
	started   time.Time
	hub       ProgressSource
	outcomes  storage.OutcomeReadRepository
	telemetry *telemetry.Telemetry
}

// NewStatusHandler serves the state of the current run. outcomes may be nil when no ledger
// is configured.
func NewStatusHandler(runID string, hub ProgressSource, outcomes storage.OutcomeReadRepository, t *telemetry.Telemetry) *StatusHandler {
	return &StatusHandler{
		runID:     runID,
		started:   time.Now(),
		hub:       hub,
		outcomes:  outcomes,
		telemetry: t,
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	RunID   string `json:"run_id"`
	Uptime  string `json:"uptime"`
	Started string `json:"started"`
}

type progressResponse struct {
	RunID string                  `json:"run_id"`
	Total int64                   `json:"total_bytes"`
	Bytes int64                   `json:"bytes"`
	Files []progress.FileProgress `json:"files"`
}

func (h *StatusHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(h.telemetry).Middleware)

	r.Get("/healthz", h.HandleHealth)
	r.Get("/progress", h.HandleProgress)
	r.Get("/outcomes", h.HandleOutcomes)
	r.Get("/outcomes/{descriptorID}", h.HandleLastOutcome)
	r.Method(http.MethodGet, "/metrics", h.telemetry.Handler())

	return r
}

func (h *StatusHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, healthResponse{
		Status:  "ok",
		RunID:   h.runID,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Started: h.started.UTC().Format(time.RFC3339),
	})
}

func (h *StatusHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	files := h.hub.Snapshot()

	resp := progressResponse{RunID: h.runID, Files: files}
	for _, f := range files {
		resp.Total += f.Total
		resp.Bytes += f.Done
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleOutcomes lists the ledger rows of ?run=<uuid>, defaulting to the current run.
func (h *StatusHandler) HandleOutcomes(w http.ResponseWriter, r *http.Request) {
	if h.outcomes == nil {
		http.Error(w, "outcome ledger disabled", http.StatusNotFound)
		return
	}

	runID := r.URL.Query().Get("run")
	if runID == "" {
		runID = h.runID
	}

	records, err := h.outcomes.ListOutcomes(r.Context(), runID)
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to list outcomes", "err", err)
		http.Error(w, "failed to list outcomes", http.StatusInternalServerError)

		return
	}

	if records == nil {
		records = []storage.OutcomeRecord{}
	}

	writeJSON(w, r, http.StatusOK, records)
}

func (h *StatusHandler) HandleLastOutcome(w http.ResponseWriter, r *http.Request) {
	if h.outcomes == nil {
		http.Error(w, "outcome ledger disabled", http.StatusNotFound)
		return
	}

	rec, err := h.outcomes.LastOutcome(r.Context(), chi.URLParam(r, "descriptorID"))

	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "no outcome recorded", http.StatusNotFound)
	case err != nil:
		logctx.LoggerFromContext(r.Context()).Error("failed to load outcome", "err", err)
		http.Error(w, "failed to load outcome", http.StatusInternalServerError)
	default:
		writeJSON(w, r, http.StatusOK, rec)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
