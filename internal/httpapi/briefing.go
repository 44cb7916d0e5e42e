package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/briefing/internal/db"
	"github.com/Kocoro-lab/briefing/internal/orchestrator"
	"github.com/Kocoro-lab/briefing/internal/schedules"
)

// ErrNoBriefing is returned by a LatestSource before the first run.
var ErrNoBriefing = errors.New("no briefing available yet")

// LatestSource returns the latest briefing document as JSON.
type LatestSource interface {
	LatestDocument(ctx context.Context) ([]byte, error)
}

// RunReader reads persisted runs.
type RunReader interface {
	LoadRun(ctx context.Context, runID string) (*db.RunRecord, []db.TaskOutcomeRecord, error)
	Events(ctx context.Context, runID string) ([]orchestrator.Event, error)
}

// Trigger starts a run out of schedule.
type Trigger interface {
	Trigger() bool
	Stats() schedules.Stats
}

// BriefingHandler serves the latest briefing and run inspection endpoints.
type BriefingHandler struct {
	latest    LatestSource
	runs      RunReader
	tracker   *orchestrator.Tracker
	trigger   Trigger
	logger    *zap.Logger
	authToken string
}

// NewBriefingHandler creates the handler. runs and trigger may be nil.
func NewBriefingHandler(latest LatestSource, runs RunReader, tracker *orchestrator.Tracker, trigger Trigger, logger *zap.Logger, authToken string) *BriefingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BriefingHandler{
		latest:    latest,
		runs:      runs,
		tracker:   tracker,
		trigger:   trigger,
		logger:    logger,
		authToken: authToken,
	}
}

// RegisterRoutes registers briefing routes on the provided mux.
func (h *BriefingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/briefing/latest", h.handleLatest)
	mux.HandleFunc("/briefing/runs", h.handleRun)
	mux.HandleFunc("/briefing/timeline", h.handleTimeline)
	mux.HandleFunc("/briefing/schedule", h.handleSchedule)
	mux.HandleFunc("/briefing/trigger", h.handleTrigger)
}

func (h *BriefingHandler) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := h.latest.LatestDocument(r.Context())
	if errors.Is(err, ErrNoBriefing) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("load latest briefing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "latest briefing unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// handleRun: GET /briefing/runs?run_id=
func (h *BriefingHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id required")
		return
	}
	if h.runs == nil {
		writeError(w, http.StatusNotImplemented, "run store disabled")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	run, tasks, err := h.runs.LoadRun(ctx, runID)
	if errors.Is(err, db.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		h.logger.Error("load run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load run failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "tasks": tasks})
}

// handleTimeline: GET /briefing/timeline?run_id=. Recent runs come from
// memory; older ones from the run store.
func (h *BriefingHandler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id required")
		return
	}
	if h.tracker != nil {
		if trace, ok := h.tracker.Trace(runID); ok {
			writeJSON(w, http.StatusOK, map[string]any{
				"run_id": runID, "source": "memory", "status": trace.Status, "events": trace.Events,
			})
			return
		}
	}
	if h.runs == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	events, err := h.runs.Events(r.Context(), runID)
	if err != nil {
		h.logger.Error("load timeline failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load timeline failed")
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "source": "store", "events": events})
}

func (h *BriefingHandler) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.trigger == nil {
		writeError(w, http.StatusNotFound, "scheduler not running")
		return
	}
	writeJSON(w, http.StatusOK, h.trigger.Stats())
}

// handleTrigger: POST /briefing/trigger starts a run in the background.
func (h *BriefingHandler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.authToken != "" {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != h.authToken {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}
	if h.trigger == nil {
		writeError(w, http.StatusNotFound, "scheduler not running")
		return
	}
	go func() {
		if !h.trigger.Trigger() {
			h.logger.Info("manual trigger ignored, run in progress")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{"error": message})
}
