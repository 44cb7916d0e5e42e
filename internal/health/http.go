package health

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPHandler provides HTTP endpoints for health checks
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHTTPHandler creates a new HTTP handler for health checks
func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{manager: manager, logger: logger}
}

// RegisterRoutes registers health check endpoints with an HTTP mux
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/ready", h.handleReadiness)
	mux.HandleFunc("/health/live", h.handleLiveness)
	mux.HandleFunc("/health/detailed", h.handleDetailedHealth)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	overall := h.manager.GetOverallHealth(r.Context())
	h.writeJSON(w, statusCode(overall.Status), map[string]any{
		"status":    overall.Status.String(),
		"message":   overall.Message,
		"timestamp": overall.Timestamp.Unix(),
		"duration":  overall.Duration.String(),
		"degraded":  overall.Degraded,
		"ready":     overall.Ready,
		"live":      overall.Live,
	})
}

func (h *HTTPHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ready := h.manager.IsReady(r.Context())
	code, message := http.StatusOK, "ready"
	if !ready {
		code, message = http.StatusServiceUnavailable, "not ready"
	}
	h.writeJSON(w, code, map[string]any{"status": message, "ready": ready, "timestamp": time.Now().Unix()})
}

func (h *HTTPHandler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	alive := h.manager.IsLive(r.Context())
	code, message := http.StatusOK, "alive"
	if !alive {
		code, message = http.StatusServiceUnavailable, "not alive"
	}
	h.writeJSON(w, code, map[string]any{"status": message, "live": alive, "timestamp": time.Now().Unix()})
}

// handleDetailedHealth serves per-component results; ?cached=true skips
// running the checks again.
func (h *HTTPHandler) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var detailed DetailedHealth
	if r.URL.Query().Get("cached") == "true" {
		components := h.manager.LastResults()
		detailed = DetailedHealth{
			Overall:    calculateOverallStatus(components),
			Components: components,
			Summary:    summarize(components),
			Timestamp:  time.Now(),
		}
	} else {
		detailed = h.manager.GetDetailedHealth(r.Context())
	}
	h.writeJSON(w, statusCode(detailed.Overall.Status), detailed)
}

func statusCode(s CheckStatus) int {
	switch s {
	case StatusHealthy, StatusDegraded:
		return http.StatusOK
	default:
		return http.StatusServiceUnavailable
	}
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, code int, message string) {
	h.writeJSON(w, code, map[string]any{"error": message, "timestamp": time.Now().Unix()})
}
