package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/voice-tutor/internal/store"
)

const healthCheckTimeout = 5 * time.Second

// SpeechChecker reports whether the speech sidecar is serving.
type SpeechChecker interface {
	Ready(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo     store.Repository
	sessions Sessions
	speech   SpeechChecker
}

// NewHealthHandler creates a health handler. speech may be nil.
func NewHealthHandler(repo store.Repository, sessions Sessions, speech SpeechChecker) *HealthHandler {
	return &HealthHandler{repo: repo, sessions: sessions, speech: speech}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			slog.Error("Health check failed", "error", err)
			status["status"] = "degraded"
			checks["database"] = "unreachable"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}
	if h.speech != nil {
		if err := h.speech.Ready(ctx); err != nil {
			status["status"] = "degraded"
			checks["speech"] = err.Error()
		} else {
			checks["speech"] = "ok"
		}
	}
	if h.sessions != nil {
		status["sessions"] = h.sessions.Count()
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
