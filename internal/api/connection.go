package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/voice-tutor/internal/domain"
	"github.com/ashureev/voice-tutor/internal/room"
)

// ConnectionIssuer creates room credentials for the frontend.
type ConnectionIssuer interface {
	ConnectionDetails(mode domain.Mode) (*room.ConnectionDetails, error)
}

// ConnectionHandler hands out room credentials.
type ConnectionHandler struct {
	issuer  ConnectionIssuer
	maxBody int64
}

// NewConnectionHandler creates a ConnectionHandler.
func NewConnectionHandler(issuer ConnectionIssuer, maxBody int64) *ConnectionHandler {
	return &ConnectionHandler{issuer: issuer, maxBody: maxBody}
}

// RegisterRoutes mounts the connection details route.
func (h *ConnectionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/connection-details", h.Create)
}

type connectionRequest struct {
	Mode string `json:"mode"`
}

// Create returns a fresh room name and participant token for the mode.
func (h *ConnectionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	mode := domain.ModeLesson
	if req.Mode != "" {
		parsed, err := domain.ParseMode(req.Mode)
		if err != nil {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		mode = parsed
	}

	details, err := h.issuer.ConnectionDetails(mode)
	if err != nil {
		if errors.Is(err, room.ErrNotConfigured) {
			Error(w, http.StatusServiceUnavailable, "room server is not configured")
			return
		}
		slog.Error("failed to issue connection details", "mode", mode, "error", err)
		Error(w, http.StatusInternalServerError, "failed to issue connection details")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	JSON(w, http.StatusOK, details)
}
