package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agentdesk/internal/registry"
	"github.com/ashureev/agentdesk/internal/session"
	"github.com/ashureev/agentdesk/internal/store"
)

const healthCheckTimeout = 5 * time.Second

// ListAgents returns the registered agents in priority order.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	def := ""
	if spec, err := h.registry.Default(); err == nil {
		def = spec.Name
	}
	specs := h.registry.Specs()
	if specs == nil {
		specs = []registry.Spec{}
	}
	JSON(w, http.StatusOK, map[string]any{
		"default": def,
		"agents":  specs,
	})
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo     store.Repository
	sessions *session.Manager
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository, sm *session.Manager) *HealthHandler {
	return &HealthHandler{repo: repo, sessions: sm}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]any{
		"status":   "healthy",
		"checks":   checks,
		"sessions": h.sessions.Count(),
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
