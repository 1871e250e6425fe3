// Package api provides HTTP handlers for the agentdesk REST surface.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agentdesk/internal/chats"
	"github.com/ashureev/agentdesk/internal/registry"
	"github.com/ashureev/agentdesk/internal/session"
	"github.com/ashureev/agentdesk/internal/store"
)

const maxBodyBytes = 1 << 20

// Handler serves the authenticated REST routes.
type Handler struct {
	repo     store.Repository
	chats    *chats.Manager
	registry *registry.Registry
	sessions *session.Manager
	logger   *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, cm *chats.Manager, reg *registry.Registry, sm *session.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:     repo,
		chats:    cm,
		registry: reg,
		sessions: sm,
		logger:   logger.With("component", "api"),
	}
}

// RegisterRoutes registers the /api routes behind authMW.
func (h *Handler) RegisterRoutes(r chi.Router, authMW func(http.Handler) http.Handler) {
	r.Route("/api", func(r chi.Router) {
		r.Use(authMW)

		r.Get("/me", h.GetMe)
		r.Get("/agents", h.ListAgents)

		r.Get("/chats", h.ListChats)
		r.Post("/chats", h.CreateChat)
		r.Route("/chats/{chatID}", func(r chi.Router) {
			r.Get("/", h.GetChat)
			r.Delete("/", h.DeleteChat)
			r.Put("/title", h.RenameChat)
			r.Get("/messages", h.ListMessages)
			r.Get("/todos", h.ListTodos)
			r.Post("/todos", h.CreateTodo)
		})
		r.Put("/todos/{todoID}/tasks/{step}", h.UpdateTask)
		r.Post("/todos/{todoID}/tasks", h.AddTask)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON body into v. An empty body leaves v unchanged.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// storeError maps a domain error to a response.
func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, chats.ErrChatNotFound):
		Error(w, http.StatusNotFound, "chat not found")
	case errors.Is(err, store.ErrTodoNotFound):
		Error(w, http.StatusNotFound, "todo not found")
	case errors.Is(err, chats.ErrInvalidTitle):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("request failed", "op", op, "error", err, "path", r.URL.Path)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
