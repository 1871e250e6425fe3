package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashureev/agentdesk/internal/auth"
	"github.com/ashureev/agentdesk/internal/chats"
	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/store"
)

// ListTodos returns the todo lists of a chat, optionally filtered by ?status=.
func (h *Handler) ListTodos(w http.ResponseWriter, r *http.Request) {
	chat, err := h.chats.Get(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "chatID"))
	if err != nil {
		h.storeError(w, r, err, "list todos")
		return
	}
	status := domain.TodoStatus(r.URL.Query().Get("status"))
	todos, err := h.repo.ListTodos(r.Context(), chat.ChatID, status)
	if err != nil {
		h.storeError(w, r, err, "list todos")
		return
	}
	if todos == nil {
		todos = []*domain.Todo{}
	}
	JSON(w, http.StatusOK, map[string]any{"todos": todos})
}

type createTodoRequest struct {
	Agent string            `json:"agent"`
	Title string            `json:"title"`
	Tasks []domain.TodoTask `json:"tasks"`
}

// CreateTodo adds a todo list to a chat.
func (h *Handler) CreateTodo(w http.ResponseWriter, r *http.Request) {
	chat, err := h.chats.Get(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "chatID"))
	if err != nil {
		h.storeError(w, r, err, "create todo")
		return
	}
	var req createTodoRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		Error(w, http.StatusBadRequest, "title is required")
		return
	}
	for _, task := range req.Tasks {
		if task.Status != "" && !task.Status.Valid() {
			Error(w, http.StatusBadRequest, "invalid task status")
			return
		}
	}
	if req.Agent == "" {
		if spec, err := h.registry.Default(); err == nil {
			req.Agent = spec.Name
		}
	}

	todo := &domain.Todo{
		ID:     uuid.NewString(),
		ChatID: chat.ChatID,
		Agent:  req.Agent,
		Title:  req.Title,
		Tasks:  req.Tasks,
	}
	if err := h.repo.CreateTodo(r.Context(), todo); err != nil {
		h.storeError(w, r, err, "create todo")
		return
	}
	h.logger.Info("todo created", "todo_id", todo.ID, "chat_id", chat.ChatID, "tasks", len(todo.Tasks))
	JSON(w, http.StatusCreated, todo)
}

type updateTaskRequest struct {
	Status      domain.TaskStatus `json:"status"`
	Title       *string           `json:"title"`
	Description *string           `json:"description"`
}

// UpdateTask changes one task of a todo list.
func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	step, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil || step < 1 {
		Error(w, http.StatusBadRequest, "invalid step")
		return
	}
	var req updateTaskRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status != "" && !req.Status.Valid() {
		Error(w, http.StatusBadRequest, "invalid task status")
		return
	}

	todoID := chi.URLParam(r, "todoID")
	if err := h.authorizeTodo(r, todoID); err != nil {
		h.storeError(w, r, err, "update task")
		return
	}
	todo, err := h.repo.UpdateTodoTask(r.Context(), todoID, step, store.TaskUpdate{
		Status:      req.Status,
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		h.storeError(w, r, err, "update task")
		return
	}
	JSON(w, http.StatusOK, todo)
}

// AddTask appends a task to a todo list.
func (h *Handler) AddTask(w http.ResponseWriter, r *http.Request) {
	var task domain.TodoTask
	if err := decode(r, &task); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(task.Title) == "" {
		Error(w, http.StatusBadRequest, "title is required")
		return
	}
	if task.Status != "" && !task.Status.Valid() {
		Error(w, http.StatusBadRequest, "invalid task status")
		return
	}

	todoID := chi.URLParam(r, "todoID")
	if err := h.authorizeTodo(r, todoID); err != nil {
		h.storeError(w, r, err, "add task")
		return
	}
	todo, err := h.repo.AddTodoTask(r.Context(), todoID, task)
	if err != nil {
		h.storeError(w, r, err, "add task")
		return
	}
	JSON(w, http.StatusCreated, todo)
}

// authorizeTodo returns store.ErrTodoNotFound unless the todo exists in a
// chat owned by the requesting user.
func (h *Handler) authorizeTodo(r *http.Request, todoID string) error {
	todo, err := h.repo.GetTodo(r.Context(), todoID)
	if err != nil {
		return err
	}
	if todo == nil {
		return store.ErrTodoNotFound
	}
	if _, err := h.chats.Get(r.Context(), auth.UserIDFromContext(r.Context()), todo.ChatID); err != nil {
		if errors.Is(err, chats.ErrChatNotFound) {
			return store.ErrTodoNotFound
		}
		return err
	}
	return nil
}
