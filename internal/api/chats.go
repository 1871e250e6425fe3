package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agentdesk/internal/auth"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// GetMe returns the current user's information.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"id":       user.UserID,
		"name":     user.DisplayName(),
		"email":    user.Email,
		"sessions": h.sessions.CountForUser(user.UserID),
	})
}

// ListChats returns the user's chats, most recently active first.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	list, err := h.chats.List(r.Context(), userID, limitParam(r))
	if err != nil {
		h.storeError(w, r, err, "list chats")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"chats": list})
}

type createChatRequest struct {
	ChatID string `json:"chat_id"`
	Title  string `json:"title"`
}

// CreateChat creates a chat. A supplied chat_id that already belongs to the
// user returns the existing chat with 200.
func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	var req createChatRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ChatID == "" {
		chat, err := h.chats.Create(r.Context(), userID, req.Title)
		if err != nil {
			h.storeError(w, r, err, "create chat")
			return
		}
		JSON(w, http.StatusCreated, chat)
		return
	}

	chat, created, err := h.chats.CreateWithID(r.Context(), userID, req.ChatID, req.Title)
	if err != nil {
		h.storeError(w, r, err, "create chat")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	JSON(w, status, chat)
}

// GetChat returns one chat.
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	chat, err := h.chats.Get(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "chatID"))
	if err != nil {
		h.storeError(w, r, err, "get chat")
		return
	}
	JSON(w, http.StatusOK, chat)
}

type renameRequest struct {
	Title string `json:"title"`
}

// RenameChat sets a chat's title. Live sessions of the owner receive a
// title_updated event.
func (h *Handler) RenameChat(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	chat, err := h.chats.Rename(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "chatID"), req.Title)
	if err != nil {
		h.storeError(w, r, err, "rename chat")
		return
	}
	JSON(w, http.StatusOK, chat)
}

// DeleteChat removes a chat and detaches every session bound to it.
func (h *Handler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if err := h.chats.Delete(r.Context(), auth.UserIDFromContext(r.Context()), chatID); err != nil {
		h.storeError(w, r, err, "delete chat")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted", "chat_id": chatID})
}

// ListMessages returns the most recent messages of a chat in order.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.chats.Messages(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "chatID"), limitParam(r))
	if err != nil {
		h.storeError(w, r, err, "list messages")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}
