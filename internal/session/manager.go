package session

import (
	"log/slog"
	"sync"
)

// Manager tracks live sessions in this process by session id and by bound chat.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	byChat   map[string]map[string]struct{}
	logger   *slog.Logger
}

type entry struct {
	userID string
	chatID string
}

// NewManager creates an empty session manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*entry),
		byChat:   make(map[string]map[string]struct{}),
		logger:   logger.With("component", "sessions"),
	}
}

// Register records a new session.
func (m *Manager) Register(sessionID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = &entry{userID: userID}
	m.logger.Info("session registered", "user_id", userID, "session_id", sessionID)
}

// Unregister forgets a session.
func (m *Manager) Unregister(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	m.unindex(sessionID, e.chatID)
	delete(m.sessions, sessionID)
	m.logger.Info("session unregistered", "user_id", e.userID, "session_id", sessionID)
}

// Rebind records that a session is now bound to chatID; "" means unbound.
func (m *Manager) Rebind(sessionID, chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	m.unindex(sessionID, e.chatID)
	e.chatID = chatID
	if chatID == "" {
		return
	}
	set, ok := m.byChat[chatID]
	if !ok {
		set = make(map[string]struct{})
		m.byChat[chatID] = set
	}
	set[sessionID] = struct{}{}
}

func (m *Manager) unindex(sessionID, chatID string) {
	if chatID == "" {
		return
	}
	if set, ok := m.byChat[chatID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(m.byChat, chatID)
		}
	}
}

// BoundTo returns the ids of sessions bound to chatID.
func (m *Manager) BoundTo(chatID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.byChat[chatID]))
	for id := range m.byChat[chatID] {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CountForUser returns the number of live sessions of userID.
func (m *Manager) CountForUser(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.sessions {
		if e.userID == userID {
			n++
		}
	}
	return n
}
