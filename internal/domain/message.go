package domain

import (
	"time"
)

// Role identifies the author class of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is an immutable entry in a chat's history.
// Seq is the durable order within the chat and is assigned by the store.
type Message struct {
	ChatID    string         `json:"chat_id"`
	Seq       int64          `json:"seq"`
	Role      Role           `json:"role"`
	Agent     string         `json:"agent,omitempty"`
	Content   string         `json:"content"`
	Media     string         `json:"media,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"timestamp"`
}
