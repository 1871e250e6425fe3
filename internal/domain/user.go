// Package domain contains core domain types for agentdesk.
package domain

import (
	"time"
)

// User represents an authenticated account that owns chats.
type User struct {
	UserID     string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// DisplayName returns the user's name, falling back to a short form of the ID.
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	if len(u.UserID) > 8 {
		return "user-" + u.UserID[len(u.UserID)-8:]
	}
	return "user-" + u.UserID
}
