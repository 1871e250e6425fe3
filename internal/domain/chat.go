package domain

import (
	"time"
)

// DefaultChatTitle is used for chats created without an explicit title.
const DefaultChatTitle = "New chat"

// Chat is a durable, user-owned conversation container.
type Chat struct {
	ChatID       string    `json:"chat_id"`
	OwnerID      string    `json:"owner_id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active"`
	MessageCount int       `json:"message_count"`
}

// OwnedBy reports whether the chat belongs to the given user.
func (c *Chat) OwnedBy(userID string) bool {
	return c != nil && c.OwnerID == userID
}

// HasDefaultTitle reports whether the title was never customized.
func (c *Chat) HasDefaultTitle() bool {
	return c.Title == "" || c.Title == DefaultChatTitle
}
