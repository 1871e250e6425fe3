package domain

import (
	"time"
)

// MemoryEntry is one item of an agent's chat-scoped memory.
type MemoryEntry struct {
	Seq       int64          `json:"seq"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"timestamp"`
}
