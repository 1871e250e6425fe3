// Package session holds the per-connection state of an authenticated user:
// the bound chat and the agent memories hydrated for it.
package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/memory"
)

// Context is the mutable state of one live connection. It is owned by that
// connection's worker goroutine and is never shared.
type Context struct {
	ID        string
	UserID    string
	User      domain.User
	CreatedAt time.Time

	lastActivity time.Time
	chatID       string
	detachedFrom string
	memories     map[string]*memory.AgentMemory
	store        *memory.Store
}

// New creates a session for an authenticated user with a fresh session id.
func New(user domain.User, store *memory.Store) *Context {
	now := time.Now()
	return &Context{
		ID:           uuid.NewString(),
		UserID:       user.UserID,
		User:         user,
		CreatedAt:    now,
		lastActivity: now,
		memories:     make(map[string]*memory.AgentMemory),
		store:        store,
	}
}

// ChatID returns the bound chat, or "" when unbound.
func (c *Context) ChatID() string { return c.chatID }

// Bound reports whether a chat is bound.
func (c *Context) Bound() bool { return c.chatID != "" }

// DetachedFrom returns the chat this session lost to a deletion, if any.
func (c *Context) DetachedFrom() string { return c.detachedFrom }

// LastActivity returns the time of the last Touch.
func (c *Context) LastActivity() time.Time { return c.lastActivity }

// Touch records inbound activity.
func (c *Context) Touch() { c.lastActivity = time.Now() }

// Bind rebinds the session to chatID, hydrating every agent memory from
// durable storage. On error the previous binding is kept.
func (c *Context) Bind(ctx context.Context, chatID string) error {
	memories, err := c.store.Hydrate(ctx, chatID)
	if err != nil {
		return fmt.Errorf("bind chat %s: %w", chatID, err)
	}
	c.chatID = chatID
	c.detachedFrom = ""
	c.memories = memories
	return nil
}

// Detach unbinds the session if it is bound to chatID.
func (c *Context) Detach(chatID string) bool {
	if c.chatID == "" || c.chatID != chatID {
		return false
	}
	c.detachedFrom = chatID
	c.chatID = ""
	c.memories = make(map[string]*memory.AgentMemory)
	return true
}

// Memory returns the hydrated memory of agent, empty if it has none yet.
func (c *Context) Memory(agent string) *memory.AgentMemory {
	if m, ok := c.memories[agent]; ok {
		return m
	}
	return memory.NewAgentMemory(agent, c.store.MaxEntries())
}

// Agents returns the names of agents with hydrated memory, sorted.
func (c *Context) Agents() []string {
	names := make([]string, 0, len(c.memories))
	for name := range c.memories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SiblingSummaries formats every other agent's memory, each bounded by maxSize.
func (c *Context) SiblingSummaries(exclude string, maxSize int) map[string]string {
	out := make(map[string]string)
	for name, m := range c.memories {
		if name == exclude {
			continue
		}
		if s := m.Format(maxSize); s != "" {
			out[name] = s
		}
	}
	return out
}

// Remember appends entry to agent's memory write-through and then updates
// the hydrated view.
func (c *Context) Remember(ctx context.Context, agent string, entry memory.Entry) error {
	if c.chatID == "" {
		return fmt.Errorf("remember for %s: session not bound", agent)
	}
	if err := c.store.Append(ctx, c.chatID, agent, &entry); err != nil {
		return err
	}
	c.Recorded(agent, entry)
	return nil
}

// Recorded updates the hydrated view with an entry that was already
// persisted, such as one committed together with a turn.
func (c *Context) Recorded(agent string, entry memory.Entry) {
	m, ok := c.memories[agent]
	if !ok {
		m = memory.NewAgentMemory(agent, c.store.MaxEntries())
		c.memories[agent] = m
	}
	m.Add(entry)
}

// Snapshot returns a copy of every hydrated memory.
func (c *Context) Snapshot() map[string][]memory.Entry {
	out := make(map[string][]memory.Entry, len(c.memories))
	for name, m := range c.memories {
		out[name] = m.Entries()
	}
	return out
}
