// Package memory maintains chat-scoped, per-agent memory: a bounded,
// append-only sequence of entries persisted write-through to the store.
package memory

import (
	"fmt"
	"strings"

	"github.com/ashureev/agentdesk/internal/domain"
)

// Entry is a single memory item.
type Entry = domain.MemoryEntry

// AgentMemory is one agent's hydrated memory for one chat, oldest first.
// It is not safe for concurrent use; a session context owns its copies.
type AgentMemory struct {
	agent      string
	maxEntries int
	entries    []Entry
}

// NewAgentMemory returns a memory view holding at most maxEntries entries.
// Non-positive maxEntries means unbounded.
func NewAgentMemory(agent string, maxEntries int, entries ...Entry) *AgentMemory {
	m := &AgentMemory{agent: agent, maxEntries: maxEntries}
	for _, e := range entries {
		m.Add(e)
	}
	return m
}

// Agent returns the owning agent name.
func (m *AgentMemory) Agent() string { return m.agent }

// Add appends e, evicting from the head once the cap is exceeded.
func (m *AgentMemory) Add(e Entry) {
	m.entries = append(m.entries, e)
	if m.maxEntries > 0 && len(m.entries) > m.maxEntries {
		drop := len(m.entries) - m.maxEntries
		m.entries = append(m.entries[:0:0], m.entries[drop:]...)
	}
}

// Entries returns a copy of the entries, oldest first.
func (m *AgentMemory) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Len returns the number of entries held.
func (m *AgentMemory) Len() int { return len(m.entries) }

// Format renders the memory as prompt context bounded by maxSize bytes.
// See FormatEntries.
func (m *AgentMemory) Format(maxSize int) string {
	return FormatEntries(m.agent, m.entries, maxSize)
}

// FormatEntries renders entries as "[HH:MM] content" lines under a
// "Recent <agent> memory:" header. Only the entry lines count against
// maxSize. The newest whole entries that fit are kept; a marker line records
// how many older entries were dropped, even when none fit. Returns "" only
// for no entries. Non-positive maxSize means unbounded.
func FormatEntries(agent string, entries []Entry, maxSize int) string {
	if len(entries) == 0 {
		return ""
	}

	lines := make([]string, 0, len(entries))
	used := 0
	for i := len(entries) - 1; i >= 0; i-- {
		line := fmt.Sprintf("[%s] %s", entries[i].CreatedAt.Format("15:04"), entries[i].Content)
		cost := len(line) + 1
		if maxSize > 0 && used+cost > maxSize {
			break
		}
		lines = append(lines, line)
		used += cost
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Recent %s memory:", agent)
	if dropped := len(entries) - len(lines); dropped > 0 {
		fmt.Fprintf(&b, "\n[... %d earlier entries truncated]", dropped)
	}
	for i := len(lines) - 1; i >= 0; i-- {
		b.WriteByte('\n')
		b.WriteString(lines[i])
	}
	return b.String()
}
