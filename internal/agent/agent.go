// Package agent defines the boundary between the router and the agents that
// do the actual work of a turn, plus the built-in and remote implementations.
package agent

import (
	"context"
	"errors"

	"github.com/ashureev/agentdesk/internal/memory"
)

// ErrAgentFailed marks a failure reported by the agent itself rather than by
// the transport used to reach it.
var ErrAgentFailed = errors.New("agent failed")

// Request is the input of one turn as seen by an agent.
type Request struct {
	ChatID   string
	UserID   string
	Text     string
	Media    string
	Metadata map[string]any

	// Memory is the agent's own hydrated memory, oldest first, and
	// MemoryContext its formatted, size-bounded rendering.
	Memory        []memory.Entry
	MemoryContext string

	// Siblings holds read-only summaries of other agents' memory in the
	// same chat, keyed by agent name. Only set for cross-agent-context agents.
	Siblings map[string]string
}

// Result is the single final output of a turn.
type Result struct {
	Text    string
	Payload map[string]any

	// Remember, when non-empty, is appended to the agent's memory together
	// with the assistant message.
	Remember string
}

// Emitter receives progress updates while an agent works.
type Emitter interface {
	Nano(status string)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(status string)

// Nano implements Emitter.
func (f EmitterFunc) Nano(status string) { f(status) }

// Agent is an invocable unit of work. Invoke blocks until the turn finishes
// or ctx is cancelled; progress is reported through e in emission order.
type Agent interface {
	Invoke(ctx context.Context, req Request, e Emitter) (Result, error)
}

// Func adapts a function to Agent.
type Func func(ctx context.Context, req Request, e Emitter) (Result, error)

// Invoke implements Agent.
func (f Func) Invoke(ctx context.Context, req Request, e Emitter) (Result, error) {
	return f(ctx, req, e)
}

// Closer is implemented by agents holding resources such as connections.
type Closer interface {
	Close() error
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
