// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
)

var (
	// ErrChatNotFound is returned when a chat-scoped write targets a chat that does not exist.
	ErrChatNotFound = errors.New("chat not found")
	// ErrTodoNotFound is returned when a todo list or task does not exist.
	ErrTodoNotFound = errors.New("todo not found")
)

// TurnRecord is everything a completed turn persists. It is written in a
// single transaction so a turn commits entirely or not at all.
type TurnRecord struct {
	UserMessage *domain.Message // optional, stored before Message
	Message     *domain.Message
	MemoryAgent string
	Memory      *domain.MemoryEntry // optional
	MemoryCap   int
}

// Repository defines the interface for persisting users, chats, messages,
// agent memories and todo lists.
type Repository interface {
	// GetUser retrieves a user by ID. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// CreateChat inserts a new chat. Returns ErrChatNotFound for the id of
	// a deleted chat.
	CreateChat(ctx context.Context, chat *domain.Chat) error

	// GetChat retrieves a chat by ID. Returns nil, nil when absent.
	GetChat(ctx context.Context, chatID string) (*domain.Chat, error)

	// ListChats returns a user's chats, most recently active first.
	ListChats(ctx context.Context, ownerID string, limit int) ([]*domain.Chat, error)

	// RenameChat sets a chat's title. Returns ErrChatNotFound when absent.
	RenameChat(ctx context.Context, chatID, title string) error

	// DeleteChat removes a chat with its messages, memories and todos and
	// tombstones its id. Returns false when the chat did not exist.
	DeleteChat(ctx context.Context, chatID string) (bool, error)

	// AppendMessage appends a message, assigning its sequence number, and
	// bumps the chat's counters. Returns ErrChatNotFound when absent.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns the most recent limit messages in ascending order.
	ListMessages(ctx context.Context, chatID string, limit int) ([]*domain.Message, error)

	// CommitTurn persists a completed turn atomically.
	CommitTurn(ctx context.Context, rec TurnRecord) error

	// AppendMemory appends an agent memory entry, evicting the oldest
	// entries beyond maxEntries. Returns ErrChatNotFound when absent.
	AppendMemory(ctx context.Context, chatID, agent string, entry *domain.MemoryEntry, maxEntries int) error

	// LoadMemories returns, per agent, up to limit most recent entries in ascending order.
	LoadMemories(ctx context.Context, chatID string, limit int) (map[string][]domain.MemoryEntry, error)

	// TrimMemories enforces maxEntries for every (chat, agent) pair.
	TrimMemories(ctx context.Context, maxEntries int) (int64, error)

	// CreateTodo inserts a todo list.
	CreateTodo(ctx context.Context, todo *domain.Todo) error

	// GetTodo retrieves a todo list. Returns nil, nil when absent.
	GetTodo(ctx context.Context, todoID string) (*domain.Todo, error)

	// ListTodos returns a chat's todo lists, optionally filtered by status.
	ListTodos(ctx context.Context, chatID string, status domain.TodoStatus) ([]*domain.Todo, error)

	// UpdateTodoTask changes one task and recomputes the list status.
	UpdateTodoTask(ctx context.Context, todoID string, step int, update TaskUpdate) (*domain.Todo, error)

	// AddTodoTask appends a task to an existing list.
	AddTodoTask(ctx context.Context, todoID string, task domain.TodoTask) (*domain.Todo, error)

	// Checkpoint runs a WAL checkpoint.
	Checkpoint(ctx context.Context) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// TaskUpdate carries the mutable fields of a todo task. Nil fields are left unchanged.
type TaskUpdate struct {
	Status      domain.TaskStatus
	Title       *string
	Description *string
}
