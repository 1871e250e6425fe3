package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/store"
)

// Persister is the durable storage the memory store writes through to.
type Persister interface {
	AppendMemory(ctx context.Context, chatID, agent string, entry *domain.MemoryEntry, maxEntries int) error
	LoadMemories(ctx context.Context, chatID string, limit int) (map[string][]domain.MemoryEntry, error)
	CommitTurn(ctx context.Context, rec store.TurnRecord) error
}

// Store serializes writers per (chat, agent) and always reads through to
// durable storage.
type Store struct {
	repo       Persister
	maxEntries int
	locks      *keyedMutex
	logger     *slog.Logger
}

// NewStore creates a memory store capping each agent at maxEntries.
func NewStore(repo Persister, maxEntries int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		repo:       repo,
		maxEntries: maxEntries,
		locks:      newKeyedMutex(),
		logger:     logger.With("component", "memory"),
	}
}

// MaxEntries returns the per-agent entry cap.
func (s *Store) MaxEntries() int { return s.maxEntries }

// Hydrate loads every agent's memory for chatID from durable storage.
func (s *Store) Hydrate(ctx context.Context, chatID string) (map[string]*AgentMemory, error) {
	loaded, err := s.repo.LoadMemories(ctx, chatID, s.maxEntries)
	if err != nil {
		return nil, fmt.Errorf("hydrate memories for chat %s: %w", chatID, err)
	}
	out := make(map[string]*AgentMemory, len(loaded))
	for agent, entries := range loaded {
		out[agent] = NewAgentMemory(agent, s.maxEntries, entries...)
	}
	s.logger.Debug("hydrated memories", "chat_id", chatID, "agents", len(out))
	return out, nil
}

// Append durably appends entry to (chatID, agent). It returns only after
// the write committed; entry.Seq and entry.CreatedAt reflect the stored row.
func (s *Store) Append(ctx context.Context, chatID, agent string, entry *Entry) error {
	unlock := s.locks.Lock(chatID + "\x00" + agent)
	defer unlock()

	if err := s.repo.AppendMemory(ctx, chatID, agent, entry, s.maxEntries); err != nil {
		return fmt.Errorf("append memory for %s: %w", agent, err)
	}
	return nil
}

// CommitTurn persists a completed turn, holding the (chat, agent) lock when
// the turn carries a memory entry.
func (s *Store) CommitTurn(ctx context.Context, rec store.TurnRecord) error {
	if rec.Memory != nil {
		unlock := s.locks.Lock(rec.Message.ChatID + "\x00" + rec.MemoryAgent)
		defer unlock()
		rec.MemoryCap = s.maxEntries
	}
	return s.repo.CommitTurn(ctx, rec)
}

// GetContext formats the stored memory of agent in chatID, bounded by maxSize bytes.
func (s *Store) GetContext(ctx context.Context, chatID, agent string, maxSize int) (string, error) {
	memories, err := s.Hydrate(ctx, chatID)
	if err != nil {
		return "", err
	}
	m, ok := memories[agent]
	if !ok {
		return "", nil
	}
	return m.Format(maxSize), nil
}

// keyedMutex hands out one mutex per key, dropping it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
