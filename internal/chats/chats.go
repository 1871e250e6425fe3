// Package chats owns chat lifecycle: creation, rename, deletion and
// first-message title generation. It keeps live sessions informed through
// the chat event bus.
package chats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ashureev/agentdesk/internal/bus"
	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/session"
	"github.com/ashureev/agentdesk/internal/store"
)

const (
	maxTitleRunes = 120
	titleTimeout  = 30 * time.Second
)

var (
	// ErrChatNotFound is returned for missing chats and chats owned by
	// another user alike.
	ErrChatNotFound = store.ErrChatNotFound
	// ErrInvalidTitle is returned when a rename carries an empty title.
	ErrInvalidTitle = errors.New("title must not be empty")
)

// Manager coordinates chat storage with the sessions that reference chats.
type Manager struct {
	repo     store.Repository
	bus      bus.Bus
	sessions *session.Manager
	titler   Titler
	logger   *slog.Logger

	titles sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithTitler replaces the default heuristic titler.
func WithTitler(t Titler) Option {
	return func(m *Manager) { m.titler = t }
}

// WithSessions lets the manager report how many live sessions a deletion detaches.
func WithSessions(s *session.Manager) Option {
	return func(m *Manager) { m.sessions = s }
}

// NewManager creates a chat lifecycle manager.
func NewManager(repo store.Repository, events bus.Bus, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		repo:   repo,
		bus:    events,
		titler: HeuristicTitler{},
		logger: logger.With("component", "chats"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create makes a new chat for ownerID. A blank title becomes the default title.
func (m *Manager) Create(ctx context.Context, ownerID, title string) (*domain.Chat, error) {
	return m.create(ctx, ownerID, uuid.NewString(), title)
}

// CreateWithID returns the chat chatID, creating it for ownerID when it does
// not exist yet. A chat with that id owned by someone else is reported as
// not found.
func (m *Manager) CreateWithID(ctx context.Context, ownerID, chatID, title string) (*domain.Chat, bool, error) {
	existing, err := m.repo.GetChat(ctx, chatID)
	if err != nil {
		return nil, false, fmt.Errorf("get chat %s: %w", chatID, err)
	}
	if existing != nil {
		if !existing.OwnedBy(ownerID) {
			return nil, false, ErrChatNotFound
		}
		return existing, false, nil
	}
	chat, err := m.create(ctx, ownerID, chatID, title)
	if err != nil {
		return nil, false, err
	}
	return chat, true, nil
}

func (m *Manager) create(ctx context.Context, ownerID, chatID, title string) (*domain.Chat, error) {
	chat := &domain.Chat{
		ChatID:  chatID,
		OwnerID: ownerID,
		Title:   cleanTitle(title),
	}
	if err := m.repo.CreateChat(ctx, chat); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	m.logger.Info("chat created", "chat_id", chat.ChatID, "owner_id", ownerID)
	return chat, nil
}

// Get returns chatID if ownerID owns it.
func (m *Manager) Get(ctx context.Context, ownerID, chatID string) (*domain.Chat, error) {
	chat, err := m.repo.GetChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("get chat %s: %w", chatID, err)
	}
	if chat == nil || !chat.OwnedBy(ownerID) {
		return nil, ErrChatNotFound
	}
	return chat, nil
}

// Latest returns the most recently active chat of ownerID, or nil.
func (m *Manager) Latest(ctx context.Context, ownerID string) (*domain.Chat, error) {
	chats, err := m.repo.ListChats(ctx, ownerID, 1)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	if len(chats) == 0 {
		return nil, nil
	}
	return chats[0], nil
}

// List returns the chats of ownerID, most recently active first.
func (m *Manager) List(ctx context.Context, ownerID string, limit int) ([]*domain.Chat, error) {
	chats, err := m.repo.ListChats(ctx, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}

// Rename sets the title of chatID and announces it to the owner's sessions.
func (m *Manager) Rename(ctx context.Context, ownerID, chatID, title string) (*domain.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrInvalidTitle
	}
	chat, err := m.Get(ctx, ownerID, chatID)
	if err != nil {
		return nil, err
	}
	if err := m.setTitle(ctx, chat, cleanTitle(title)); err != nil {
		return nil, err
	}
	return chat, nil
}

func (m *Manager) setTitle(ctx context.Context, chat *domain.Chat, title string) error {
	if err := m.repo.RenameChat(ctx, chat.ChatID, title); err != nil {
		return fmt.Errorf("rename chat %s: %w", chat.ChatID, err)
	}
	chat.Title = title
	ev := bus.Event{Kind: bus.KindTitleUpdated, OwnerID: chat.OwnerID, ChatID: chat.ChatID, Title: title}
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.Warn("failed to publish title update", "chat_id", chat.ChatID, "error", err)
	}
	return nil
}

// Delete announces the deletion of chatID to every session of its owner and
// then removes the chat with its messages, memories and todos.
func (m *Manager) Delete(ctx context.Context, ownerID, chatID string) error {
	chat, err := m.Get(ctx, ownerID, chatID)
	if err != nil {
		return err
	}

	ev := bus.Event{Kind: bus.KindChatDeleted, OwnerID: chat.OwnerID, ChatID: chat.ChatID}
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.Warn("failed to publish chat deletion", "chat_id", chatID, "error", err)
	}

	deleted, err := m.repo.DeleteChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("delete chat %s: %w", chatID, err)
	}
	if !deleted {
		return ErrChatNotFound
	}

	bound := 0
	if m.sessions != nil {
		bound = len(m.sessions.BoundTo(chatID))
	}
	m.logger.Info("chat deleted", "chat_id", chatID, "owner_id", ownerID, "bound_sessions", bound)
	return nil
}

// Messages returns the last limit messages of chatID in order.
func (m *Manager) Messages(ctx context.Context, ownerID, chatID string, limit int) ([]*domain.Message, error) {
	if _, err := m.Get(ctx, ownerID, chatID); err != nil {
		return nil, err
	}
	msgs, err := m.repo.ListMessages(ctx, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// MaybeGenerateTitle titles chatID from its first user message in the
// background. Chats that already carry a custom title are left alone.
func (m *Manager) MaybeGenerateTitle(chatID, firstMessage string) {
	if strings.TrimSpace(firstMessage) == "" {
		return
	}
	m.titles.Add(1)
	go func() {
		defer m.titles.Done()
		ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
		defer cancel()
		if err := m.generateTitle(ctx, chatID, firstMessage); err != nil {
			m.logger.Warn("title generation failed", "chat_id", chatID, "error", err)
		}
	}()
}

func (m *Manager) generateTitle(ctx context.Context, chatID, firstMessage string) error {
	chat, err := m.repo.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if chat == nil || !chat.HasDefaultTitle() {
		return nil
	}

	title, err := m.titler.Title(ctx, firstMessage)
	if err != nil {
		m.logger.Debug("titler failed, using heuristic", "chat_id", chatID, "error", err)
		title, _ = HeuristicTitler{}.Title(ctx, firstMessage)
	}
	title = cleanTitle(title)
	if title == domain.DefaultChatTitle {
		return nil
	}
	if err := m.setTitle(ctx, chat, title); err != nil {
		if errors.Is(err, store.ErrChatNotFound) {
			return nil
		}
		return err
	}
	m.logger.Info("chat titled", "chat_id", chatID, "title", title)
	return nil
}

// Wait blocks until every background title job has finished.
func (m *Manager) Wait() { m.titles.Wait() }

func cleanTitle(title string) string {
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		return domain.DefaultChatTitle
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = string([]rune(title)[:maxTitleRunes])
	}
	return title
}
