package chats

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentdesk/internal/bus"
	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/session"
	"github.com/ashureev/agentdesk/internal/store"
)

func newManager(t *testing.T, opts ...Option) (*Manager, *store.SQLiteStore, *bus.Local) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	events := bus.NewLocal(nil)
	t.Cleanup(func() { _ = events.Close() })
	return NewManager(repo, events, nil, opts...), repo, events
}

func nextEvent(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chat event")
		return bus.Event{}
	}
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	m, _, _ := newManager(t)
	ctx := t.Context()

	chat, err := m.Create(ctx, "u1", "  ")
	require.NoError(t, err)
	assert.NotEmpty(t, chat.ChatID)
	assert.Equal(t, domain.DefaultChatTitle, chat.Title)

	got, err := m.Get(ctx, "u1", chat.ChatID)
	require.NoError(t, err)
	assert.Equal(t, chat.ChatID, got.ChatID)

	_, err = m.Get(ctx, "u2", chat.ChatID)
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestCreateWithID(t *testing.T) {
	t.Parallel()
	m, _, _ := newManager(t)
	ctx := t.Context()

	chat, created, err := m.CreateWithID(ctx, "u1", "c2", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "c2", chat.ChatID)

	again, created, err := m.CreateWithID(ctx, "u1", "c2", "ignored")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, domain.DefaultChatTitle, again.Title)

	_, _, err = m.CreateWithID(ctx, "u2", "c2", "")
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestLatestAndList(t *testing.T) {
	t.Parallel()
	m, repo, _ := newManager(t)
	ctx := t.Context()

	none, err := m.Latest(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = m.Create(ctx, "u1", "first")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := m.Create(ctx, "u1", "second")
	require.NoError(t, err)
	require.NoError(t, repo.AppendMessage(ctx, &domain.Message{ChatID: second.ChatID, Role: domain.RoleUser, Content: "hi"}))

	latest, err := m.Latest(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, second.ChatID, latest.ChatID)

	all, err := m.List(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRenamePublishesTitle(t *testing.T) {
	t.Parallel()
	m, _, events := newManager(t)
	ctx := t.Context()
	chat, err := m.Create(ctx, "u1", "")
	require.NoError(t, err)

	ch, unsub := events.Subscribe(ctx, "u1")
	defer unsub()

	renamed, err := m.Rename(ctx, "u1", chat.ChatID, "  Launch   plan ")
	require.NoError(t, err)
	assert.Equal(t, "Launch plan", renamed.Title)

	ev := nextEvent(t, ch)
	assert.Equal(t, bus.KindTitleUpdated, ev.Kind)
	assert.Equal(t, "Launch plan", ev.Title)

	_, err = m.Rename(ctx, "u1", chat.ChatID, " ")
	assert.ErrorIs(t, err, ErrInvalidTitle)
	_, err = m.Rename(ctx, "u2", chat.ChatID, "mine now")
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestDeletePublishesBeforeReclaim(t *testing.T) {
	t.Parallel()
	sessions := session.NewManager(nil)
	m, repo, events := newManager(t, WithSessions(sessions))
	ctx := t.Context()
	chat, err := m.Create(ctx, "u1", "doomed")
	require.NoError(t, err)
	require.NoError(t, repo.AppendMessage(ctx, &domain.Message{ChatID: chat.ChatID, Role: domain.RoleUser, Content: "x"}))
	sessions.Register("s1", "u1")
	sessions.Rebind("s1", chat.ChatID)

	ch, unsub := events.Subscribe(ctx, "u1")
	defer unsub()

	require.NoError(t, m.Delete(ctx, "u1", chat.ChatID))
	ev := nextEvent(t, ch)
	assert.Equal(t, bus.KindChatDeleted, ev.Kind)
	assert.Equal(t, chat.ChatID, ev.ChatID)

	_, err = m.Get(ctx, "u1", chat.ChatID)
	assert.ErrorIs(t, err, ErrChatNotFound)
	msgs, err := repo.ListMessages(ctx, chat.ChatID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	assert.ErrorIs(t, m.Delete(ctx, "u1", chat.ChatID), ErrChatNotFound)
}

func TestCreateWithIDRefusesDeletedChat(t *testing.T) {
	t.Parallel()
	m, _, _ := newManager(t)
	ctx := t.Context()
	_, created, err := m.CreateWithID(ctx, "u1", "c7", "")
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, m.Delete(ctx, "u1", "c7"))

	for _, owner := range []string{"u1", "u2"} {
		_, _, err = m.CreateWithID(ctx, owner, "c7", "")
		assert.ErrorIs(t, err, ErrChatNotFound, "owner %s", owner)
	}
}

func TestDeleteRejectsOtherOwner(t *testing.T) {
	t.Parallel()
	m, _, _ := newManager(t)
	chat, err := m.Create(t.Context(), "u1", "")
	require.NoError(t, err)
	assert.ErrorIs(t, m.Delete(t.Context(), "u2", chat.ChatID), ErrChatNotFound)
}

func TestMessagesEnforcesOwnership(t *testing.T) {
	t.Parallel()
	m, repo, _ := newManager(t)
	ctx := t.Context()
	chat, err := m.Create(ctx, "u1", "")
	require.NoError(t, err)
	for _, text := range []string{"a", "b", "c"} {
		require.NoError(t, repo.AppendMessage(ctx, &domain.Message{ChatID: chat.ChatID, Role: domain.RoleUser, Content: text}))
	}

	msgs, err := m.Messages(ctx, "u1", chat.ChatID, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", msgs[0].Content)

	_, err = m.Messages(ctx, "u2", chat.ChatID, 0)
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestMaybeGenerateTitle(t *testing.T) {
	t.Parallel()
	m, _, events := newManager(t)
	ctx := t.Context()
	chat, err := m.Create(ctx, "u1", "")
	require.NoError(t, err)
	custom, err := m.Create(ctx, "u1", "Keep me")
	require.NoError(t, err)

	ch, unsub := events.Subscribe(ctx, "u1")
	defer unsub()

	m.MaybeGenerateTitle(chat.ChatID, "plan a product launch for next week, please")
	m.MaybeGenerateTitle(custom.ChatID, "something else entirely")
	m.MaybeGenerateTitle(chat.ChatID, "   ")
	m.Wait()

	ev := nextEvent(t, ch)
	assert.Equal(t, chat.ChatID, ev.ChatID)
	assert.Equal(t, "Plan a product launch for next", ev.Title)

	got, err := m.Get(ctx, "u1", custom.ChatID)
	require.NoError(t, err)
	assert.Equal(t, "Keep me", got.Title)
}

type fakeChatClient struct {
	reply string
	err   error
}

func (f fakeChatClient) CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{
		{Message: openai.ChatCompletionMessage{Content: f.reply}},
	}}, nil
}

func TestLLMTitler(t *testing.T) {
	t.Parallel()
	title, err := LLMTitler{Client: fakeChatClient{reply: `"Quarterly Marketing Launch Plan."`}}.Title(t.Context(), "help me plan")
	require.NoError(t, err)
	assert.Equal(t, "Quarterly Marketing Launch Plan", title)

	_, err = LLMTitler{Client: fakeChatClient{reply: "ok"}}.Title(t.Context(), "x")
	assert.Error(t, err)
}

func TestTitlerFailureFallsBackToHeuristic(t *testing.T) {
	t.Parallel()
	m, _, _ := newManager(t, WithTitler(LLMTitler{Client: fakeChatClient{err: errors.New("quota")}}))
	ctx := t.Context()
	chat, err := m.Create(ctx, "u1", "")
	require.NoError(t, err)

	m.MaybeGenerateTitle(chat.ChatID, "hello there")
	m.Wait()

	got, err := m.Get(ctx, "u1", chat.ChatID)
	require.NoError(t, err)
	assert.Equal(t, "Hello there", got.Title)
}

func TestHeuristicTitler(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"":                    domain.DefaultChatTitle,
		"hi":                  domain.DefaultChatTitle,
		"what's the weather?": "What's the weather",
		"écrire un poème":     "Écrire un poème",
	}
	for in, want := range tests {
		got, err := HeuristicTitler{}.Title(t.Context(), in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}
