package session

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/memory"
	"github.com/ashureev/agentdesk/internal/store"
)

func newMemoryStore(t *testing.T, chats ...string) *memory.Store {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	for _, id := range chats {
		require.NoError(t, repo.CreateChat(t.Context(), &domain.Chat{ChatID: id, OwnerID: "u1"}))
	}
	return memory.NewStore(repo, 3, nil)
}

func TestBindHydratesMemories(t *testing.T) {
	t.Parallel()
	mem := newMemoryStore(t, "c1", "c2")
	ctx := t.Context()

	first := New(domain.User{UserID: "u1"}, mem)
	require.NoError(t, first.Bind(ctx, "c1"))
	require.NoError(t, first.Remember(ctx, "writer", memory.Entry{Content: "draft one"}))
	require.NoError(t, first.Remember(ctx, "scout", memory.Entry{Content: "found it"}))

	// A reconnect sees the same memories.
	second := New(domain.User{UserID: "u1"}, mem)
	require.NoError(t, second.Bind(ctx, "c1"))
	assert.Equal(t, first.Snapshot(), second.Snapshot())
	assert.Equal(t, []string{"scout", "writer"}, second.Agents())
	assert.NotEqual(t, first.ID, second.ID)

	// Memories stay chat-scoped.
	require.NoError(t, second.Bind(ctx, "c2"))
	assert.Empty(t, second.Snapshot())
	assert.Equal(t, 0, second.Memory("writer").Len())
}

func TestBindFailureKeepsBinding(t *testing.T) {
	t.Parallel()
	mem := newMemoryStore(t, "c1")
	s := New(domain.User{UserID: "u1"}, mem)
	require.NoError(t, s.Bind(t.Context(), "c1"))

	ctx, cancel := contextCancelled(t)
	defer cancel()
	assert.Error(t, s.Bind(ctx, "c1"))
	assert.Equal(t, "c1", s.ChatID())
}

func TestRememberRequiresBinding(t *testing.T) {
	t.Parallel()
	s := New(domain.User{UserID: "u1"}, newMemoryStore(t))
	assert.Error(t, s.Remember(t.Context(), "writer", memory.Entry{Content: "x"}))
}

func TestDetachOnlyFromBoundChat(t *testing.T) {
	t.Parallel()
	s := New(domain.User{UserID: "u1"}, newMemoryStore(t, "c1"))
	require.NoError(t, s.Bind(t.Context(), "c1"))

	assert.False(t, s.Detach("other"))
	assert.True(t, s.Bound())

	assert.True(t, s.Detach("c1"))
	assert.False(t, s.Bound())
	assert.Equal(t, "c1", s.DetachedFrom())

	require.NoError(t, s.Bind(t.Context(), "c1"))
	assert.Empty(t, s.DetachedFrom())
}

func TestSiblingSummariesExcludeSelf(t *testing.T) {
	t.Parallel()
	s := New(domain.User{UserID: "u1"}, newMemoryStore(t, "c1"))
	require.NoError(t, s.Bind(t.Context(), "c1"))
	s.Recorded("writer", memory.Entry{Seq: 1, Content: "headline ideas"})
	s.Recorded("scout", memory.Entry{Seq: 1, Content: "competitor list"})

	got := s.SiblingSummaries("writer", 500)
	require.Len(t, got, 1)
	assert.Contains(t, got["scout"], "competitor list")
	tight := s.SiblingSummaries("writer", 1)
	assert.Equal(t, "Recent scout memory:\n[... 1 earlier entries truncated]", tight["scout"])
}

func TestManagerRebindIndexesByChat(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	m.Register("s1", "u1")
	m.Register("s2", "u1")
	m.Register("s3", "u2")

	m.Rebind("s1", "c1")
	m.Rebind("s2", "c1")
	assert.ElementsMatch(t, []string{"s1", "s2"}, m.BoundTo("c1"))

	m.Rebind("s2", "c2")
	assert.Equal(t, []string{"s1"}, m.BoundTo("c1"))
	assert.Equal(t, []string{"s2"}, m.BoundTo("c2"))

	m.Rebind("s1", "")
	assert.Empty(t, m.BoundTo("c1"))

	assert.Equal(t, 3, m.Count())
	assert.Equal(t, 2, m.CountForUser("u1"))

	m.Unregister("s2")
	m.Unregister("missing")
	assert.Empty(t, m.BoundTo("c2"))
	assert.Equal(t, 2, m.Count())
}

func TestManagerConcurrentAccess(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "s" + strconv.Itoa(i)
			m.Register(id, "u1")
			m.Rebind(id, "c"+strconv.Itoa(i%5))
			_ = m.BoundTo("c0")
			m.Unregister(id)
		}(i)
	}
	wg.Wait()
	assert.Zero(t, m.Count())
	assert.Empty(t, m.BoundTo("c0"))
}

func contextCancelled(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	return ctx, cancel
}
