//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentdesk/internal/auth"
	"github.com/ashureev/agentdesk/internal/bus"
	"github.com/ashureev/agentdesk/internal/chats"
	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/registry"
	"github.com/ashureev/agentdesk/internal/session"
	"github.com/ashureev/agentdesk/internal/store"
)

var testSecret = []byte("api-secret")

type apiFixture struct {
	srv      *httptest.Server
	verifier *auth.JWTVerifier
	repo     *store.SQLiteStore
	events   *bus.Local
	sessions *session.Manager
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	events := bus.NewLocal(logger)
	t.Cleanup(func() { _ = events.Close() })
	sm := session.NewManager(logger)
	cm := chats.NewManager(repo, events, logger, chats.WithSessions(sm))
	t.Cleanup(cm.Wait)
	reg, err := registry.Defaults()
	require.NoError(t, err)

	verifier := auth.NewJWTVerifier(testSecret)
	authn := auth.NewAuthenticator(verifier, repo, logger)

	r := chi.NewRouter()
	NewHealthHandler(repo, sm).RegisterHealth(r)
	NewHandler(repo, cm, reg, sm, logger).RegisterRoutes(r, auth.Middleware(authn))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, verifier: verifier, repo: repo, events: events, sessions: sm}
}

func (f *apiFixture) do(t *testing.T, user, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if user != "" {
		tok, err := f.verifier.Generate(auth.Claims{Subject: user, Name: "Tester " + user}, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]string{"foo": "bar"})

	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "bar", got["foo"])
}

func TestRoutesRequireToken(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	status, body := f.do(t, "", http.MethodGet, "/api/chats", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", body["error"])
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	f.sessions.Register("s1", "u1")

	status, body := f.do(t, "", http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 1, body["sessions"])

	require.NoError(t, f.repo.Close())
	status, body = f.do(t, "", http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "degraded", body["status"])
}

func TestChatCRUD(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	status, created := f.do(t, "u1", http.MethodPost, "/api/chats", `{"title":"Launch plan"}`)
	require.Equal(t, http.StatusCreated, status)
	chatID := created["chat_id"].(string)
	assert.Equal(t, "Launch plan", created["title"])
	assert.Equal(t, "u1", created["owner_id"])

	status, got := f.do(t, "u1", http.MethodGet, "/api/chats/"+chatID, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, chatID, got["chat_id"])

	// Other users cannot see the chat.
	status, _ = f.do(t, "u2", http.MethodGet, "/api/chats/"+chatID, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, list := f.do(t, "u1", http.MethodGet, "/api/chats", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, list["chats"], 1)

	status, renamed := f.do(t, "u1", http.MethodPut, "/api/chats/"+chatID+"/title", `{"title":"Q3 launch"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Q3 launch", renamed["title"])

	status, _ = f.do(t, "u1", http.MethodPut, "/api/chats/"+chatID+"/title", `{"title":"  "}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, "u1", http.MethodDelete, "/api/chats/"+chatID, "")
	assert.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, "u1", http.MethodGet, "/api/chats/"+chatID, "")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = f.do(t, "u1", http.MethodDelete, "/api/chats/"+chatID, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCreateChatWithClientID(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	status, _ := f.do(t, "u1", http.MethodPost, "/api/chats", `{"chat_id":"client-1"}`)
	assert.Equal(t, http.StatusCreated, status)
	status, again := f.do(t, "u1", http.MethodPost, "/api/chats", `{"chat_id":"client-1"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.DefaultChatTitle, again["title"])

	status, _ = f.do(t, "u2", http.MethodPost, "/api/chats", `{"chat_id":"client-1"}`)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, "u1", http.MethodPost, "/api/chats", `{"unknown":true}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRenamePublishesTitle(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	_, created := f.do(t, "u1", http.MethodPost, "/api/chats", "")
	chatID := created["chat_id"].(string)

	events, unsub := f.events.Subscribe(t.Context(), "u1")
	defer unsub()

	status, _ := f.do(t, "u1", http.MethodPut, "/api/chats/"+chatID+"/title", `{"title":"Renamed"}`)
	require.Equal(t, http.StatusOK, status)

	select {
	case ev := <-events:
		assert.Equal(t, bus.KindTitleUpdated, ev.Kind)
		assert.Equal(t, chatID, ev.ChatID)
		assert.Equal(t, "Renamed", ev.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("no title event")
	}
}

func TestListMessages(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	_, created := f.do(t, "u1", http.MethodPost, "/api/chats", "")
	chatID := created["chat_id"].(string)

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, f.repo.AppendMessage(t.Context(), &domain.Message{
			ChatID: chatID, Role: domain.RoleUser, Content: text,
		}))
	}

	status, body := f.do(t, "u1", http.MethodGet, "/api/chats/"+chatID+"/messages?limit=2", "")
	require.Equal(t, http.StatusOK, status)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].(map[string]any)["content"])
	assert.Equal(t, "three", msgs[1].(map[string]any)["content"])

	status, _ = f.do(t, "u2", http.MethodGet, "/api/chats/"+chatID+"/messages", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestTodoLifecycle(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	_, created := f.do(t, "u1", http.MethodPost, "/api/chats", "")
	chatID := created["chat_id"].(string)

	status, todo := f.do(t, "u1", http.MethodPost, "/api/chats/"+chatID+"/todos",
		`{"title":"Launch","tasks":[{"title":"Research"},{"title":"Write copy"}]}`)
	require.Equal(t, http.StatusCreated, status)
	todoID := todo["id"].(string)
	assert.Equal(t, registry.DefaultAgent, todo["agent"])
	assert.Equal(t, "active", todo["status"])

	status, _ = f.do(t, "u1", http.MethodPut, "/api/todos/"+todoID+"/tasks/1", `{"status":"done"}`)
	assert.Equal(t, http.StatusOK, status)
	status, updated := f.do(t, "u1", http.MethodPut, "/api/todos/"+todoID+"/tasks/2", `{"status":"cancelled"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", updated["status"])

	status, reopened := f.do(t, "u1", http.MethodPost, "/api/todos/"+todoID+"/tasks", `{"title":"Publish"}`)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "active", reopened["status"])
	assert.Len(t, reopened["tasks"], 3)

	status, list := f.do(t, "u1", http.MethodGet, "/api/chats/"+chatID+"/todos?status=active", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, list["todos"], 1)

	status, _ = f.do(t, "u1", http.MethodPut, "/api/todos/"+todoID+"/tasks/9", `{"status":"done"}`)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = f.do(t, "u1", http.MethodPut, "/api/todos/"+todoID+"/tasks/x", `{"status":"done"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, "u1", http.MethodPut, "/api/todos/"+todoID+"/tasks/1", `{"status":"someday"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	// Todos of other users' chats are invisible.
	status, _ = f.do(t, "u2", http.MethodPut, "/api/todos/"+todoID+"/tasks/1", `{"status":"pending"}`)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = f.do(t, "u2", http.MethodGet, "/api/chats/"+chatID+"/todos", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestListAgents(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	status, body := f.do(t, "u1", http.MethodGet, "/api/agents", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, registry.DefaultAgent, body["default"])

	agents := body["agents"].([]any)
	require.NotEmpty(t, agents)
	first := agents[0].(map[string]any)
	assert.Equal(t, registry.DefaultAgent, first["name"])
	assert.NotContains(t, first, "prompt")
}

func TestGetMe(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	status, body := f.do(t, "u1", http.MethodGet, "/api/me", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "u1", body["id"])
	assert.Equal(t, "Tester u1", body["name"])
	assert.EqualValues(t, 0, body["sessions"])
}
