package auth

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentdesk/internal/store"
)

var testSecret = []byte("test-secret")

func TestVerifyRoundTrip(t *testing.T) {
	t.Parallel()
	v := NewJWTVerifier(testSecret)
	token, err := v.Generate(Claims{Subject: "u1", Name: "Ada", Email: "ada@example.com"}, time.Hour)
	require.NoError(t, err)

	c, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, Claims{Subject: "u1", Name: "Ada", Email: "ada@example.com"}, c)
}

func TestVerifyRejects(t *testing.T) {
	t.Parallel()
	v := NewJWTVerifier(testSecret)

	expired, err := v.Generate(Claims{Subject: "u1"}, -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	other, err := NewJWTVerifier([]byte("other")).Generate(Claims{Subject: "u1"}, time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSecret)
	require.NoError(t, err)
	_, err = v.Verify(noSub)
	assert.ErrorIs(t, err, ErrMissingClaim)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(none)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func newAuthenticator(t *testing.T) (*Authenticator, *JWTVerifier, *store.SQLiteStore) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	v := NewJWTVerifier(testSecret)
	return NewAuthenticator(v, repo, nil), v, repo
}

func TestAuthenticateProvisionsUser(t *testing.T) {
	t.Parallel()
	a, v, repo := newAuthenticator(t)
	ctx := t.Context()

	token, err := v.Generate(Claims{Subject: "u1", Name: "Ada"}, time.Hour)
	require.NoError(t, err)

	user, err := a.Authenticate(ctx, " "+token+" ")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.UserID)
	assert.Equal(t, "Ada", user.Name)

	// A later token without a name keeps the stored one.
	bare, err := v.Generate(Claims{Subject: "u1"}, time.Hour)
	require.NoError(t, err)
	again, err := a.Authenticate(ctx, bare)
	require.NoError(t, err)
	assert.Equal(t, "Ada", again.Name)
	assert.Equal(t, user.CreatedAt, again.CreatedAt)

	stored, err := repo.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, stored)

	_, err = a.Authenticate(ctx, "")
	assert.True(t, IsTokenError(err))
}

func TestMiddleware(t *testing.T) {
	t.Parallel()
	a, v, _ := newAuthenticator(t)
	token, err := v.Generate(Claims{Subject: "u1"}, time.Hour)
	require.NoError(t, err)

	h := Middleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(UserIDFromContext(r.Context())))
	}))

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		body   string
	}{
		{"bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusOK, "u1"},
		{"query param", func(r *http.Request) { r.URL.RawQuery = "token=" + token }, http.StatusOK, "u1"},
		{"missing", func(*http.Request) {}, http.StatusUnauthorized, ""},
		{"wrong scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic "+token) }, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/chats", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestIPFromRequest(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:4242"
	assert.Equal(t, "10.0.0.5", IPFromRequest(req))
	req.RemoteAddr = "unix"
	assert.Equal(t, "unix", IPFromRequest(req))
}
