package routers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"matchsync/internal/gamestate"
	"matchsync/internal/identity"
	"matchsync/internal/lifecycle"
	matchManager "matchsync/internal/match_management"
	"matchsync/internal/relay"
	"matchsync/internal/store"
)

type noRetry struct{}

func (noRetry) Retry(context.Context, string) error { return nil }

func setupRouter(t *testing.T) (*chi.Mux, *identity.Tokens, *miniredis.Miniredis) {
	return setupRouterWithOrigins(t, []string{"http://localhost:5173"})
}

func setupRouterWithOrigins(t *testing.T, origins []string) (*chi.Mux, *identity.Tokens, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	tokens := identity.NewTokens([]byte("test-secret"), time.Hour)
	machine := lifecycle.NewMachine(store.NewRedisStore(rdb), nil, zap.NewNop())
	games := gamestate.NewStore(rdb)
	hub := relay.NewHub(machine, games, tokens, rdb, nil, zap.NewNop())
	t.Cleanup(hub.Close)
	mm := matchManager.NewMatchManager(machine, noRetry{}, games, tokens, zap.NewNop())

	return NewRouter(origins, mm, hub, rdb), tokens, mr
}

func TestNewRouterRegistersEndpoints(t *testing.T) {
	r, _, _ := setupRouter(t)

	paths := map[string]bool{}
	if err := chi.Walk(r, func(method string, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		paths[method+" "+strings.TrimSuffix(route, "/")] = true
		return nil
	}); err != nil {
		t.Fatalf("failed walking routes: %v", err)
	}

	expected := []string{
		"GET /healthz",
		"GET /readyz",
		"GET /metrics",
		"GET /ws",
		"POST /api/v1/matches",
		"GET /api/v1/matches/{id}",
		"DELETE /api/v1/matches/{id}",
		"POST /api/v1/matches/{id}/join",
		"POST /api/v1/matches/{id}/cancel",
		"POST /api/v1/matches/{id}/complete",
		"POST /api/v1/matches/{id}/external-ref",
		"POST /api/v1/matches/{id}/resolve",
	}
	for _, route := range expected {
		assert.True(t, paths[route], "route %s not registered", route)
	}
}

func TestRoutesStatus(t *testing.T) {
	r, _, _ := setupRouter(t)

	tests := []struct {
		name           string
		method         string
		path           string
		expectedStatus int
	}{
		{"health", http.MethodGet, "/healthz", http.StatusOK},
		{"ready", http.MethodGet, "/readyz", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"websocket without token", http.MethodGet, "/ws", http.StatusUnauthorized},
		{"create without token", http.MethodPost, "/api/v1/matches", http.StatusUnauthorized},
		{"get without token", http.MethodGet, "/api/v1/matches/abc", http.StatusUnauthorized},
		{"non-existent endpoint", http.MethodGet, "/api/v1/nonexistent", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()

			r.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code, "Route %s %s should return status %d", tt.method, tt.path, tt.expectedStatus)
		})
	}
}

func TestReadyzReportsRedisOutage(t *testing.T) {
	r, _, mr := setupRouter(t)
	mr.Close()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	r, _, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/matches", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSWildcardWithoutCredentials(t *testing.T) {
	r, _, _ := setupRouterWithOrigins(t, []string{"*"})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/matches", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestAllowsAnyOrigin(t *testing.T) {
	assert.True(t, allowsAnyOrigin(nil))
	assert.True(t, allowsAnyOrigin([]string{"http://a.example", "*"}))
	assert.False(t, allowsAnyOrigin([]string{"http://a.example"}))
}

func TestCreateThroughRouter(t *testing.T) {
	r, tokens, _ := setupRouter(t)
	tok, err := tokens.Issue(identity.Identity{UserID: "A", Username: "alice"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/matches", strings.NewReader(`{"stake":10}`))
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), `route="/api/v1/matches`)
}
