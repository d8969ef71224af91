package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zbridge/internal/auth"
	"zbridge/internal/cache"
	"zbridge/internal/hub"
	"zbridge/internal/userstore"
	"zbridge/internal/websocket"
	"zbridge/pkg/types"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type mockStore struct{ err error }

func (m mockStore) HealthCheck(ctx context.Context) error { return m.err }

type mockHub struct{ running bool }

func (m mockHub) Stats() hub.Stats { return hub.Stats{Broadcasts: 3, Delivered: 5} }
func (m mockHub) Running() bool    { return m.running }

func newTestServer(t *testing.T, mutate func(*Options)) (*Server, *cache.Manager, *websocket.Registry) {
	t.Helper()
	reg := websocket.NewRegistry(discard)
	c := cache.NewManager(cache.Options{Logger: discard})
	opts := Options{Registry: reg, Cache: c, Logger: discard}
	if mutate != nil {
		mutate(&opts)
	}
	return NewServer(opts), c, reg
}

func do(t *testing.T, s *Server, method, target string, header http.Header) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	var body map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	}
	return w, body
}

func putFor(t *testing.T, c *cache.Manager, uc *types.UserContext, cmd string) {
	t.Helper()
	require.NoError(t, c.Put(c.BuildKey(cmd, nil, uc), json.RawMessage(`{}`), 0, cache.WithOwner(uc)))
}

func TestServer_Health(t *testing.T) {
	s, _, _ := newTestServer(t, func(o *Options) {
		o.Store = mockStore{}
		o.Hub = mockHub{running: true}
	})

	w, body := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "healthy", body["database"])
	assert.Equal(t, types.ServerVersion, body["version"])
	assert.Equal(t, 0.0, body["connections"].(map[string]any)["total_connections"])
	assert.Equal(t, 60.0, body["cache"].(map[string]any)["default_ttl_seconds"])
	assert.Equal(t, 5.0, body["hub"].(map[string]any)["delivered"])
}

func TestServer_HealthUnhealthyStore(t *testing.T) {
	s, _, _ := newTestServer(t, func(o *Options) { o.Store = mockStore{err: errors.New("disk gone")} })

	w, body := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Contains(t, body["database"], "disk gone")
}

func TestServer_HealthDegradedHub(t *testing.T) {
	s, _, _ := newTestServer(t, func(o *Options) { o.Hub = mockHub{running: false} })

	w, body := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "not configured", body["database"])
}

func TestServer_ListConnections(t *testing.T) {
	reg := websocket.NewRegistry(discard)
	provider := auth.NewProvider(auth.Options{Logger: discard})
	wsHandler := websocket.NewHandler(reg, provider, nil, websocket.HandlerConfig{}, discard)
	s := NewServer(Options{Registry: reg, WebSocket: wsHandler, Logger: discard})

	srv := httptest.NewServer(s)
	t.Cleanup(func() {
		reg.CloseAll()
		srv.Close()
	})

	client, _, err := gws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+WebSocketPath, nil)
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool { return reg.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, body := do(t, s, http.MethodGet, "/api/connections", nil)
	assert.Equal(t, 1.0, body["total"])
	conns := body["connections"].([]any)
	require.Len(t, conns, 1)
	first := conns[0].(map[string]any)
	assert.Equal(t, "anonymous", first["context"])
	assert.Equal(t, false, first["authenticated"])
	assert.NotEmpty(t, first["id"])
}

func TestServer_ListConnectionsEmpty(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	_, body := do(t, s, http.MethodGet, "/api/connections", nil)
	assert.Equal(t, []any{}, body["connections"])
	assert.Equal(t, 0.0, body["total"])
}

func TestServer_CacheStatsAndClear(t *testing.T) {
	s, c, _ := newTestServer(t, nil)
	alice := &types.UserContext{UserID: "1", AppName: "store", Role: "customer", AuthContext: types.AuthContextApplication}
	bob := &types.UserContext{UserID: "2", AppName: "crm", Role: "agent", AuthContext: types.AuthContextApplication}
	putFor(t, c, alice, "^ListA")
	putFor(t, c, alice, "^ListB")
	putFor(t, c, bob, "^ListA")

	_, body := do(t, s, http.MethodGet, "/api/cache/stats", nil)
	assert.Equal(t, 3.0, body["entries"])

	_, body = do(t, s, http.MethodDelete, "/api/cache?user=1", nil)
	assert.Equal(t, "user", body["scope"])
	assert.Equal(t, 2.0, body["cleared"])

	_, body = do(t, s, http.MethodDelete, "/api/cache?app=crm", nil)
	assert.Equal(t, "app", body["scope"])
	assert.Equal(t, 1.0, body["cleared"])

	putFor(t, c, bob, "^ListC")
	_, body = do(t, s, http.MethodDelete, "/api/cache", nil)
	assert.Equal(t, "all", body["scope"])
	assert.Equal(t, 1.0, body["cleared"])

	w, _ := do(t, s, http.MethodDelete, "/api/cache?user=1&app=crm", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, s, http.MethodDelete, "/api/cache?app=bad%20name", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_CacheDisabled(t *testing.T) {
	s := NewServer(Options{Logger: discard})

	w, _ := do(t, s, http.MethodGet, "/api/cache/stats", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, body["cache"])
}

func TestServer_RoutingErrors(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	w, body := do(t, s, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 404.0, body["code"])

	w, body = do(t, s, http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "Method not allowed", body["message"])
}

func TestServer_CORS(t *testing.T) {
	open, _, _ := newTestServer(t, nil)
	w, _ := do(t, open, http.MethodOptions, "/api/cache", http.Header{"Origin": {"http://localhost:3000"}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	restricted, _, _ := newTestServer(t, func(o *Options) { o.AllowedOrigins = []string{"https://app.example.com"} })

	w, _ = do(t, restricted, http.MethodGet, "/health", http.Header{"Origin": {"https://app.example.com"}})
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))

	w, _ = do(t, restricted, http.MethodGet, "/health", http.Header{"Origin": {"https://evil.example.com"}})
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

type mockUsers struct {
	created []userstore.User
	deleted []string
	err     error
}

func (m *mockUsers) CreateUser(ctx context.Context, u userstore.User) error {
	if m.err != nil {
		return m.err
	}
	m.created = append(m.created, u)
	return nil
}

func (m *mockUsers) DeleteUser(ctx context.Context, app, id string) error {
	if m.err != nil {
		return m.err
	}
	m.deleted = append(m.deleted, app+"/"+id)
	return nil
}

func doBody(t *testing.T, s *Server, method, target, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func TestServer_ProvisionUsers(t *testing.T) {
	users := &mockUsers{}
	s, c, _ := newTestServer(t, func(o *Options) {
		o.Users = users
		o.AdminToken = "ops"
	})

	w, _ := doBody(t, s, http.MethodPost, "/api/users", "", `{"app":"store","id":"9","username":"carol"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w, _ = doBody(t, s, http.MethodPost, "/api/users", "wrong", `{"app":"store","id":"9","username":"carol"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, users.created)

	w, body := doBody(t, s, http.MethodPost, "/api/users", "ops",
		`{"app":"store","id":"9","username":"carol","credential":"carol-key","email":"c@example.com"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "carol", body["username"])
	assert.Equal(t, "user", body["role"], "role defaults")
	assert.NotContains(t, body, "credential")
	require.Len(t, users.created, 1)
	assert.Equal(t, "carol-key", users.created[0].Credential)

	w, _ = doBody(t, s, http.MethodPost, "/api/users", "ops", `{"app":"bad app","id":"9","username":"carol"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = doBody(t, s, http.MethodPost, "/api/users", "ops", `{"app":"store","id":"9","extra":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	carol := &types.UserContext{UserID: "9", AppName: "store", Role: "user", AuthContext: types.AuthContextApplication}
	putFor(t, c, carol, "^ListA")
	w, _ = doBody(t, s, http.MethodDelete, "/api/users/store/9", "ops", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"store/9"}, users.deleted)
	assert.Zero(t, c.Stats().Entries, "a removed user's cached results go with it")
}

func TestServer_ProvisionUsersStoreErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{userstore.ErrInvalidUser, http.StatusBadRequest},
		{fmt.Errorf("%w: store/9", userstore.ErrDuplicateUser), http.StatusConflict},
		{userstore.ErrUserNotFound, http.StatusNotFound},
		{userstore.ErrStoreClosed, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		s, _, _ := newTestServer(t, func(o *Options) {
			o.Users = &mockUsers{err: tc.err}
			o.AdminToken = "ops"
		})
		w, body := doBody(t, s, http.MethodPost, "/api/users", "ops", `{"app":"store","id":"9","username":"carol"}`)
		assert.Equal(t, tc.code, w.Code, tc.err.Error())
		assert.Equal(t, float64(tc.code), body["code"])
	}
}

func TestServer_ProvisioningNeedsAdminToken(t *testing.T) {
	s, _, _ := newTestServer(t, func(o *Options) { o.Users = &mockUsers{} })

	w, _ := doBody(t, s, http.MethodPost, "/api/users", "", `{"app":"store","id":"9","username":"carol"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
