package integration

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"zbridge/internal/app"
	"zbridge/internal/config"
	"zbridge/internal/token"
	"zbridge/internal/userstore"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// bridge is a running application seeded with users for two applications:
// store (alice by credential, bob by signed token) and crm (alice).
type bridge struct {
	t          *testing.T
	app        *app.Application
	signingKey ed25519.PrivateKey
}

func startBridge(t *testing.T, mutate func(*config.Config)) *bridge {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.HTTP.ShutdownGrace = 2 * time.Second
	cfg.Database.Path = filepath.Join(t.TempDir(), "zbridge.db")
	cfg.Auth.DefaultApp = "store"
	cfg.Auth.TokenPublicKey = hex.EncodeToString(pub)
	if mutate != nil {
		mutate(cfg)
	}

	a, err := app.NewApplication(cfg, app.WithLogger(discard))
	require.NoError(t, err)

	ctx := context.Background()
	for _, u := range []userstore.User{
		{App: "store", ID: "1", Username: "alice", Role: "admin", Credential: "alice-key"},
		{App: "store", ID: "2", Username: "bob", Role: "user"},
		{App: "crm", ID: "7", Username: "alice", Role: "agent", Credential: "crm-key"},
	} {
		require.NoError(t, a.Store().CreateUser(ctx, u))
	}

	require.NoError(t, a.Start(ctx))
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("bridge shutdown: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("bridge did not shut down")
		}
	})

	return &bridge{t: t, app: a, signingKey: priv}
}

func (b *bridge) url(path string) string {
	return "http://" + b.app.Addr() + path
}

// mint issues a signed token for subject in app
func (b *bridge) mint(app, subject string) string {
	b.t.Helper()
	now := time.Now()
	tok, err := token.Mint(b.signingKey, &token.Claims{
		Subject:   subject,
		App:       app,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Hour).Unix(),
	})
	require.NoError(b.t, err)
	return tok
}

// dial connects with optional credentials and consumes connection_info
func (b *bridge) dial(app, tok string) (*client, map[string]any) {
	b.t.Helper()
	q := url.Values{}
	if tok != "" {
		q.Set("token", tok)
	}
	if app != "" {
		q.Set("app", app)
	}
	u := "ws://" + b.app.Addr() + "/ws"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	ws, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(b.t, err)
	b.t.Cleanup(func() { _ = ws.Close() })

	c := &client{t: b.t, ws: ws}
	info := c.next()
	require.Equal(b.t, "connection_info", info["event"])
	return c, info
}

// dialStatus attempts a handshake and returns the HTTP status it got
func (b *bridge) dialStatus(rawQuery string) int {
	b.t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+b.app.Addr()+"/ws?"+rawQuery, nil)
	if err == nil {
		_ = ws.Close()
		return http.StatusSwitchingProtocols
	}
	require.NotNil(b.t, resp, "handshake failed without a response: %v", err)
	resp.Body.Close()
	return resp.StatusCode
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (c *client) send(frame map[string]any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(frame))
}

func (c *client) sendRaw(data string) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, []byte(data)))
}

func (c *client) next() map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	var m map[string]any
	require.NoError(c.t, json.Unmarshal(data, &m))
	return m
}

// call sends frame tagged with id and returns the reply carrying that id,
// skipping unrelated events
func (c *client) call(id string, frame map[string]any) map[string]any {
	c.t.Helper()
	frame["_requestId"] = id
	c.send(frame)
	for {
		m := c.next()
		if m["_requestId"] == id {
			return m
		}
	}
}

// expectSilence asserts nothing arrives within d
func (c *client) expectSilence(d time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(d)))
	_, data, err := c.ws.ReadMessage()
	require.Error(c.t, err, "unexpected frame %s", data)
}

func asMap(t *testing.T, v any) map[string]any {
	t.Helper()
	m, ok := v.(map[string]any)
	require.True(t, ok, "expected object, got %T", v)
	return m
}
