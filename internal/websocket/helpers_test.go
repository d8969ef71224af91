package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"zbridge/internal/auth"
	"zbridge/pkg/interfaces"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// socketPair returns the server side of a live socket and its client peer
func socketPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	serverSide := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- ws
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case ws := <-serverSide:
		return ws, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side never upgraded")
		return nil, nil
	}
}

func newTestConnection(t *testing.T, rec *auth.Record) (*Connection, *websocket.Conn) {
	t.Helper()
	ws, client := socketPair(t)
	conn := NewConnection(ws, rec, "127.0.0.1:1", ConnOptions{Logger: discard})
	t.Cleanup(func() { _ = conn.Close() })
	return conn, client
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

type memLookup map[string][]map[string]any

func (m memLookup) FindUser(ctx context.Context, app, field, value string) (map[string]any, error) {
	for _, row := range m[app] {
		if row[field] == value {
			return row, nil
		}
	}
	return nil, interfaces.ErrUserNotFound
}

func newTestProvider() *auth.Provider {
	return auth.NewProvider(auth.Options{
		Lookup: memLookup{
			"store": {{"id": "1", "username": "alice", "role": "customer", "credential": "alice-key"}},
			"crm":   {{"id": "7", "username": "alice", "role": "agent", "credential": "crm-key"}},
		},
		DefaultApp: "store",
		Logger:     discard,
	})
}

// loggedIn returns a record logged in to app with credential
func loggedIn(t *testing.T, app, credential string) *auth.Record {
	t.Helper()
	rec := auth.NewRecord()
	_, err := newTestProvider().Login(context.Background(), rec, app, credential, false)
	require.NoError(t, err)
	return rec
}
