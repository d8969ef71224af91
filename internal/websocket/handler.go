package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"zbridge/internal/auth"
	"zbridge/pkg/types"
)

// AppHeader names the handshake header carrying the target application
const AppHeader = "X-ZBridge-App"

// FrameHandler consumes inbound frames. The router implements it.
type FrameHandler interface {
	HandleFrame(ctx context.Context, conn *Connection, data []byte)
	ConnectionClosed(conn *Connection)
}

// Announcer pushes presence notices. The hub implements it.
type Announcer interface {
	Broadcast(event string, payload any, excludeID string) error
}

// TTLSource reports the cache TTL advertised in connection_info
type TTLSource interface {
	DefaultTTL() time.Duration
}

// HandlerConfig configures the upgrade handshake
type HandlerConfig struct {
	AuthRequired     bool
	AllowedOrigins   []string
	AnnouncePresence bool
	Conn             ConnOptions
}

// Handler upgrades HTTP requests and runs each connection's read loop
// ARCHITECTURAL DISCOVERY: Multi-stage validation (origin -> credentials -> upgrade -> registration)
// rejects unauthenticated clients with a proper HTTP status before any socket exists
type Handler struct {
	registry  *Registry
	provider  *auth.Provider
	frames    FrameHandler
	announcer Announcer
	ttl       TTLSource
	cfg       HandlerConfig
	upgrader  websocket.Upgrader
	logger    *slog.Logger

	// mu orders active.Add against the closing flag so Shutdown never
	// starts waiting while a handshake is still being admitted
	mu      sync.Mutex
	active  sync.WaitGroup
	closing atomic.Bool
}

// NewHandler creates a handshake handler
func NewHandler(registry *Registry, provider *auth.Provider, frames FrameHandler, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Conn.Logger == nil {
		cfg.Conn.Logger = logger
	}
	cfg.Conn = cfg.Conn.withDefaults()
	h := &Handler{
		registry: registry,
		provider: provider,
		frames:   frames,
		cfg:      cfg,
		logger:   logger.With("component", "websocket"),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

// SetAnnouncer wires presence notices; nil disables them
func (h *Handler) SetAnnouncer(a Announcer) { h.announcer = a }

// SetTTLSource wires the cache TTL shown in connection_info
func (h *Handler) SetTTLSource(t TTLSource) { h.ttl = t }

// checkOrigin allows requests without an Origin header (non-browser clients),
// and otherwise requires an exact match unless the list is empty or has "*"
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// credentialsFrom reads handshake parameters from the query string or headers
func credentialsFrom(r *http.Request) auth.Credentials {
	q := r.URL.Query()
	creds := auth.Credentials{
		Token: q.Get("token"),
		App:   q.Get("app"),
	}
	if creds.Token == "" {
		if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			creds.Token = strings.TrimSpace(h[7:])
		}
	}
	if creds.App == "" {
		creds.App = r.Header.Get(AppHeader)
	}
	return creds
}

// ServeHTTP performs the handshake and starts the connection
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.admit() {
		http.Error(w, ErrShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}
	handedOff := false
	defer func() {
		if !handedOff {
			h.active.Done()
		}
	}()

	if !h.checkOrigin(r) {
		h.logger.Warn("rejected origin", "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	rec := auth.NewRecord()
	_, authErr := h.provider.Resolve(r.Context(), rec, credentialsFrom(r))
	if h.cfg.AuthRequired && !rec.IsAuthenticated() {
		msg := ErrAuthRequired.Error()
		if authErr != nil {
			msg = authErr.Error()
		}
		h.logger.Info("rejected unauthenticated connection", "remote", r.RemoteAddr, "code", auth.CodeOf(authErr))
		http.Error(w, msg, http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := NewConnection(ws, rec, r.RemoteAddr, h.cfg.Conn)
	if _, err := h.registry.Register(conn); err != nil {
		conn.logger.Error("failed to register connection", "error", err)
		_ = conn.Close()
		return
	}
	// TECHNICAL DISCOVERY: Shutdown may have swept the registry while this
	// handshake was upgrading, so a late registration closes itself
	if h.closing.Load() {
		h.registry.Unregister(conn.ID())
		_ = conn.CloseWithCode(websocket.CloseGoingAway, "server shutting down")
		return
	}

	if err := conn.WriteJSON(h.connectionInfo(conn, authErr)); err != nil {
		conn.logger.Warn("failed to send connection_info", "error", err)
	}
	conn.logger.Info("client connected",
		"remote", conn.RemoteAddr(),
		"context", rec.Info().Context,
		"active_app", rec.ActiveApp())
	h.announce(types.EventClientJoined, conn)

	handedOff = true
	go h.readLoop(conn)
}

// admit counts a handshake as active unless shutdown has begun
func (h *Handler) admit() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing.Load() {
		return false
	}
	h.active.Add(1)
	return true
}

func (h *Handler) connectionInfo(conn *Connection, authErr error) types.ConnectionInfo {
	info := types.ConnectionInfo{
		Event: types.EventConnectionInfo,
		Data: types.ConnectionData{
			ConnectionID: conn.ID(),
			Server:       types.ServerName,
			ConnectedAt:  conn.CreatedAt(),
			AuthRequired: h.cfg.AuthRequired,
		},
		ServerVersion: types.ServerVersion,
		Features:      types.Features,
		Auth:          conn.Record().Info(),
	}
	if h.ttl != nil {
		info.Data.CacheTTLSeconds = h.ttl.DefaultTTL().Seconds()
	}
	if authErr != nil {
		info.Auth.Error = authErr.Error()
	}
	return info
}

// readLoop forwards frames until the socket fails. Cleanup is deferred so
// it runs on every exit path.
func (h *Handler) readLoop(conn *Connection) {
	defer h.active.Done()
	defer func() {
		if p := recover(); p != nil {
			conn.logger.Error("panic in read loop", "panic", p)
		}
		h.registry.Unregister(conn.ID())
		if h.frames != nil {
			h.frames.ConnectionClosed(conn)
		}
		_ = conn.Close()
		h.announce(types.EventClientLeft, conn)
		conn.logger.Info("client disconnected")
	}()

	ws := conn.conn
	ws.SetReadLimit(conn.opts.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(conn.opts.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(conn.opts.ReadTimeout))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) &&
				!errors.Is(err, context.Canceled) && !conn.Closed() {
				conn.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(conn.opts.ReadTimeout))

		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if h.frames != nil {
			h.frames.HandleFrame(conn.Context(), conn, data)
		}
	}
}

func (h *Handler) announce(event string, conn *Connection) {
	if !h.cfg.AnnouncePresence || h.announcer == nil {
		return
	}
	payload := map[string]any{
		"connection_id": conn.ID(),
		"context":       conn.Record().Info().Context,
	}
	if err := h.announcer.Broadcast(event, payload, conn.ID()); err != nil {
		conn.logger.Debug("presence broadcast failed", "event", event, "error", err)
	}
}

// Shutdown stops accepting handshakes, closes every registered connection
// with 1001 and waits for handshakes and read loops to finish until ctx ends.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing.Store(true)
	h.mu.Unlock()
	h.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
