package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"zbridge/internal/cache"
	"zbridge/internal/hub"
	"zbridge/internal/websocket"
	"zbridge/pkg/types"
)

// WebSocketPath is where clients connect
const WebSocketPath = "/ws"

// HealthChecker is implemented by the user store
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HubStats is implemented by the broadcast hub
type HubStats interface {
	Stats() hub.Stats
	Running() bool
}

// Options wires the admin API to the components it reports on
type Options struct {
	Registry       *websocket.Registry
	Cache          *cache.Manager
	Store          HealthChecker   // optional
	Hub            HubStats        // optional
	WebSocket      http.Handler    // mounted at WebSocketPath when set
	Users          UserProvisioner // with AdminToken, mounts /api/users
	AdminToken     string
	AllowedOrigins []string
	StartedAt      time.Time
	Logger         *slog.Logger
}

// Server is the HTTP surface of the bridge
// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	registry  *websocket.Registry
	cache     *cache.Manager
	store     HealthChecker
	hub       HubStats
	users     UserProvisioner
	origins   []string
	startedAt time.Time
	logger    *slog.Logger

	adminToken string

	router  *httprouter.Router
	handler http.Handler
}

// NewServer creates the API server and its routes
// FUNCTIONAL DISCOVERY: Dependency injection pattern maintains architectural boundaries
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now()
	}
	s := &Server{
		registry:  opts.Registry,
		cache:     opts.Cache,
		store:     opts.Store,
		hub:       opts.Hub,
		users:     opts.Users,
		origins:   opts.AllowedOrigins,
		startedAt: opts.StartedAt,
		logger:    opts.Logger.With("component", "api"),
		router:    httprouter.New(),

		adminToken: opts.AdminToken,
	}
	s.setupRoutes(opts.WebSocket)
	s.handler = s.corsMiddleware(s.router)
	return s
}

// ARCHITECTURAL DISCOVERY: Route setup follows REST conventions with proper middleware
// CORS applies everywhere, the JSON content type only to API routes
func (s *Server) setupRoutes(ws http.Handler) {
	s.router.GET("/health", s.jsonMiddleware(s.healthCheck))
	s.router.GET("/api/connections", s.jsonMiddleware(s.listConnections))
	s.router.GET("/api/cache/stats", s.jsonMiddleware(s.cacheStats))
	s.router.DELETE("/api/cache", s.jsonMiddleware(s.clearCache))
	if s.users != nil && s.adminToken != "" {
		s.router.POST("/api/users", s.jsonMiddleware(s.adminMiddleware(s.createUser)))
		s.router.DELETE("/api/users/:app/:id", s.jsonMiddleware(s.adminMiddleware(s.deleteUser)))
	}

	if ws != nil {
		s.router.Handler(http.MethodGet, WebSocketPath, ws)
	}

	s.router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		s.sendError(w, "no route for "+r.URL.Path, http.StatusNotFound)
	})
	s.router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	s.router.PanicHandler = func(w http.ResponseWriter, r *http.Request, p any) {
		s.logger.Error("panic in api handler", "path", r.URL.Path, "panic", p)
		s.sendError(w, "internal error", http.StatusInternalServerError)
	}
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string          `json:"status"`
	Server      string          `json:"server"`
	Version     string          `json:"version"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      string          `json:"uptime"`
	Database    string          `json:"database"`
	Connections websocket.Stats `json:"connections"`
	Cache       *cache.Stats    `json:"cache,omitempty"`
	Hub         *hub.Stats      `json:"hub,omitempty"`
}

type ConnectionSummary struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	Remote        string    `json:"remote"`
	Authenticated bool      `json:"authenticated"`
	Context       string    `json:"context"`
	ActiveApp     string    `json:"active_app,omitempty"`
}

type ListConnectionsResponse struct {
	Connections []ConnectionSummary `json:"connections"`
	Total       int                 `json:"total"`
}

type ClearCacheResponse struct {
	Scope   string `json:"scope"`
	Target  string `json:"target,omitempty"`
	Cleared int    `json:"cleared"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "not configured"
	if s.store != nil {
		dbStatus = "healthy"
		if err := s.store.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = fmt.Sprintf("error: %v", err)
		}
	}

	resp := HealthResponse{
		Status:    status,
		Server:    types.ServerName,
		Version:   types.ServerVersion,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Database:  dbStatus,
	}
	if s.registry != nil {
		resp.Connections = s.registry.GetStats()
	}
	if s.cache != nil {
		stats := s.cache.Stats()
		resp.Cache = &stats
	}
	if s.hub != nil {
		stats := s.hub.Stats()
		resp.Hub = &stats
		if !s.hub.Running() {
			status = "degraded"
			resp.Status = status
		}
	}

	// FUNCTIONAL DISCOVERY: Return 503 if any component is unhealthy
	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	s.encode(w, resp)
}

// FUNCTIONAL DISCOVERY: GET /api/connections - live connections in connect order
func (s *Server) listConnections(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	resp := ListConnectionsResponse{Connections: []ConnectionSummary{}}
	if s.registry != nil {
		for _, conn := range s.registry.List() {
			info := conn.Record().Info()
			resp.Connections = append(resp.Connections, ConnectionSummary{
				ID:            conn.ID(),
				CreatedAt:     conn.CreatedAt(),
				Remote:        conn.RemoteAddr(),
				Authenticated: info.Authenticated,
				Context:       info.Context,
				ActiveApp:     info.ActiveApp,
			})
		}
	}
	resp.Total = len(resp.Connections)
	s.encode(w, resp)
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.cache == nil {
		s.sendError(w, "cache is disabled", http.StatusNotFound)
		return
	}
	s.encode(w, s.cache.Stats())
}

// FUNCTIONAL DISCOVERY: DELETE /api/cache - clear everything, or one user or app with ?user= / ?app=
func (s *Server) clearCache(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.cache == nil {
		s.sendError(w, "cache is disabled", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	user, app := strings.TrimSpace(q.Get("user")), strings.TrimSpace(q.Get("app"))

	var resp ClearCacheResponse
	switch {
	case user != "" && app != "":
		s.sendError(w, "specify at most one of user or app", http.StatusBadRequest)
		return
	case user != "":
		resp = ClearCacheResponse{Scope: "user", Target: user, Cleared: s.cache.ClearForUser(user)}
	case app != "":
		if !types.IsValidAppName(app) {
			s.sendError(w, types.ErrInvalidAppName.Error(), http.StatusBadRequest)
			return
		}
		resp = ClearCacheResponse{Scope: "app", Target: app, Cleared: s.cache.ClearForApp(app)}
	default:
		resp = ClearCacheResponse{Scope: "all", Cleared: s.cache.ClearAll()}
	}

	s.logger.Info("cache cleared via api", "scope", resp.Scope, "target", resp.Target, "entries", resp.Cleared)
	s.encode(w, resp)
}

func (s *Server) encode(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to encode response", "error", err)
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	s.encode(w, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// originAllowed mirrors the WebSocket origin policy: an empty list or "*"
// allows everyone
func (s *Server) originAllowed(origin string) (string, bool) {
	if len(s.origins) == 0 {
		return "*", true
	}
	for _, allowed := range s.origins {
		if allowed == "*" {
			return "*", true
		}
		if strings.EqualFold(allowed, origin) {
			return origin, true
		}
	}
	return "", false
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access,
// restricted to the configured origins
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if value, ok := s.originAllowed(r.Header.Get("Origin")); ok {
			w.Header().Set("Access-Control-Allow-Origin", value)
			if value != "*" {
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		// FUNCTIONAL DISCOVERY: Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// FUNCTIONAL DISCOVERY: JSON middleware ensures proper content-type headers
func (s *Server) jsonMiddleware(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		w.Header().Set("Content-Type", "application/json")
		next(w, r, ps)
	}
}
