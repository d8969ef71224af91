package websocket

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/gorilla/websocket"

	"zbridge/pkg/interfaces"
)

// Registry tracks every live connection by id
// ARCHITECTURAL DISCOVERY: Pure connection bookkeeping, the lock is never held
// across socket I/O
type Registry struct {
	mu          sync.RWMutex // TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy lookup patterns
	connections map[string]*Connection
	logger      *slog.Logger
}

// Stats summarises the registry for diagnostics
type Stats struct {
	Total         int            `json:"total_connections"`
	Authenticated int            `json:"authenticated"`
	Anonymous     int            `json:"anonymous"`
	ByContext     map[string]int `json:"by_context"`
	ByApp         map[string]int `json:"by_app"`
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		connections: make(map[string]*Connection),
		logger:      logger.With("component", "registry"),
	}
}

// Register adds conn and returns its id
func (r *Registry) Register(conn *Connection) (string, error) {
	if conn == nil {
		return "", ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; exists {
		return "", ErrDuplicateConnection
	}
	r.connections[conn.ID()] = conn
	return conn.ID(), nil
}

// Unregister removes id. Unknown ids are ignored so duplicate close signals
// are harmless. It reports whether anything was removed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[id]; !exists {
		return false
	}
	delete(r.connections, id)
	return true
}

// Get looks up a connection
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[id]
	return conn, ok
}

// List returns a snapshot ordered by connect time
func (r *Registry) List() []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		out = append(out, conn)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt().Equal(out[j].CreatedAt()) {
			return out[i].ID() < out[j].ID()
		}
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out
}

// Snapshot returns List as transport-independent connections
func (r *Registry) Snapshot() []interfaces.Connection {
	conns := r.List()
	out := make([]interfaces.Connection, len(conns))
	for i, conn := range conns {
		out[i] = conn
	}
	return out
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// GetStats computes connection statistics
func (r *Registry) GetStats() Stats {
	stats := Stats{
		ByContext: make(map[string]int),
		ByApp:     make(map[string]int),
	}
	for _, conn := range r.List() {
		stats.Total++
		rec := conn.Record()
		if !rec.IsAuthenticated() {
			stats.Anonymous++
			continue
		}
		stats.Authenticated++
		stats.ByContext[rec.ActiveContext()]++
		for _, app := range rec.Apps() {
			stats.ByApp[app]++
		}
	}
	return stats
}

// CloseAll empties the registry and closes every connection outside the lock
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.connections = make(map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		if err := conn.CloseWithCode(websocket.CloseGoingAway, "server shutting down"); err != nil {
			r.logger.Debug("close during shutdown failed", "conn", conn.ID(), "error", err)
		}
	}
	if len(conns) > 0 {
		r.logger.Info("closed all connections", "count", len(conns))
	}
	return len(conns)
}
